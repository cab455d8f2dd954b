package compute

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"

	_ "image/jpeg"

	"github.com/leaflab/leaflab/internal/domain"
)

// Engine is the built-in reference processor: it measures leaf coverage as
// the fraction of green-dominant pixels and renders a binary mask preview.
// Production deployments replace it with a real segmentation backend; it
// exists so the pipeline runs end-to-end and stays deterministic under test.
type Engine struct{}

// NewEngine creates the reference processor.
func NewEngine() *Engine {
	return &Engine{}
}

// Process decodes the image, repeats the coverage scan params.Repeat times
// and returns the summary, a PNG mask preview and the run log.
func (e *Engine) Process(ctx context.Context, imageBytes []byte, params domain.Params) (*Output, error) {
	img, format, err := image.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	repeat := params.Repeat
	if repeat < 1 {
		repeat = 1
	}

	var logs strings.Builder
	fmt.Fprintf(&logs, "method=%s format=%s bounds=%v\n", params.Method, format, img.Bounds())

	bounds := img.Bounds()
	mask := image.NewGray(bounds)

	var leafPixels, totalPixels int
	for pass := 0; pass < repeat; pass++ {
		// The scan is repeated on purpose: repeat exists to scale CPU load.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		leafPixels, totalPixels = 0, 0
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				r, g, b, _ := img.At(x, y).RGBA()
				totalPixels++
				if g > r && g > b {
					leafPixels++
					mask.SetGray(x, y, color.Gray{Y: 255})
				} else {
					mask.SetGray(x, y, color.Gray{Y: 0})
				}
			}
		}
		fmt.Fprintf(&logs, "pass=%d leaf_pixels=%d\n", pass+1, leafPixels)
	}

	coverage := 0.0
	if totalPixels > 0 {
		coverage = float64(leafPixels) / float64(totalPixels) * 100
	}

	var preview bytes.Buffer
	if err := png.Encode(&preview, mask); err != nil {
		return nil, fmt.Errorf("failed to encode preview: %w", err)
	}

	summary := domain.Summary{
		"leaf": map[string]any{
			"coverage_pct": coverage,
			"pixels":       leafPixels,
		},
		"method": params.Method,
		"repeat": repeat,
	}

	return &Output{
		Summary: summary,
		Preview: preview.Bytes(),
		Logs:    logs.String(),
	}, nil
}
