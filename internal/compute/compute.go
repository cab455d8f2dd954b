// Package compute defines the image-processing collaborator. The worker
// treats it as a black box: decoded image plus parameters in, result artifact
// plus structured summary plus log text out.
package compute

import (
	"context"

	"github.com/leaflab/leaflab/internal/domain"
)

// Output is the product of one processing attempt.
type Output struct {
	Summary domain.Summary
	Preview []byte
	Logs    string
}

// Processor runs the segmentation pipeline. Implementations must be pure
// from the pipeline's perspective: no side effects beyond the returned output.
type Processor interface {
	Process(ctx context.Context, image []byte, params domain.Params) (*Output, error)
}
