package producer

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/leaflab/leaflab/internal/broker"
	"github.com/leaflab/leaflab/internal/config"
	"github.com/leaflab/leaflab/internal/domain"
)

const defaultDLQSuffix = "-dlq"

// Routes resolves processing methods to logical queues. Method lookup is
// case-insensitive. An unrecognized method falls back to the default queue
// with a warning instead of failing; a strict deployment configures no
// default and the lookup errors instead.
type Routes struct {
	methods      map[string]string
	fallback     string
	dlqSuffix    string
	redriveLimit int
	logger       *slog.Logger
}

// NewRoutes builds the routing table from configuration.
func NewRoutes(cfg config.QueuesConfig, logger *slog.Logger) *Routes {
	methods := make(map[string]string, len(cfg.Methods))
	for method, queue := range cfg.Methods {
		methods[strings.ToLower(method)] = queue
	}

	fallback := cfg.Default
	if fallback == "" {
		// Mirror of the lookup order: the first configured queue is the default.
		keys := make([]string, 0, len(methods))
		for k := range methods {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if len(keys) > 0 {
			fallback = methods[keys[0]]
		}
	}

	suffix := cfg.DLQSuffix
	if suffix == "" {
		suffix = defaultDLQSuffix
	}

	return &Routes{
		methods:      methods,
		fallback:     fallback,
		dlqSuffix:    suffix,
		redriveLimit: cfg.RedriveLimit,
		logger:       logger,
	}
}

// Resolve returns the queue for a processing method.
func (r *Routes) Resolve(method string) (string, error) {
	if method != "" {
		key := strings.ToLower(method)
		if queue, ok := r.methods[key]; ok {
			if queue == "" {
				return "", fmt.Errorf("queue for method %q not configured", key)
			}
			return queue, nil
		}
		if r.fallback != "" {
			r.logger.Warn("Unknown method, falling back to default queue",
				slog.String("method", key),
				slog.String("queue", r.fallback),
			)
			return r.fallback, nil
		}
		return "", fmt.Errorf("%w: unknown method %q and no default queue", domain.ErrNoQueueConfigured, key)
	}

	if r.fallback != "" {
		return r.fallback, nil
	}
	return "", domain.ErrNoQueueConfigured
}

// DLQ returns the dead-letter queue paired with a logical queue.
func (r *Routes) DLQ(queue string) string {
	return queue + r.dlqSuffix
}

// Known reports whether queue is one of the configured logical queues.
func (r *Routes) Known(queue string) bool {
	for _, q := range r.methods {
		if q == queue {
			return true
		}
	}
	return queue == r.fallback && r.fallback != ""
}

// Queues lists the configured logical queues, deduplicated and sorted.
func (r *Routes) Queues() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(q string) {
		if q == "" {
			return
		}
		if _, ok := seen[q]; ok {
			return
		}
		seen[q] = struct{}{}
		out = append(out, q)
	}
	for _, q := range r.methods {
		add(q)
	}
	add(r.fallback)
	sort.Strings(out)
	return out
}

// Specs returns broker declarations for every queue and its DLQ.
func (r *Routes) Specs() []broker.QueueSpec {
	queues := r.Queues()
	specs := make([]broker.QueueSpec, 0, len(queues))
	for _, q := range queues {
		specs = append(specs, broker.QueueSpec{
			Name:         q,
			DLQ:          r.DLQ(q),
			RedriveLimit: r.redriveLimit,
		})
	}
	return specs
}
