// Package producer creates and resets job records and publishes
// "job requested" messages. Publishing is fire-and-forget: callers may retry
// on a transport error and tolerate the resulting duplicates, because the
// worker's atomic claim suppresses them downstream.
package producer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/leaflab/leaflab/internal/broker"
	"github.com/leaflab/leaflab/internal/domain"
	"github.com/leaflab/leaflab/internal/store"
)

// Dispatcher publishes jobs to their logical queues.
type Dispatcher struct {
	store       store.JobStore
	broker      broker.Broker
	routes      *Routes
	maxFailures int
	logger      *slog.Logger
}

// NewDispatcher creates a dispatcher with injected collaborators.
func NewDispatcher(jobs store.JobStore, b broker.Broker, routes *Routes, maxFailures int, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:       jobs,
		broker:      b,
		routes:      routes,
		maxFailures: maxFailures,
		logger:      logger,
	}
}

// Routes exposes the routing table to collaborating components.
func (d *Dispatcher) Routes() *Routes {
	return d.routes
}

// Enqueue publishes a job-requested message for the given job snapshot and
// returns the broker-assigned message id.
func (d *Dispatcher) Enqueue(ctx context.Context, job *domain.Job) (string, error) {
	queue, err := d.routes.Resolve(job.Params.Method)
	if err != nil {
		return "", err
	}

	env := domain.NewEnvelope(job, queue, uuid.New().String())
	body, err := env.Encode()
	if err != nil {
		return "", err
	}

	messageID, err := d.broker.Send(ctx, queue, body)
	if err != nil {
		return "", fmt.Errorf("failed to publish job %s: %w", job.ID, err)
	}

	d.logger.Info("Job enqueued",
		slog.String("job_id", job.ID),
		slog.String("queue", queue),
		slog.String("message_id", messageID),
		slog.String("correlation_id", env.CorrelationID),
	)
	return messageID, nil
}

// Start resets a job for a fresh attempt and publishes its message. The reset
// preserves failure_count: operator-triggered retries share the worker retry
// budget, and only an administrative requeue clears it.
func (d *Dispatcher) Start(ctx context.Context, jobID string) (*domain.Job, string, error) {
	job, err := d.store.ResetForStart(ctx, jobID, d.maxFailures)
	if err != nil {
		return nil, "", err
	}

	messageID, err := d.Enqueue(ctx, job)
	if err != nil {
		return nil, "", err
	}
	return job, messageID, nil
}
