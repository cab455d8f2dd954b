// Package store persists jobs and results. It is the single arbitration
// point for the job lifecycle: every transition is an atomic conditional
// update, so concurrent deliveries of the same job race safely.
package store

import (
	"context"
	"time"

	"github.com/leaflab/leaflab/internal/domain"
)

// JobFilter selects jobs for listing.
type JobFilter struct {
	Owner    string
	Status   string
	PageSize int
	Cursor   *Cursor
}

// Cursor is a keyset pagination position (created_at DESC, job_id DESC).
type Cursor struct {
	CreatedAt time.Time
	JobID     string
}

// JobStore is the job lifecycle contract.
//
// ResetForStart, Claim, MarkSucceeded, MarkFailed, ResetForRequeue and
// Discard are the only writers; read paths never mutate. Claim returns
// domain.ErrStaleClaim when the job is not in a retryable state, which is how
// duplicate message deliveries are suppressed.
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error)

	// DeleteJob removes a job. Running jobs cannot be deleted.
	DeleteJob(ctx context.Context, jobID string) error

	// ResetForStart prepares a job for (re)publication: {queued,error} stay
	// queued with transient fields cleared. failure_count is preserved; a job
	// that is dead-lettered or has no failure budget left is rejected with
	// domain.ErrJobBlocked.
	ResetForStart(ctx context.Context, jobID string, maxFailures int) (*domain.Job, error)

	// Claim atomically moves {queued,error} to running.
	Claim(ctx context.Context, jobID string) (*domain.Job, error)

	// MarkSucceeded creates the result and finalizes the job as done with
	// cleared failure bookkeeping, in one transaction retried once on a
	// transient write conflict.
	MarkSucceeded(ctx context.Context, jobID string, result *domain.Result) (*domain.Result, error)

	// MarkFailed increments failure_count, records the truncated reason and
	// moves the job to error, or to error_dlq once the budget is exhausted.
	// It returns the new status and failure count.
	MarkFailed(ctx context.Context, jobID, reason string, maxFailures int) (string, int, error)

	// ResetForRequeue is the administrative reset: any non-running state back
	// to queued with failure_count zeroed.
	ResetForRequeue(ctx context.Context, jobID string) (*domain.Job, error)

	// Discard permanently blocks a non-running job as error_dlq.
	Discard(ctx context.Context, jobID string) (*domain.Job, error)

	GetResult(ctx context.Context, resultID string) (*domain.Result, error)
}
