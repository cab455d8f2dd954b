package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/leaflab/leaflab/internal/domain"
)

const jobColumns = `job_id, owner, file_key, params, status, result_id, failure_count, failure_reason, created_at, started_at, finished_at`

// Postgres implements JobStore on PostgreSQL via sqlx.
type Postgres struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgres creates a Postgres job store.
func NewPostgres(db *sqlx.DB, logger *slog.Logger) *Postgres {
	return &Postgres{db: db, logger: logger}
}

func (s *Postgres) CreateJob(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (job_id, owner, file_key, params, status, failure_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.Owner,
		job.FileKey,
		job.Params,
		job.Status,
		job.FailureCount,
		job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *Postgres) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	if err := s.db.GetContext(ctx, &job, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *Postgres) ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Owner != "" {
		query += fmt.Sprintf(" AND owner = $%d", argIdx)
		args = append(args, filter.Owner)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"

	// Fetch one extra to determine if there are more results
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

func (s *Postgres) DeleteJob(ctx context.Context, jobID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE job_id = $1 AND status <> $2`,
		jobID, domain.JobStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return s.explainMiss(ctx, jobID)
	}
	return nil
}

func (s *Postgres) ResetForStart(ctx context.Context, jobID string, maxFailures int) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    started_at = NULL,
		    finished_at = NULL,
		    result_id = NULL,
		    failure_reason = NULL
		WHERE job_id = $2
		  AND status IN ($3, $4)
		  AND failure_count < $5
		RETURNING ` + jobColumns

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query,
		domain.JobStatusQueued, jobID,
		domain.JobStatusQueued, domain.JobStatusError,
		maxFailures,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.startConflict(ctx, jobID, maxFailures)
		}
		return nil, fmt.Errorf("failed to reset job for start: %w", err)
	}
	return &job, nil
}

func (s *Postgres) startConflict(ctx context.Context, jobID string, maxFailures int) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	switch {
	case job.Status == domain.JobStatusErrorDLQ || job.FailureCount >= maxFailures:
		return domain.ErrJobBlocked
	case job.Status == domain.JobStatusRunning:
		return domain.ErrJobRunning
	default:
		return domain.ErrConflict
	}
}

func (s *Postgres) Claim(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    started_at = NOW()
		WHERE job_id = $2
		  AND status IN ($3, $4)
		RETURNING ` + jobColumns

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query,
		domain.JobStatusRunning, jobID,
		domain.JobStatusQueued, domain.JobStatusError,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := s.GetJob(ctx, jobID); getErr != nil {
				return nil, getErr
			}
			s.logger.Warn("Claim rejected, job not in a retryable state",
				slog.String("job_id", jobID),
			)
			return nil, domain.ErrStaleClaim
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	s.logger.Info("Job claimed",
		slog.String("job_id", jobID),
	)
	return &job, nil
}

func (s *Postgres) MarkSucceeded(ctx context.Context, jobID string, result *domain.Result) (*domain.Result, error) {
	res, err := s.finalizeSuccess(ctx, jobID, result)
	if err != nil && errors.Is(err, domain.ErrWriteConflict) {
		// One immediate retry on a transient write conflict.
		s.logger.Warn("Write-back conflicted, retrying once",
			slog.String("job_id", jobID),
		)
		res, err = s.finalizeSuccess(ctx, jobID, result)
	}
	return res, err
}

func (s *Postgres) finalizeSuccess(ctx context.Context, jobID string, result *domain.Result) (*domain.Result, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stored := *result
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO results (result_id, summary, preview_key, preview_mime, preview_size, preview_checksum, logs, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`,
		stored.ID, stored.Summary, stored.PreviewKey, stored.PreviewMime,
		stored.PreviewSize, stored.PreviewChecksum, stored.Logs,
	)
	if err != nil {
		return nil, classifyWriteError("failed to insert result", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1,
		    result_id = $2,
		    finished_at = NOW(),
		    failure_count = 0,
		    failure_reason = NULL
		WHERE job_id = $3
	`, domain.JobStatusDone, stored.ID, jobID)
	if err != nil {
		return nil, classifyWriteError("failed to finalize job", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, classifyWriteError("failed to commit write-back", err)
	}

	s.logger.Info("Job finalized as done",
		slog.String("job_id", jobID),
		slog.String("result_id", stored.ID),
	)
	return &stored, nil
}

func (s *Postgres) MarkFailed(ctx context.Context, jobID, reason string, maxFailures int) (string, int, error) {
	query := `
		UPDATE jobs
		SET failure_count = failure_count + 1,
		    failure_reason = $1,
		    finished_at = NOW(),
		    status = CASE WHEN failure_count + 1 >= $2 THEN $3 ELSE $4 END
		WHERE job_id = $5
		RETURNING status, failure_count
	`

	var row struct {
		Status       string `db:"status"`
		FailureCount int    `db:"failure_count"`
	}
	err := s.db.GetContext(ctx, &row, query,
		domain.TruncateReason(reason), maxFailures,
		domain.JobStatusErrorDLQ, domain.JobStatusError,
		jobID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", 0, domain.ErrJobNotFound
		}
		return "", 0, fmt.Errorf("failed to mark job as failed: %w", err)
	}

	s.logger.Info("Job failure recorded",
		slog.String("job_id", jobID),
		slog.String("status", row.Status),
		slog.Int("failure_count", row.FailureCount),
	)
	return row.Status, row.FailureCount, nil
}

func (s *Postgres) ResetForRequeue(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    started_at = NULL,
		    finished_at = NULL,
		    result_id = NULL,
		    failure_count = 0,
		    failure_reason = NULL
		WHERE job_id = $2
		  AND status <> $3
		RETURNING ` + jobColumns

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query,
		domain.JobStatusQueued, jobID, domain.JobStatusRunning,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.explainMiss(ctx, jobID)
		}
		return nil, fmt.Errorf("failed to reset job for requeue: %w", err)
	}
	return &job, nil
}

func (s *Postgres) Discard(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    finished_at = COALESCE(finished_at, started_at),
		    failure_reason = COALESCE(failure_reason, $2)
		WHERE job_id = $3
		  AND status <> $4
		RETURNING ` + jobColumns

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query,
		domain.JobStatusErrorDLQ, domain.DiscardedReason,
		jobID, domain.JobStatusRunning,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.explainMiss(ctx, jobID)
		}
		return nil, fmt.Errorf("failed to discard job: %w", err)
	}
	return &job, nil
}

func (s *Postgres) GetResult(ctx context.Context, resultID string) (*domain.Result, error) {
	var result domain.Result
	query := `
		SELECT result_id, summary, preview_key, preview_mime, preview_size, preview_checksum, logs, created_at
		FROM results
		WHERE result_id = $1
	`

	if err := s.db.GetContext(ctx, &result, query, resultID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrResultNotFound
		}
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	return &result, nil
}

// explainMiss distinguishes a missing job from one that is running.
func (s *Postgres) explainMiss(ctx context.Context, jobID string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == domain.JobStatusRunning {
		return domain.ErrJobRunning
	}
	return domain.ErrConflict
}

// classifyWriteError maps serialization failures and deadlocks to the
// transient conflict sentinel so the caller retries once.
func classifyWriteError(msg string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case "40001", "40P01":
			return fmt.Errorf("%s: %w", msg, domain.ErrWriteConflict)
		}
	}
	return fmt.Errorf("%s: %w", msg, err)
}
