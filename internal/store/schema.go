package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// EnsureSchema creates the job and result tables when they do not exist yet.
// Both services call it at startup, so the statements must stay idempotent.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS results (
			result_id        UUID PRIMARY KEY,
			summary          JSONB NOT NULL DEFAULT '{}'::jsonb,
			preview_key      TEXT NOT NULL DEFAULT '',
			preview_mime     TEXT NOT NULL DEFAULT 'image/png',
			preview_size     BIGINT NOT NULL DEFAULT 0,
			preview_checksum TEXT NOT NULL DEFAULT '',
			logs             TEXT NOT NULL DEFAULT '',
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id         UUID PRIMARY KEY,
			owner          TEXT NOT NULL,
			file_key       TEXT NOT NULL,
			params         JSONB NOT NULL DEFAULT '{}'::jsonb,
			status         TEXT NOT NULL DEFAULT 'queued',
			result_id      UUID REFERENCES results(result_id),
			failure_count  INTEGER NOT NULL DEFAULT 0,
			failure_reason TEXT,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at     TIMESTAMPTZ,
			finished_at    TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs (owner)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs (created_at DESC, job_id DESC)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}
