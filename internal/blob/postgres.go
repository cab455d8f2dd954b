package blob

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// Postgres stores blobs as bytea rows. An optional HeadCache serves repeated
// Head lookups and is invalidated on Put.
type Postgres struct {
	db     *sqlx.DB
	cache  *HeadCache
	logger *slog.Logger
}

// NewPostgres creates a Postgres blob store. cache may be nil.
func NewPostgres(db *sqlx.DB, cache *HeadCache, logger *slog.Logger) *Postgres {
	return &Postgres{db: db, cache: cache, logger: logger}
}

// EnsureSchema creates the blobs table when it does not exist yet.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS blobs (
			blob_key     TEXT PRIMARY KEY,
			content      BYTEA NOT NULL,
			content_type TEXT NOT NULL DEFAULT 'application/octet-stream',
			size_bytes   BIGINT NOT NULL,
			checksum     TEXT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure blob schema: %w", err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	var content []byte
	err := s.db.GetContext(ctx, &content, `SELECT content FROM blobs WHERE blob_key = $1`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get blob: %w", err)
	}
	return content, nil
}

func (s *Postgres) Put(ctx context.Context, key string, data []byte, contentType string) error {
	sum := md5.Sum(data)
	checksum := hex.EncodeToString(sum[:])

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (blob_key, content, content_type, size_bytes, checksum)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (blob_key) DO UPDATE
		SET content = EXCLUDED.content,
		    content_type = EXCLUDED.content_type,
		    size_bytes = EXCLUDED.size_bytes,
		    checksum = EXCLUDED.checksum
	`, key, data, contentType, int64(len(data)), checksum)
	if err != nil {
		return fmt.Errorf("failed to put blob: %w", err)
	}

	// The cached head is stale after a write.
	if s.cache != nil {
		s.cache.Invalidate(ctx, key)
	}

	s.logger.Debug("Blob stored",
		slog.String("key", key),
		slog.Int("size", len(data)),
		slog.String("content_type", contentType),
	)
	return nil
}

func (s *Postgres) Head(ctx context.Context, key string) (*Meta, error) {
	if s.cache != nil {
		if meta := s.cache.Get(ctx, key); meta != nil {
			return meta, nil
		}
	}

	var row struct {
		Size        int64  `db:"size_bytes"`
		ContentType string `db:"content_type"`
		Checksum    string `db:"checksum"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT size_bytes, content_type, checksum FROM blobs WHERE blob_key = $1`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to head blob: %w", err)
	}

	meta := &Meta{Size: row.Size, ContentType: row.ContentType, Checksum: row.Checksum}
	if s.cache != nil {
		s.cache.Set(ctx, key, meta)
	}
	return meta, nil
}
