package blob

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const headKeyPrefix = "blob:head:"

// HeadCache caches Head metadata in Redis. All operations are fail-open:
// cache errors are logged and the caller falls back to the store.
type HeadCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewHeadCache creates a head-metadata cache with the given TTL.
func NewHeadCache(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *HeadCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &HeadCache{rdb: rdb, ttl: ttl, logger: logger}
}

// Get returns the cached metadata for key, or nil on miss or cache error.
func (c *HeadCache) Get(ctx context.Context, key string) *Meta {
	raw, err := c.rdb.Get(ctx, headKeyPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("Head cache read failed",
				slog.String("key", key),
				slog.Any("error", err),
			)
		}
		return nil
	}

	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		c.logger.Warn("Head cache entry corrupt, dropping",
			slog.String("key", key),
		)
		c.Invalidate(ctx, key)
		return nil
	}
	return &meta
}

// Set stores metadata for key.
func (c *HeadCache) Set(ctx context.Context, key string, meta *Meta) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, headKeyPrefix+key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("Head cache write failed",
			slog.String("key", key),
			slog.Any("error", err),
		)
	}
}

// Invalidate drops the cached metadata for key.
func (c *HeadCache) Invalidate(ctx context.Context, key string) {
	if err := c.rdb.Del(ctx, headKeyPrefix+key).Err(); err != nil {
		c.logger.Warn("Head cache invalidate failed",
			slog.String("key", key),
			slog.Any("error", err),
		)
	}
}
