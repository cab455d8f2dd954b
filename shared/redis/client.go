package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Client wraps a go-redis client used for the blob head-metadata cache.
type Client struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewClient creates a Redis client and pings it once. A failed ping is not
// fatal: the cache is fail-open and callers degrade to uncached reads.
func NewClient(config *Config, logger *slog.Logger) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis ping failed, cache degraded",
			slog.String("addr", config.Addr),
			slog.Any("error", err),
		)
	} else {
		logger.Info("Connected to Redis",
			slog.String("addr", config.Addr),
		)
	}

	return &Client{rdb: rdb, logger: logger}
}

// Redis returns the underlying go-redis client
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	if c.rdb != nil {
		if err := c.rdb.Close(); err != nil {
			return fmt.Errorf("failed to close Redis connection: %w", err)
		}
	}
	return nil
}
