// Package kvcache wraps the optional Redis cache shared with the rest of
// the platform. When Redis is disabled every operation is a no-op, so
// callers never need to branch on availability.
package kvcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/finbase/marketsync/internal/config"
)

// Well-known key prefixes. Other platform services read these, so the
// formats must stay stable.
const (
	portfolioKeyPrefix   = "portfolio:"
	tickerKeyPrefix      = "ticker:"
	performanceKeyPrefix = "performance:"
)

// Cache is the process-external key-value cache.
type Cache struct {
	client *redis.Client
	logger zerolog.Logger
}

// New creates a cache from config. A disabled config returns a cache whose
// operations all succeed without doing anything.
func New(cfg config.RedisConfig, logger zerolog.Logger) *Cache {
	c := &Cache{logger: logger.With().Str("component", "kvcache").Logger()}
	if !cfg.Enabled {
		return c
	}
	c.client = redis.NewClient(&redis.Options{
		Addr:     cfg.Host + ":" + cfg.Port,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return c
}

// Enabled reports whether a Redis client is configured.
func (c *Cache) Enabled() bool { return c.client != nil }

// Get returns the cached string value, or ("", false) on miss or when
// disabled.
func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	if c.client == nil {
		return "", false
	}
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Str("key", key).Msg("cache get failed")
		}
		return "", false
	}
	return val, true
}

// Set stores a string value with a TTL. Failures are logged, never fatal.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if c.client == nil {
		return
	}
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache set failed")
	}
}

// Delete removes keys. Failures are logged, never fatal.
func (c *Cache) Delete(ctx context.Context, keys ...string) {
	if c.client == nil || len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn().Err(err).Int("keys", len(keys)).Msg("cache delete failed")
	}
}

// DeletePattern removes every key matching a glob pattern.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) {
	if c.client == nil {
		return
	}
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn().Err(err).Str("pattern", pattern).Msg("cache scan failed")
		return
	}
	c.Delete(ctx, keys...)
}

// InvalidatePortfolios drops all cached portfolio aggregates and
// performance answers.
func (c *Cache) InvalidatePortfolios(ctx context.Context) {
	c.DeletePattern(ctx, portfolioKeyPrefix+"*")
	c.DeletePattern(ctx, performanceKeyPrefix+"*")
}

// InvalidateTickers drops the per-ticker cache entries for the given
// tickers.
func (c *Cache) InvalidateTickers(ctx context.Context, tickers []string) {
	if len(tickers) == 0 {
		return
	}
	keys := make([]string, len(tickers))
	for i, t := range tickers {
		keys[i] = tickerKeyPrefix + t
	}
	c.Delete(ctx, keys...)
}

// PerformanceKey builds the cache key for a performance query.
func PerformanceKey(userID, period string) string {
	return fmt.Sprintf("%s%s:%s", performanceKeyPrefix, userID, period)
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
