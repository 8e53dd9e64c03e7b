// Package cache implements the cache-aside read path over Redis.
//
// Callers check the cache first, fall back to the durable store on a miss, and
// write the result back with a TTL. A Redis failure is never fatal: every
// operation degrades to log-and-continue so the durable store remains the
// source of truth.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// opTimeout bounds every Redis round trip so a slow cache cannot stall the
// admission path.
const opTimeout = 1 * time.Second

type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewClient(rdb *redis.Client, logger *zap.Logger) *Client {
	return &Client{
		rdb:    rdb,
		logger: logger.With(zap.String("component", "cache")),
	}
}

// Get loads the JSON value stored under key into dest. It returns true only on
// a hit; misses and cache failures both return false so the caller falls
// through to the durable store.
func (c *Client) Get(ctx context.Context, key string, dest any) bool {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		c.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		return false
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		c.logger.Warn("cache entry corrupt, treating as miss", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Set writes value under key with the given TTL. Failures are logged and
// swallowed; the next read will simply miss.
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache set skipped, marshal failed", zap.String("key", key), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		c.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// Invalidate removes the given keys.
func (c *Client) Invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("cache invalidate failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

// InvalidatePattern removes every key matching a glob pattern, e.g.
// "tenant_config:*". Scans incrementally to avoid blocking Redis.
func (c *Client) InvalidatePattern(ctx context.Context, pattern string) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var cursor uint64
	var removed int
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			c.logger.Warn("cache pattern scan failed", zap.String("pattern", pattern), zap.Error(err))
			return
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				c.logger.Warn("cache pattern delete failed", zap.String("pattern", pattern), zap.Error(err))
				return
			}
			removed += len(keys)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	if removed > 0 {
		c.logger.Info("cache keys invalidated", zap.String("pattern", pattern), zap.Int("count", removed))
	}
}
