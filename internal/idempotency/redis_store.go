package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// AsyncTTL covers the settlement consumer's redelivery window: the queue may
// hand the same event to another worker after a processing timeout, so the
// token only needs to outlive that window.
const AsyncTTL = 5 * time.Minute

// RedisGuard is the short-lived guard for at-least-once queue consumers.
type RedisGuard struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisGuard(rdb *redis.Client) *RedisGuard {
	return &RedisGuard{rdb: rdb, ttl: AsyncTTL}
}

func key(token, scope string) string {
	if scope == "" {
		return fmt.Sprintf("settle_dedup:%s", token)
	}
	return fmt.Sprintf("settle_dedup:%s:%s", scope, token)
}

func (g *RedisGuard) CheckProcessed(ctx context.Context, token, scope string) (json.RawMessage, bool, error) {
	raw, err := g.rdb.Get(ctx, key(token, scope)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to check async idempotency token: %w", err)
	}
	return raw, true, nil
}

func (g *RedisGuard) StoreResult(ctx context.Context, token, scope string, result json.RawMessage) error {
	if result == nil {
		result = json.RawMessage(`{}`)
	}

	// SET NX matches the conditioned-on-absence write of the durable guard: the
	// first writer wins, later duplicates are no-ops.
	err := g.rdb.SetNX(ctx, key(token, scope), []byte(result), g.ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to store async idempotency token: %w", err)
	}
	return nil
}

var _ Guard = (*RedisGuard)(nil)
var _ Guard = (*PostgresGuard)(nil)
