package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Publisher appends cost events to the delivery stream. The publish sits on
// the admission critical path: once it returns, settlement is durably queued
// and the caller may respond without waiting for it.
type Publisher struct {
	rdb    *redis.Client
	stream string
	logger *zap.Logger
}

func NewPublisher(rdb *redis.Client, stream string, logger *zap.Logger) *Publisher {
	return &Publisher{
		rdb:    rdb,
		stream: stream,
		logger: logger.With(zap.String("component", "queue")),
	}
}

func (p *Publisher) Publish(ctx context.Context, event *CostEvent) (string, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal cost event: %w", err)
	}

	id, err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{"body": body},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish cost event: %w", err)
	}

	p.logger.Info("cost event published",
		zap.String("tenant_id", event.TenantID),
		zap.String("message_id", id))

	return id, nil
}
