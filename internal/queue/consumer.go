package queue

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Delivery is one received cost event plus its delivery bookkeeping. Event is
// nil when the body could not be decoded; such deliveries count against
// MaxDeliveries like any other failure.
type Delivery struct {
	ID       string
	Attempts int64
	Event    *CostEvent
}

// HandlerFunc processes one batch and returns the IDs of the deliveries that
// failed. Everything not in the returned list is acknowledged.
type HandlerFunc func(ctx context.Context, batch []Delivery) []string

type ConsumerConfig struct {
	Stream        string
	Group         string
	Consumer      string
	BatchSize     int
	MinIdle       time.Duration // idle time before a pending delivery is reclaimed
	MaxDeliveries int64         // attempts before a delivery is dropped
	Block         time.Duration
}

// Consumer reads cost events from a Redis Stream consumer group. Unacked
// deliveries are reclaimed after MinIdle, giving at-least-once delivery with
// per-item acknowledgement.
type Consumer struct {
	rdb    *redis.Client
	cfg    ConsumerConfig
	logger *zap.Logger
}

func NewConsumer(rdb *redis.Client, cfg ConsumerConfig, logger *zap.Logger) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	return &Consumer{
		rdb:    rdb,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "queue"), zap.String("group", cfg.Group)),
	}
}

// EnsureGroup creates the consumer group, tolerating a pre-existing one.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// ReceiveBatch returns up to BatchSize deliveries: reclaimed stalled
// deliveries first, then new entries. An empty slice means the block timed out.
func (c *Consumer) ReceiveBatch(ctx context.Context) ([]Delivery, error) {
	msgs, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		MinIdle:  c.cfg.MinIdle,
		Start:    "0-0",
		Count:    int64(c.cfg.BatchSize),
	}).Result()
	if err != nil && err != redis.Nil {
		c.logger.Warn("autoclaim failed", zap.Error(err))
		msgs = nil
	}

	if len(msgs) < c.cfg.BatchSize {
		streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			Streams:  []string{c.cfg.Stream, ">"},
			Count:    int64(c.cfg.BatchSize - len(msgs)),
			Block:    c.cfg.Block,
		}).Result()
		if err != nil && err != redis.Nil {
			if len(msgs) == 0 {
				return nil, err
			}
			c.logger.Warn("read group failed, processing claimed deliveries only", zap.Error(err))
		}
		for _, s := range streams {
			msgs = append(msgs, s.Messages...)
		}
	}

	if len(msgs) == 0 {
		return nil, nil
	}

	attempts := c.pendingAttempts(ctx)

	deliveries := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		d := Delivery{ID: m.ID, Attempts: attempts[m.ID]}
		if d.Attempts == 0 {
			d.Attempts = 1
		}
		if body, ok := m.Values["body"].(string); ok {
			var ev CostEvent
			if err := json.Unmarshal([]byte(body), &ev); err != nil {
				c.logger.Error("malformed cost event", zap.String("message_id", m.ID), zap.Error(err))
			} else {
				d.Event = &ev
			}
		}
		deliveries = append(deliveries, d)
	}

	return deliveries, nil
}

func (c *Consumer) pendingAttempts(ctx context.Context) map[string]int64 {
	pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.cfg.Stream,
		Group:  c.cfg.Group,
		Start:  "-",
		End:    "+",
		Count:  int64(c.cfg.BatchSize) * 4,
	}).Result()
	if err != nil {
		return nil
	}

	attempts := make(map[string]int64, len(pending))
	for _, p := range pending {
		attempts[p.ID] = p.RetryCount
	}
	return attempts
}

// Ack acknowledges processed deliveries so they are never redelivered.
func (c *Consumer) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.rdb.XAck(ctx, c.cfg.Stream, c.cfg.Group, ids...).Err()
}

// Run receives batches and dispatches them until ctx is canceled. Failed
// deliveries stay pending for reclaim; a delivery that exhausts MaxDeliveries
// is acked and dropped instead of being redelivered forever.
func (c *Consumer) Run(ctx context.Context, handle HandlerFunc) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch, err := c.ReceiveBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("receive failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if len(batch) == 0 {
			continue
		}

		failed := handle(ctx, batch)

		failedSet := make(map[string]struct{}, len(failed))
		for _, id := range failed {
			failedSet[id] = struct{}{}
		}

		var ack []string
		for _, d := range batch {
			if _, isFailed := failedSet[d.ID]; !isFailed {
				ack = append(ack, d.ID)
				continue
			}
			if d.Attempts >= c.cfg.MaxDeliveries {
				c.logger.Error("delivery exhausted retries, dropping",
					zap.String("message_id", d.ID),
					zap.Int64("attempts", d.Attempts))
				ack = append(ack, d.ID)
			}
		}

		if err := c.Ack(ctx, ack...); err != nil {
			c.logger.Error("ack failed", zap.Error(err))
		}
	}
}
