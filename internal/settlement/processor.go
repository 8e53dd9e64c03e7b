// Package settlement consumes queued cost events and applies them to the
// ledger exactly once. Items in a batch are isolated from each other: one
// failure never poisons the rest, and only failed item IDs are reported back
// for redelivery.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vnmchuo/llm-meter/internal/alerting"
	"github.com/vnmchuo/llm-meter/internal/idempotency"
	"github.com/vnmchuo/llm-meter/internal/ledger"
	"github.com/vnmchuo/llm-meter/internal/metrics"
	"github.com/vnmchuo/llm-meter/internal/pricing"
	"github.com/vnmchuo/llm-meter/internal/queue"
	"github.com/vnmchuo/llm-meter/internal/session"
	"go.uber.org/zap"
)

var (
	errMalformedEvent = errors.New("malformed cost event")
	errMissingFields  = errors.New("cost event missing required fields")
)

type Processor struct {
	guard    idempotency.Guard // short-lived async guard
	ledger   *ledger.Ledger
	sessions session.Store
	emitter  metrics.Emitter
	alerts   *alerting.Throttler
	logger   *zap.Logger
}

func NewProcessor(
	guard idempotency.Guard,
	l *ledger.Ledger,
	sessions session.Store,
	emitter metrics.Emitter,
	alerts *alerting.Throttler,
	logger *zap.Logger,
) *Processor {
	return &Processor{
		guard:    guard,
		ledger:   l,
		sessions: sessions,
		emitter:  emitter,
		alerts:   alerts,
		logger:   logger.With(zap.String("component", "settlement")),
	}
}

// HandleBatch processes each delivery independently and returns the IDs of the
// ones that failed, so the delivery channel redelivers only those. If the
// handler itself falls over before iterating, every ID is reported failed:
// redelivery safety beats precision.
func (p *Processor) HandleBatch(ctx context.Context, batch []queue.Delivery) (failed []string) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("batch processing panicked", zap.Any("panic", r))
			failed = failed[:0]
			for _, d := range batch {
				failed = append(failed, d.ID)
			}
		}
	}()

	p.logger.Info("processing settlement batch", zap.Int("size", len(batch)))

	for _, d := range batch {
		if err := p.processOne(ctx, d); err != nil {
			p.logger.Error("failed to process cost event",
				zap.String("message_id", d.ID),
				zap.Int64("attempts", d.Attempts),
				zap.Error(err))
			failed = append(failed, d.ID)
		}
	}

	return failed
}

func (p *Processor) processOne(ctx context.Context, d queue.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing delivery %s: %v", d.ID, r)
		}
	}()

	if d.Event == nil {
		return errMalformedEvent
	}

	if err := p.SettleEvent(ctx, d.Event); err != nil {
		return err
	}

	p.logger.Info("cost event settled",
		zap.String("message_id", d.ID),
		zap.String("tenant_id", d.Event.TenantID),
		zap.String("model_id", d.Event.ModelID),
		zap.String("cost", d.Event.Cost.String()))

	return nil
}

// SettleEvent applies one cost event: dedup, validation, ledger settle,
// session record, metrics, alert evaluation, then the processed mark. The
// direct-mode gateway calls it inline; the batch path calls it per delivery.
func (p *Processor) SettleEvent(ctx context.Context, ev *queue.CostEvent) error {
	if ev.IdempotencyToken != "" {
		_, processed, checkErr := p.guard.CheckProcessed(ctx, ev.IdempotencyToken, "")
		if checkErr != nil {
			p.logger.Warn("idempotency check failed, proceeding",
				zap.String("token", ev.IdempotencyToken), zap.Error(checkErr))
		} else if processed {
			p.logger.Info("cost event already processed, skipping",
				zap.String("token", ev.IdempotencyToken))
			return nil
		}
	}

	if !ev.Valid() {
		return errMissingFields
	}

	usage := pricing.Usage{
		InputTokens:      ev.InputTokens,
		OutputTokens:     ev.OutputTokens,
		CacheReadTokens:  ev.CacheReadTokens,
		CacheWriteTokens: ev.CacheWriteTokens,
	}

	if err := p.ledger.Settle(ctx, ev.TenantID, ev.ModelID, usage, ev.Cost); err != nil {
		return err
	}

	if ev.SessionID != "" && ev.SessionData != nil {
		interaction := &session.Interaction{
			SessionID:        ev.SessionID,
			TenantID:         ev.TenantID,
			ApplicationID:    ev.ApplicationID,
			ModelID:          ev.ModelID,
			ConversationTurn: ev.SessionData.ConversationTurn,
			Prompt:           session.Truncate(ev.SessionData.Prompt, session.MaxPromptRunes),
			Response:         session.Truncate(ev.SessionData.Response, session.MaxResponseRunes),
			InputTokens:      ev.InputTokens,
			OutputTokens:     ev.OutputTokens,
			Cost:             ev.Cost,
			DurationMs:       ev.SessionData.DurationMs,
			Timestamp:        time.Unix(ev.Timestamp, 0),
		}
		if err := p.sessions.Record(ctx, interaction); err != nil {
			// Session records are telemetry; losing one must not trigger a
			// redelivery that would re-settle the ledger.
			p.logger.Error("failed to record session interaction",
				zap.String("session_id", ev.SessionID), zap.Error(err))
		}
	}

	p.emitter.EmitInvocation(metrics.Invocation{
		TenantID:         ev.TenantID,
		ApplicationID:    ev.ApplicationID,
		ModelID:          ev.ModelID,
		SessionID:        ev.SessionID,
		InputTokens:      ev.InputTokens,
		OutputTokens:     ev.OutputTokens,
		CacheReadTokens:  ev.CacheReadTokens,
		CacheWriteTokens: ev.CacheWriteTokens,
		Cost:             ev.Cost,
	})

	p.alerts.Evaluate(ctx, ev.TenantID)

	if ev.IdempotencyToken != "" {
		// Marked only after the ledger effect succeeded. If this write fails
		// the token stays unknown, but the event is still reported successful:
		// failing it here would force a redelivery that settles twice.
		if err := p.guard.StoreResult(ctx, ev.IdempotencyToken, "", nil); err != nil {
			p.logger.Error("failed to mark cost event processed",
				zap.String("token", ev.IdempotencyToken), zap.Error(err))
		}
	}

	return nil
}
