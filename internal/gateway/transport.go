package gateway

import (
	"context"

	"github.com/vnmchuo/llm-meter/internal/queue"
	"github.com/vnmchuo/llm-meter/internal/settlement"
	"go.uber.org/zap"
)

// SettlementTransport dispatches a cost event for settlement. The gateway is
// parameterized over it so direct and metered mode share one request path.
type SettlementTransport interface {
	Dispatch(ctx context.Context, event *queue.CostEvent) error
}

// InlineTransport settles synchronously through the settlement processor.
// Used in direct mode, where settlement is telemetry rather than enforcement.
type InlineTransport struct {
	processor *settlement.Processor
}

func NewInlineTransport(processor *settlement.Processor) *InlineTransport {
	return &InlineTransport{processor: processor}
}

func (t *InlineTransport) Dispatch(ctx context.Context, event *queue.CostEvent) error {
	return t.processor.SettleEvent(ctx, event)
}

// QueueTransport publishes to the durable delivery channel; the settlement
// worker applies the event asynchronously. A disabled transport (cost
// tracking switched off) drops events silently.
type QueueTransport struct {
	publisher *queue.Publisher
	enabled   bool
	logger    *zap.Logger
}

func NewQueueTransport(publisher *queue.Publisher, enabled bool, logger *zap.Logger) *QueueTransport {
	return &QueueTransport{
		publisher: publisher,
		enabled:   enabled,
		logger:    logger.With(zap.String("component", "gateway")),
	}
}

func (t *QueueTransport) Dispatch(ctx context.Context, event *queue.CostEvent) error {
	if !t.enabled {
		t.logger.Info("cost tracking disabled, skipping publish",
			zap.String("tenant_id", event.TenantID))
		return nil
	}
	_, err := t.publisher.Publish(ctx, event)
	return err
}

var _ SettlementTransport = (*InlineTransport)(nil)
var _ SettlementTransport = (*QueueTransport)(nil)
