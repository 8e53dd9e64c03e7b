// Package metrics emits structured metric lines for an external aggregator.
// Emission is a side-effecting write; nothing in this module reads metrics
// back.
package metrics

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const namespace = "LLMCostManagement"

// Invocation is the per-settlement metric record.
type Invocation struct {
	TenantID         string
	ApplicationID    string
	ModelID          string
	SessionID        string
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	Cost             decimal.Decimal
}

type Emitter interface {
	EmitInvocation(m Invocation)
}

// ZapEmitter writes one structured log line per settled invocation, including
// the derived ratios the dashboards aggregate on.
type ZapEmitter struct {
	logger *zap.Logger
}

func NewZapEmitter(logger *zap.Logger) *ZapEmitter {
	return &ZapEmitter{logger: logger.With(zap.String("namespace", namespace))}
}

func (e *ZapEmitter) EmitInvocation(m Invocation) {
	totalTokens := m.InputTokens + m.OutputTokens

	costPerToken := decimal.Zero
	if totalTokens > 0 {
		costPerToken = m.Cost.Div(decimal.NewFromInt(totalTokens))
	}

	outputRatio := decimal.Zero
	cacheHitRatio := decimal.Zero
	cacheEfficiency := decimal.Zero
	if m.InputTokens > 0 {
		in := decimal.NewFromInt(m.InputTokens)
		outputRatio = decimal.NewFromInt(m.OutputTokens).Div(in)
		cacheHitRatio = decimal.NewFromInt(m.CacheReadTokens).Div(in)
		cacheEfficiency = decimal.NewFromInt(m.CacheReadTokens + m.CacheWriteTokens).Div(in)
	}

	fields := []zap.Field{
		zap.String("tenant_id", m.TenantID),
		zap.String("application_id", m.ApplicationID),
		zap.String("model_id", m.ModelID),
		zap.String("detailed_cost", m.Cost.StringFixed(6)),
		zap.Int64("input_tokens", m.InputTokens),
		zap.Int64("output_tokens", m.OutputTokens),
		zap.Int64("total_tokens", totalTokens),
		zap.Int64("cache_read_tokens", m.CacheReadTokens),
		zap.Int64("cache_write_tokens", m.CacheWriteTokens),
		zap.String("cost_per_token", costPerToken.StringFixed(8)),
		zap.String("output_ratio", outputRatio.StringFixed(3)),
		zap.String("cache_hit_ratio", cacheHitRatio.Mul(decimal.NewFromInt(100)).StringFixed(2)),
		zap.String("cache_efficiency", cacheEfficiency.Mul(decimal.NewFromInt(100)).StringFixed(2)),
	}
	if m.SessionID != "" {
		fields = append(fields, zap.String("session_id", m.SessionID))
	}

	e.logger.Info("invocation_metrics", fields...)
}

var _ Emitter = (*ZapEmitter)(nil)
