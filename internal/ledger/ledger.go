// Package ledger tracks per-tenant budget balances.
//
// Admission reads a cached snapshot and never mutates state; Settle is the
// only mutator and serializes concurrent settlements at the store via a
// conditioned decrement of the tenant aggregate row.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vnmchuo/llm-meter/internal/cache"
	"github.com/vnmchuo/llm-meter/internal/pricing"
	"go.uber.org/zap"
)

// snapshotTTL is short because the balance changes on every settlement; the
// snapshot only feeds advisory admission estimates.
const snapshotTTL = 5 * time.Minute

func snapshotKey(tenantID string) string {
	return fmt.Sprintf("tenant_budget:%s", tenantID)
}

type Ledger struct {
	store  Store
	cache  *cache.Client
	logger *zap.Logger
}

func New(store Store, cacheClient *cache.Client, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:  store,
		cache:  cacheClient,
		logger: logger.With(zap.String("component", "ledger")),
	}
}

// CheckBudget reports whether the tenant's balance covers the estimated cost.
// It is a pure read over an eventually-consistent snapshot. A tenant without a
// budget record is unmetered, and an infra failure allows the call: admission
// fails open so billing infrastructure cannot take the request path down.
func (l *Ledger) CheckBudget(ctx context.Context, tenantID string, estimatedCost decimal.Decimal) bool {
	var snap Snapshot
	if !l.cache.Get(ctx, snapshotKey(tenantID), &snap) {
		record, err := l.store.GetRecord(ctx, tenantID, AggregateModelID)
		if err != nil {
			if errors.Is(err, ErrBudgetNotFound) {
				l.logger.Info("no budget record, allowing call", zap.String("tenant_id", tenantID))
				return true
			}
			l.logger.Error("budget check failed, allowing call",
				zap.String("tenant_id", tenantID), zap.Error(err))
			return true
		}

		snap = Snapshot{
			Balance:        record.Balance,
			TotalBudget:    record.TotalBudget,
			AlertThreshold: record.AlertThreshold,
		}
		l.cache.Set(ctx, snapshotKey(tenantID), snap, snapshotTTL)
	}

	if snap.Balance.LessThan(estimatedCost) {
		l.logger.Warn("insufficient budget",
			zap.String("tenant_id", tenantID),
			zap.String("balance", snap.Balance.String()),
			zap.String("estimated_cost", estimatedCost.String()))
		return false
	}

	if snap.TotalBudget.IsPositive() {
		remaining := snap.Balance.Div(snap.TotalBudget)
		if remaining.LessThan(decimal.NewFromInt(1).Sub(snap.AlertThreshold)) {
			l.logger.Warn("budget running low",
				zap.String("tenant_id", tenantID),
				zap.String("remaining_ratio", remaining.String()))
		}
	}

	return true
}

// Settle applies one invocation's cost: a conditioned decrement of the tenant
// aggregate plus an unconditioned per-model breakdown update. The two writes
// are independent; a reader may observe one without the other. A failed
// per-model write is logged, not surfaced, because model-level balances are
// informational only.
func (l *Ledger) Settle(ctx context.Context, tenantID, modelID string, usage pricing.Usage, cost decimal.Decimal) error {
	if err := l.store.ApplyAggregate(ctx, tenantID, cost, usage); err != nil {
		return err
	}

	if err := l.store.ApplyModel(ctx, tenantID, modelID, cost, usage); err != nil {
		l.logger.Error("per-model breakdown update failed",
			zap.String("tenant_id", tenantID),
			zap.String("model_id", modelID),
			zap.Error(err))
	}

	// Drop the stale snapshot so the next admission check sees the new balance.
	l.cache.Invalidate(ctx, snapshotKey(tenantID))

	l.logger.Info("budget settled",
		zap.String("tenant_id", tenantID),
		zap.String("model_id", modelID),
		zap.String("cost", cost.String()),
		zap.Int64("cache_read_tokens", usage.CacheReadTokens),
		zap.Int64("cache_write_tokens", usage.CacheWriteTokens))

	return nil
}

// Aggregate returns the tenant's aggregate budget row.
func (l *Ledger) Aggregate(ctx context.Context, tenantID string) (*BudgetRecord, error) {
	return l.store.GetRecord(ctx, tenantID, AggregateModelID)
}

// RecordAlert persists alert throttle state on the aggregate row.
func (l *Ledger) RecordAlert(ctx context.Context, tenantID string, at time.Time, utilization decimal.Decimal) error {
	return l.store.RecordAlert(ctx, tenantID, at, utilization)
}

// UsageSummary aggregates every budget row for a tenant into one report: the
// ALL row supplies the totals, the rest form the per-model breakdown.
func (l *Ledger) UsageSummary(ctx context.Context, tenantID string) (*Summary, error) {
	records, err := l.store.QueryTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		TenantID:       tenantID,
		ModelBreakdown: make(map[string]ModelUsage),
	}

	for _, r := range records {
		if r.ModelID == AggregateModelID {
			summary.TotalCost = r.TotalBudget.Sub(r.Balance)
			summary.TotalTokens = r.TotalInputTokens + r.TotalOutputTokens
			summary.TotalInvocations = r.TotalInvocations
			summary.LastUpdated = r.LastUpdated
			continue
		}
		summary.ModelBreakdown[r.ModelID] = ModelUsage{
			Cost:         r.TotalBudget.Sub(r.Balance),
			InputTokens:  r.TotalInputTokens,
			OutputTokens: r.TotalOutputTokens,
			Invocations:  r.TotalInvocations,
		}
	}

	return summary, nil
}
