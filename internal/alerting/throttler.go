// Package alerting decides when budget-utilization alerts fire. High-frequency
// settlement would otherwise turn one crossed threshold into a notification
// storm, so firing is throttled on last-alert time and utilization.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vnmchuo/llm-meter/internal/ledger"
	"go.uber.org/zap"
)

var (
	// An already-alerted tenant alerts again only after utilization grows by
	// ten percentage points or an hour passes.
	utilizationStep = decimal.RequireFromString("0.1")
	minInterval     = time.Hour
)

type Throttler struct {
	ledger   *ledger.Ledger
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

func NewThrottler(l *ledger.Ledger, notifier Notifier, logger *zap.Logger) *Throttler {
	return &Throttler{
		ledger:   l,
		notifier: notifier,
		logger:   logger.With(zap.String("component", "alerting")),
		now:      time.Now,
	}
}

// shouldAlert applies the throttle rules to a utilization reading.
func shouldAlert(utilization, threshold, lastUtilization decimal.Decimal, lastAlert, now time.Time) bool {
	if utilization.LessThan(threshold) {
		return false
	}
	if lastAlert.Unix() <= 0 {
		return true // first alert for this tenant
	}
	if utilization.GreaterThanOrEqual(lastUtilization.Add(utilizationStep)) {
		return true
	}
	return now.Sub(lastAlert) >= minInterval
}

// Evaluate reads the tenant's aggregate budget, fires a notification when the
// throttle rules allow it, and records the alert state so later evaluations
// throttle correctly. Failures are logged, never propagated: alerting must not
// fail a settlement.
func (t *Throttler) Evaluate(ctx context.Context, tenantID string) {
	record, err := t.ledger.Aggregate(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ledger.ErrBudgetNotFound) {
			t.logger.Warn("no budget record for alert evaluation", zap.String("tenant_id", tenantID))
			return
		}
		t.logger.Error("alert evaluation failed", zap.String("tenant_id", tenantID), zap.Error(err))
		return
	}

	if !record.TotalBudget.IsPositive() {
		return
	}

	utilization := record.TotalBudget.Sub(record.Balance).Div(record.TotalBudget)
	now := t.now()

	if !shouldAlert(utilization, record.AlertThreshold, record.LastAlertUtilization, record.LastAlertTime, now) {
		return
	}

	subject := fmt.Sprintf("Budget alert - %s (%s%%)",
		tenantID, utilization.Mul(decimal.NewFromInt(100)).StringFixed(0))
	message := fmt.Sprintf(
		"Tenant %s has used %s%% of its budget.\nTotal budget: $%s\nRemaining balance: $%s\nTime: %s",
		tenantID,
		utilization.Mul(decimal.NewFromInt(100)).StringFixed(1),
		record.TotalBudget.StringFixed(2),
		record.Balance.StringFixed(2),
		now.UTC().Format(time.RFC3339),
	)

	if err := t.notifier.Publish(ctx, subject, message); err != nil {
		t.logger.Error("failed to send budget alert", zap.String("tenant_id", tenantID), zap.Error(err))
		return
	}

	if err := t.ledger.RecordAlert(ctx, tenantID, now, utilization); err != nil {
		t.logger.Error("failed to record alert state", zap.String("tenant_id", tenantID), zap.Error(err))
		return
	}

	t.logger.Warn("budget alert sent",
		zap.String("tenant_id", tenantID),
		zap.String("utilization", utilization.StringFixed(3)))
}
