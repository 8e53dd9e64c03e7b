package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vnmchuo/llm-meter/internal/pricing"
)

// AggregateModelID marks the tenant-wide summary row. Only this row carries an
// enforced balance; per-model rows are informational breakdowns.
const AggregateModelID = "ALL"

var (
	ErrBudgetNotFound = errors.New("budget record not found")

	// ErrConditionFailed means the conditioned aggregate decrement did not
	// apply: the balance would have gone negative, or the row is missing.
	ErrConditionFailed = errors.New("budget condition failed")
)

// BudgetRecord is one (tenant, model) row of the ledger. modelId="ALL" is the
// tenant aggregate.
type BudgetRecord struct {
	TenantID              string          `json:"tenant_id"`
	ModelID               string          `json:"model_id"`
	Balance               decimal.Decimal `json:"balance"`
	TotalBudget           decimal.Decimal `json:"total_budget"`
	AlertThreshold        decimal.Decimal `json:"alert_threshold"`
	TotalInputTokens      int64           `json:"total_input_tokens"`
	TotalOutputTokens     int64           `json:"total_output_tokens"`
	TotalCacheReadTokens  int64           `json:"total_cache_read_tokens"`
	TotalCacheWriteTokens int64           `json:"total_cache_write_tokens"`
	TotalInvocations      int64           `json:"total_invocations"`
	LastUpdated           time.Time       `json:"last_updated"`
	LastAlertTime         time.Time       `json:"last_alert_time"`
	LastAlertUtilization  decimal.Decimal `json:"last_alert_utilization"`
}

// Snapshot is the reduced view cached for admission checks. It may be up to
// five minutes stale; settlement never reads it.
type Snapshot struct {
	Balance        decimal.Decimal `json:"balance"`
	TotalBudget    decimal.Decimal `json:"total_budget"`
	AlertThreshold decimal.Decimal `json:"alert_threshold"`
}

// ModelUsage is one model's slice of a tenant usage summary.
type ModelUsage struct {
	Cost         decimal.Decimal `json:"cost"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	Invocations  int64           `json:"invocations"`
}

// Summary aggregates a tenant's spend across all models.
type Summary struct {
	TenantID         string                `json:"tenant_id"`
	TotalCost        decimal.Decimal       `json:"total_cost"`
	TotalTokens      int64                 `json:"total_tokens"`
	TotalInvocations int64                 `json:"total_invocations"`
	LastUpdated      time.Time             `json:"last_updated"`
	ModelBreakdown   map[string]ModelUsage `json:"model_breakdown"`
}

type Store interface {
	// GetRecord returns one (tenant, model) row or ErrBudgetNotFound.
	GetRecord(ctx context.Context, tenantID, modelID string) (*BudgetRecord, error)

	// ApplyAggregate decrements the aggregate balance by cost and adds the
	// usage counters, conditioned on balance >= cost. Returns
	// ErrConditionFailed when the condition does not hold.
	ApplyAggregate(ctx context.Context, tenantID string, cost decimal.Decimal, usage pricing.Usage) error

	// ApplyModel upserts the per-model breakdown row with the same counters.
	// The model-level balance is unconditioned and may go negative.
	ApplyModel(ctx context.Context, tenantID, modelID string, cost decimal.Decimal, usage pricing.Usage) error

	// RecordAlert stores the last-alert time and utilization on the aggregate row.
	RecordAlert(ctx context.Context, tenantID string, at time.Time, utilization decimal.Decimal) error

	// QueryTenant returns every budget row for a tenant.
	QueryTenant(ctx context.Context, tenantID string) ([]*BudgetRecord, error)
}
