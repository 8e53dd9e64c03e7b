package pricing

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var ErrPricingNotFound = errors.New("model pricing not found")

// ModelPricing holds per-model, per-region unit prices. Costs are expressed in
// USD per million tokens; CacheDiscount in [0,1] applies to cache-read tokens.
type ModelPricing struct {
	Region               string          `json:"region"`
	ModelID              string          `json:"model_id"`
	InputCostPerMillion  decimal.Decimal `json:"input_cost_per_million"`
	OutputCostPerMillion decimal.Decimal `json:"output_cost_per_million"`
	CacheDiscount        decimal.Decimal `json:"cache_discount"`
}

// Usage is the provider-reported token breakdown for one invocation.
// CacheRead and CacheWrite tokens are included in Input.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
}

// Breakdown itemizes an invocation cost for auditability.
type Breakdown struct {
	RegularInputCost decimal.Decimal `json:"regular_input_cost"`
	CacheReadCost    decimal.Decimal `json:"cache_read_cost"`
	CacheWriteCost   decimal.Decimal `json:"cache_write_cost"`
	OutputCost       decimal.Decimal `json:"output_cost"`
}

// Cost is a computed invocation cost with its itemized breakdown.
type Cost struct {
	Total     decimal.Decimal `json:"total"`
	Breakdown Breakdown       `json:"breakdown"`
}

type Store interface {
	GetPricing(ctx context.Context, region, modelID string) (*ModelPricing, error)
}
