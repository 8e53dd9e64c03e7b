package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vnmchuo/llm-meter/internal/cache"
	"go.uber.org/zap"
)

// Pricing rows change rarely; an hour of staleness is acceptable.
const cacheTTL = time.Hour

var (
	million = decimal.NewFromInt(1_000_000)

	// Fallback unit prices used only when the pricing lookup fails on the
	// admission path: $0.25 / $1.25 per million input/output tokens.
	fallbackInputPerMillion  = decimal.RequireFromString("0.25")
	fallbackOutputPerMillion = decimal.RequireFromString("1.25")
)

// Resolver resolves model pricing through the cache-aside layer and computes
// estimated and actual invocation costs.
type Resolver struct {
	store  Store
	cache  *cache.Client
	region string
	logger *zap.Logger
}

func NewResolver(store Store, cacheClient *cache.Client, region string, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:  store,
		cache:  cacheClient,
		region: region,
		logger: logger.With(zap.String("component", "pricing")),
	}
}

// Resolve returns pricing for modelID in the resolver's region, checking the
// cache first and writing back on a miss. Returns ErrPricingNotFound when the
// model is absent from both cache and durable store.
func (r *Resolver) Resolve(ctx context.Context, modelID string) (*ModelPricing, error) {
	key := fmt.Sprintf("model_pricing:%s:%s", r.region, modelID)

	var cached ModelPricing
	if r.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}

	p, err := r.store.GetPricing(ctx, r.region, modelID)
	if err != nil {
		return nil, err
	}

	r.cache.Set(ctx, key, p, cacheTTL)
	return p, nil
}

// EstimateCost produces a pre-call cost estimate, linear in token counts.
// A pricing lookup failure falls back to fixed default rates instead of
// failing the request; admission must stay available.
func (r *Resolver) EstimateCost(ctx context.Context, modelID string, inputTokens, outputTokens int64) decimal.Decimal {
	in := decimal.NewFromInt(inputTokens)
	out := decimal.NewFromInt(outputTokens)

	p, err := r.Resolve(ctx, modelID)
	if err != nil {
		r.logger.Warn("pricing unavailable, using fallback rates",
			zap.String("model_id", modelID), zap.Error(err))
		return in.Mul(fallbackInputPerMillion).Add(out.Mul(fallbackOutputPerMillion)).Div(million)
	}

	return in.Mul(p.InputCostPerMillion).Add(out.Mul(p.OutputCostPerMillion)).Div(million)
}

// ComputeActualCost prices a reported usage breakdown:
//   - cache-read tokens at input price times the cache discount
//   - cache-write tokens at full input price (writing is billed as full input)
//   - remaining input tokens (input - cacheRead - cacheWrite) at full input price
//   - output tokens at output price
func (r *Resolver) ComputeActualCost(ctx context.Context, modelID string, usage Usage) (*Cost, error) {
	p, err := r.Resolve(ctx, modelID)
	if err != nil {
		return nil, err
	}

	cacheRead := decimal.NewFromInt(usage.CacheReadTokens)
	cacheWrite := decimal.NewFromInt(usage.CacheWriteTokens)
	regular := decimal.NewFromInt(usage.InputTokens - usage.CacheReadTokens - usage.CacheWriteTokens)
	output := decimal.NewFromInt(usage.OutputTokens)

	b := Breakdown{
		RegularInputCost: regular.Mul(p.InputCostPerMillion).Div(million),
		CacheReadCost:    cacheRead.Mul(p.InputCostPerMillion).Mul(p.CacheDiscount).Div(million),
		CacheWriteCost:   cacheWrite.Mul(p.InputCostPerMillion).Div(million),
		OutputCost:       output.Mul(p.OutputCostPerMillion).Div(million),
	}

	return &Cost{
		Total:     b.RegularInputCost.Add(b.CacheReadCost).Add(b.CacheWriteCost).Add(b.OutputCost),
		Breakdown: b,
	}, nil
}
