// Package gateway implements the synchronous admission path for model
// invocations: resolve the tenant, decide between direct and metered mode,
// gate metered calls on budget, invoke the model, cost the actual usage, and
// dispatch settlement.
package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vnmchuo/llm-meter/internal/idempotency"
	"github.com/vnmchuo/llm-meter/internal/inference"
	"github.com/vnmchuo/llm-meter/internal/ledger"
	"github.com/vnmchuo/llm-meter/internal/pricing"
	"github.com/vnmchuo/llm-meter/internal/queue"
	"github.com/vnmchuo/llm-meter/internal/session"
	"github.com/vnmchuo/llm-meter/internal/tenant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	ModeDirect  = "direct"
	ModeMetered = "metered"
)

// OutcomeKind tags the result of an admission attempt so callers branch on
// kind instead of matching error strings.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeBudgetExceeded
	OutcomeValidationError
	OutcomeNotFound
	OutcomeInfraError
)

type Request struct {
	TenantID         string              `json:"tenant_id"`
	RequestID        string              `json:"request_id,omitempty"`
	ApplicationID    string              `json:"application_id"`
	ModelID          string              `json:"model_id,omitempty"`
	SessionID        string              `json:"session_id,omitempty"`
	ConversationTurn int                 `json:"conversation_turn,omitempty"`
	System           string              `json:"system,omitempty"`
	Messages         []inference.Message `json:"messages"`
}

type Response struct {
	Text             string          `json:"response"`
	ModelID          string          `json:"model"`
	Mode             string          `json:"mode"`
	InputTokens      int64           `json:"input_tokens"`
	OutputTokens     int64           `json:"output_tokens"`
	CacheReadTokens  int64           `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int64           `json:"cache_write_tokens,omitempty"`
	Cost             decimal.Decimal `json:"cost"`
	CostManaged      bool            `json:"cost_managed"`
	SessionID        string          `json:"session_id,omitempty"`
	ConversationTurn int             `json:"conversation_turn,omitempty"`
	DurationMs       int64           `json:"duration_ms"`
}

type Outcome struct {
	Kind     OutcomeKind
	Response *Response
	Message  string // set for non-success outcomes
	Replayed bool   // true when served from the idempotency guard
}

func success(resp *Response) *Outcome {
	return &Outcome{Kind: OutcomeSuccess, Response: resp}
}

func failure(kind OutcomeKind, msg string) *Outcome {
	return &Outcome{Kind: kind, Message: msg}
}

// Gateway wires the admission state machine. Direct and metered settlement
// differ only in transport: inline best-effort versus durable queue publish.
type Gateway struct {
	tenants *tenant.Resolver
	pricing *pricing.Resolver
	ledger  *ledger.Ledger
	guard   idempotency.Guard // durable 24h admission guard
	client  inference.Client
	direct  SettlementTransport
	metered SettlementTransport
	tracer  trace.Tracer
	logger  *zap.Logger
	now     func() time.Time
}

func New(
	tenants *tenant.Resolver,
	pricingResolver *pricing.Resolver,
	l *ledger.Ledger,
	guard idempotency.Guard,
	client inference.Client,
	direct, metered SettlementTransport,
	tracer trace.Tracer,
	logger *zap.Logger,
) *Gateway {
	return &Gateway{
		tenants: tenants,
		pricing: pricingResolver,
		ledger:  l,
		guard:   guard,
		client:  client,
		direct:  direct,
		metered: metered,
		tracer:  tracer,
		logger:  logger.With(zap.String("component", "gateway")),
		now:     time.Now,
	}
}

// Handle runs one request through the admission state machine.
func (g *Gateway) Handle(ctx context.Context, req *Request) *Outcome {
	start := g.now()

	if req.TenantID == "" {
		return failure(OutcomeValidationError, "missing tenant id")
	}
	if len(req.Messages) == 0 {
		return failure(OutcomeValidationError, "missing messages")
	}
	if req.ApplicationID == "" {
		req.ApplicationID = "default-app"
	}

	ctx, span := g.tracer.Start(ctx, "gateway.handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", req.TenantID),
		attribute.String("model_id", req.ModelID),
	)

	token := g.deriveToken(req)

	// A retry of an already-answered request is served from the guard without
	// re-invoking the model or enqueuing a duplicate cost event.
	if stored, ok, err := g.guard.CheckProcessed(ctx, token, req.TenantID); err != nil {
		g.logger.Warn("idempotency check failed, proceeding", zap.Error(err))
	} else if ok {
		var resp Response
		if err := json.Unmarshal(stored, &resp); err == nil {
			g.logger.Info("request replayed from idempotency guard",
				zap.String("tenant_id", req.TenantID),
				zap.String("token", token))
			return &Outcome{Kind: OutcomeSuccess, Response: &resp, Replayed: true}
		}
		g.logger.Warn("stored idempotency result corrupt, reprocessing", zap.String("token", token))
	}

	cfg, err := g.tenants.Config(ctx, req.TenantID)
	if err != nil {
		if err == tenant.ErrTenantNotFound {
			return failure(OutcomeNotFound, "tenant not found")
		}
		return failure(OutcomeInfraError, "tenant lookup failed")
	}

	modelID := req.ModelID
	if modelID == "" {
		modelID = cfg.DefaultModelID
	}
	if !cfg.ModelAllowed(modelID) {
		return failure(OutcomeValidationError, "model not allowed for tenant")
	}

	profileRef := g.tenants.ProfileBinding(ctx, req.TenantID, req.ApplicationID)

	var outcome *Outcome
	if profileRef == "" {
		outcome = g.handleDirect(ctx, req, modelID, token, start)
	} else {
		outcome = g.handleMetered(ctx, req, modelID, profileRef, token, start)
	}

	if outcome.Kind == OutcomeSuccess {
		g.storeResult(ctx, token, req.TenantID, outcome.Response)
	}

	return outcome
}

// handleDirect is the unmetered path: no budget gate, cost computed for
// telemetry and settled inline on a best-effort basis.
func (g *Gateway) handleDirect(ctx context.Context, req *Request, modelID, token string, start time.Time) *Outcome {
	result, err := g.client.Invoke(ctx, modelID, req.Messages, req.System)
	if err != nil {
		g.logger.Error("inference call failed",
			zap.String("tenant_id", req.TenantID),
			zap.String("model_id", modelID),
			zap.Error(err))
		return failure(OutcomeInfraError, "inference call failed")
	}

	cost := g.costUsage(ctx, modelID, result.Usage)
	resp := g.buildResponse(req, modelID, ModeDirect, result, cost, start)

	// The token rides along so inline settlement dedups concurrent duplicates
	// of the same request, not just replays the admission guard already caught.
	event := g.buildCostEvent(req, modelID, token, result, cost, start)
	if err := g.direct.Dispatch(ctx, event); err != nil {
		// Direct-mode settlement is telemetry; the caller still gets their
		// response.
		g.logger.Error("inline settlement failed",
			zap.String("tenant_id", req.TenantID), zap.Error(err))
	}

	return success(resp)
}

// handleMetered is the budget-gated path. The balance snapshot may be up to
// five minutes stale; the conditioned settlement decrement is the hard stop.
func (g *Gateway) handleMetered(ctx context.Context, req *Request, modelID, profileRef, token string, start time.Time) *Outcome {
	estIn, estOut := estimateTokens(req.Messages)
	estimatedCost := g.pricing.EstimateCost(ctx, modelID, estIn, estOut)

	if !g.ledger.CheckBudget(ctx, req.TenantID, estimatedCost) {
		return failure(OutcomeBudgetExceeded, "budget exceeded")
	}

	result, err := g.client.Invoke(ctx, profileRef, req.Messages, req.System)
	if err != nil {
		g.logger.Error("inference call failed",
			zap.String("tenant_id", req.TenantID),
			zap.String("profile_ref", profileRef),
			zap.Error(err))
		return failure(OutcomeInfraError, "inference call failed")
	}

	cost := g.costUsage(ctx, modelID, result.Usage)
	resp := g.buildResponse(req, modelID, ModeMetered, result, cost, start)
	resp.CostManaged = true

	event := g.buildCostEvent(req, modelID, token, result, cost, start)
	if err := g.metered.Dispatch(ctx, event); err != nil {
		// The invocation already happened; dropping the response now would
		// charge the tenant nothing and retry the model call. Log loudly for
		// reconciliation instead.
		g.logger.Error("cost event publish failed, settlement lost",
			zap.String("tenant_id", req.TenantID),
			zap.String("token", token),
			zap.Error(err))
	}

	return success(resp)
}

// costUsage prices actual usage, falling back to the linear estimate when the
// pricing row is missing so the response still carries a cost figure.
func (g *Gateway) costUsage(ctx context.Context, modelID string, usage inference.Usage) decimal.Decimal {
	actual, err := g.pricing.ComputeActualCost(ctx, modelID, pricing.Usage{
		InputTokens:      usage.InputTokens,
		OutputTokens:     usage.OutputTokens,
		CacheReadTokens:  usage.CacheReadTokens,
		CacheWriteTokens: usage.CacheWriteTokens,
	})
	if err != nil {
		g.logger.Warn("actual cost computation failed, using estimate",
			zap.String("model_id", modelID), zap.Error(err))
		return g.pricing.EstimateCost(ctx, modelID, usage.InputTokens, usage.OutputTokens)
	}
	return actual.Total
}

func (g *Gateway) buildResponse(req *Request, modelID, mode string, result *inference.Result, cost decimal.Decimal, start time.Time) *Response {
	return &Response{
		Text:             result.Text,
		ModelID:          modelID,
		Mode:             mode,
		InputTokens:      result.Usage.InputTokens,
		OutputTokens:     result.Usage.OutputTokens,
		CacheReadTokens:  result.Usage.CacheReadTokens,
		CacheWriteTokens: result.Usage.CacheWriteTokens,
		Cost:             cost,
		SessionID:        req.SessionID,
		ConversationTurn: req.ConversationTurn,
		DurationMs:       g.now().Sub(start).Milliseconds(),
	}
}

func (g *Gateway) buildCostEvent(req *Request, modelID, token string, result *inference.Result, cost decimal.Decimal, start time.Time) *queue.CostEvent {
	event := &queue.CostEvent{
		IdempotencyToken: token,
		TenantID:         req.TenantID,
		ApplicationID:    req.ApplicationID,
		ModelID:          modelID,
		InputTokens:      result.Usage.InputTokens,
		OutputTokens:     result.Usage.OutputTokens,
		CacheReadTokens:  result.Usage.CacheReadTokens,
		CacheWriteTokens: result.Usage.CacheWriteTokens,
		Cost:             cost,
		Timestamp:        g.now().Unix(),
		SessionID:        req.SessionID,
	}

	if req.SessionID != "" {
		turn := req.ConversationTurn
		if turn == 0 {
			turn = 1
		}
		event.SessionData = &queue.SessionData{
			ConversationTurn: turn,
			Prompt:           session.Truncate(firstUserPrompt(req.Messages), session.MaxPromptRunes),
			Response:         session.Truncate(result.Text, session.MaxResponseRunes),
			DurationMs:       g.now().Sub(start).Milliseconds(),
		}
	}

	return event
}

// deriveToken prefers the platform request ID and otherwise hashes the
// normalized request so byte-identical retries collide.
func (g *Gateway) deriveToken(req *Request) string {
	normalized, _ := json.Marshal(struct {
		TenantID      string              `json:"tenant_id"`
		ApplicationID string              `json:"application_id"`
		ModelID       string              `json:"model_id"`
		SessionID     string              `json:"session_id"`
		Turn          int                 `json:"turn"`
		System        string              `json:"system"`
		Messages      []inference.Message `json:"messages"`
	}{req.TenantID, req.ApplicationID, req.ModelID, req.SessionID, req.ConversationTurn, req.System, req.Messages})

	return idempotency.DeriveToken(req.RequestID, normalized)
}

func (g *Gateway) storeResult(ctx context.Context, token, tenantID string, resp *Response) {
	raw, err := json.Marshal(resp)
	if err != nil {
		g.logger.Error("failed to marshal response for idempotency store", zap.Error(err))
		return
	}
	if err := g.guard.StoreResult(ctx, token, tenantID, raw); err != nil {
		g.logger.Error("failed to store idempotency result",
			zap.String("token", token), zap.Error(err))
	}
}

// estimateTokens derives a pre-call token estimate from prompt word counts:
// words x1.3 input, with output assumed at 80% of input.
func estimateTokens(messages []inference.Message) (int64, int64) {
	var words int
	for _, m := range messages {
		words += len(strings.Fields(m.Content))
	}
	estIn := int64(float64(words) * 1.3)
	if estIn == 0 {
		estIn = 1
	}
	estOut := int64(float64(estIn) * 0.8)
	if estOut == 0 {
		estOut = 1
	}
	return estIn, estOut
}

func firstUserPrompt(messages []inference.Message) string {
	for _, m := range messages {
		if m.Role == "user" {
			return m.Content
		}
	}
	if len(messages) > 0 {
		return messages[0].Content
	}
	return ""
}
