package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/vnmchuo/llm-meter/internal/cache"
	"github.com/vnmchuo/llm-meter/internal/inference"
	"github.com/vnmchuo/llm-meter/internal/ledger"
	"github.com/vnmchuo/llm-meter/internal/pricing"
	"github.com/vnmchuo/llm-meter/internal/queue"
	"github.com/vnmchuo/llm-meter/internal/tenant"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// Mock Tenant Store
type mockTenantStore struct {
	getConfigFunc  func(ctx context.Context, tenantID string) (*tenant.Config, error)
	getBindingFunc func(ctx context.Context, tenantID, applicationID string) (string, error)
}

func (m *mockTenantStore) GetConfig(ctx context.Context, tenantID string) (*tenant.Config, error) {
	if m.getConfigFunc != nil {
		return m.getConfigFunc(ctx, tenantID)
	}
	return &tenant.Config{TenantID: tenantID, DefaultModelID: "claude-3-haiku"}, nil
}

func (m *mockTenantStore) GetBinding(ctx context.Context, tenantID, applicationID string) (string, error) {
	if m.getBindingFunc != nil {
		return m.getBindingFunc(ctx, tenantID, applicationID)
	}
	return "", nil
}

// Mock Pricing Store
type mockPricingStore struct{}

func (m *mockPricingStore) GetPricing(ctx context.Context, region, modelID string) (*pricing.ModelPricing, error) {
	return &pricing.ModelPricing{
		Region:               region,
		ModelID:              modelID,
		InputCostPerMillion:  decimal.RequireFromString("3"),
		OutputCostPerMillion: decimal.RequireFromString("15"),
		CacheDiscount:        decimal.RequireFromString("0.5"),
	}, nil
}

// Mock Budget Store
type mockBudgetStore struct {
	getRecordFunc   func(ctx context.Context, tenantID, modelID string) (*ledger.BudgetRecord, error)
	queryTenantFunc func(ctx context.Context, tenantID string) ([]*ledger.BudgetRecord, error)
}

func (m *mockBudgetStore) GetRecord(ctx context.Context, tenantID, modelID string) (*ledger.BudgetRecord, error) {
	if m.getRecordFunc != nil {
		return m.getRecordFunc(ctx, tenantID, modelID)
	}
	return nil, ledger.ErrBudgetNotFound
}

func (m *mockBudgetStore) ApplyAggregate(ctx context.Context, tenantID string, cost decimal.Decimal, usage pricing.Usage) error {
	return nil
}

func (m *mockBudgetStore) ApplyModel(ctx context.Context, tenantID, modelID string, cost decimal.Decimal, usage pricing.Usage) error {
	return nil
}

func (m *mockBudgetStore) RecordAlert(ctx context.Context, tenantID string, at time.Time, utilization decimal.Decimal) error {
	return nil
}

func (m *mockBudgetStore) QueryTenant(ctx context.Context, tenantID string) ([]*ledger.BudgetRecord, error) {
	if m.queryTenantFunc != nil {
		return m.queryTenantFunc(ctx, tenantID)
	}
	return nil, nil
}

// In-memory idempotency guard.
type memGuard struct {
	mu      sync.Mutex
	results map[string]json.RawMessage
	err     error
}

func newMemGuard() *memGuard {
	return &memGuard{results: make(map[string]json.RawMessage)}
}

func (g *memGuard) CheckProcessed(ctx context.Context, token, scope string) (json.RawMessage, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, false, g.err
	}
	raw, ok := g.results[scope+":"+token]
	return raw, ok, nil
}

func (g *memGuard) StoreResult(ctx context.Context, token, scope string, result json.RawMessage) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	key := scope + ":" + token
	if _, exists := g.results[key]; !exists {
		g.results[key] = result
	}
	return nil
}

// Mock Inference Client
type mockInference struct {
	invokeFunc func(ctx context.Context, modelRef string, messages []inference.Message, system string) (*inference.Result, error)
	lastRef    string
	calls      int
}

func (m *mockInference) Invoke(ctx context.Context, modelRef string, messages []inference.Message, system string) (*inference.Result, error) {
	m.calls++
	m.lastRef = modelRef
	if m.invokeFunc != nil {
		return m.invokeFunc(ctx, modelRef, messages, system)
	}
	return &inference.Result{
		Text:  "mock reply",
		Usage: inference.Usage{InputTokens: 1000, OutputTokens: 200},
	}, nil
}

// Mock settlement transport capturing dispatched events.
type mockTransport struct {
	dispatchFunc func(ctx context.Context, event *queue.CostEvent) error
	events       []*queue.CostEvent
}

func (m *mockTransport) Dispatch(ctx context.Context, event *queue.CostEvent) error {
	m.events = append(m.events, event)
	if m.dispatchFunc != nil {
		return m.dispatchFunc(ctx, event)
	}
	return nil
}

type fixture struct {
	gateway   *Gateway
	tenants   *mockTenantStore
	budgets   *mockBudgetStore
	guard     *memGuard
	inference *mockInference
	direct    *mockTransport
	metered   *mockTransport
}

func setupGateway(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := zap.NewNop()
	cacheClient := cache.NewClient(rdb, logger)

	f := &fixture{
		tenants:   &mockTenantStore{},
		budgets:   &mockBudgetStore{},
		guard:     newMemGuard(),
		inference: &mockInference{},
		direct:    &mockTransport{},
		metered:   &mockTransport{},
	}

	f.gateway = New(
		tenant.NewResolver(f.tenants, cacheClient, logger),
		pricing.NewResolver(&mockPricingStore{}, cacheClient, "us-east-1", logger),
		ledger.New(f.budgets, cacheClient, logger),
		f.guard,
		f.inference,
		f.direct, f.metered,
		noop.NewTracerProvider().Tracer("test"),
		logger,
	)
	return f
}

func invokeRequest() *Request {
	return &Request{
		TenantID:      "t1",
		RequestID:     "req-1",
		ApplicationID: "app1",
		ModelID:       "claude-3-sonnet",
		Messages:      []inference.Message{{Role: "user", Content: "hello there"}},
	}
}

func TestHandle_ValidationErrors(t *testing.T) {
	f := setupGateway(t)
	ctx := context.Background()

	out := f.gateway.Handle(ctx, &Request{Messages: []inference.Message{{Role: "user", Content: "hi"}}})
	if out.Kind != OutcomeValidationError {
		t.Errorf("Expected validation error for missing tenant, got %v", out.Kind)
	}

	out = f.gateway.Handle(ctx, &Request{TenantID: "t1"})
	if out.Kind != OutcomeValidationError {
		t.Errorf("Expected validation error for missing messages, got %v", out.Kind)
	}
}

func TestHandle_TenantNotFound(t *testing.T) {
	f := setupGateway(t)
	f.tenants.getConfigFunc = func(ctx context.Context, tenantID string) (*tenant.Config, error) {
		return nil, tenant.ErrTenantNotFound
	}

	out := f.gateway.Handle(context.Background(), invokeRequest())
	if out.Kind != OutcomeNotFound {
		t.Errorf("Expected not-found outcome, got %v", out.Kind)
	}
}

func TestHandle_TenantStoreDown(t *testing.T) {
	f := setupGateway(t)
	f.tenants.getConfigFunc = func(ctx context.Context, tenantID string) (*tenant.Config, error) {
		return nil, errors.New("connection refused")
	}

	out := f.gateway.Handle(context.Background(), invokeRequest())
	if out.Kind != OutcomeInfraError {
		t.Errorf("Expected infra-error outcome, got %v", out.Kind)
	}
}

func TestHandle_ModelNotAllowed(t *testing.T) {
	f := setupGateway(t)
	f.tenants.getConfigFunc = func(ctx context.Context, tenantID string) (*tenant.Config, error) {
		return &tenant.Config{TenantID: tenantID, AllowedModels: []string{"claude-3-haiku"}}, nil
	}

	out := f.gateway.Handle(context.Background(), invokeRequest())
	if out.Kind != OutcomeValidationError {
		t.Errorf("Expected validation error for disallowed model, got %v", out.Kind)
	}
	if f.inference.calls != 0 {
		t.Errorf("Expected no inference call for rejected model")
	}
}

func TestHandle_DefaultModelApplied(t *testing.T) {
	f := setupGateway(t)

	req := invokeRequest()
	req.ModelID = ""
	out := f.gateway.Handle(context.Background(), req)

	if out.Kind != OutcomeSuccess {
		t.Fatalf("Expected success, got %v: %s", out.Kind, out.Message)
	}
	if out.Response.ModelID != "claude-3-haiku" {
		t.Errorf("Expected tenant default model, got %s", out.Response.ModelID)
	}
}

func TestHandle_DirectMode(t *testing.T) {
	f := setupGateway(t)

	out := f.gateway.Handle(context.Background(), invokeRequest())
	if out.Kind != OutcomeSuccess {
		t.Fatalf("Expected success, got %v: %s", out.Kind, out.Message)
	}

	if out.Response.Mode != ModeDirect {
		t.Errorf("Expected direct mode without a profile binding, got %s", out.Response.Mode)
	}
	if out.Response.CostManaged {
		t.Errorf("Expected direct mode to be unmanaged")
	}
	// 1000 in at $3/M + 200 out at $15/M
	if !out.Response.Cost.Equal(decimal.RequireFromString("0.006")) {
		t.Errorf("Expected cost 0.006, got %s", out.Response.Cost)
	}
	if len(f.direct.events) != 1 || len(f.metered.events) != 0 {
		t.Errorf("Expected one inline dispatch, got direct=%d metered=%d",
			len(f.direct.events), len(f.metered.events))
	}
	// Inline settlement dedups on the same token as the metered path, so
	// concurrent duplicate direct requests cannot double-settle.
	if f.direct.events[0].IdempotencyToken != "req-1" {
		t.Errorf("Expected direct cost event to carry the admission token, got %q",
			f.direct.events[0].IdempotencyToken)
	}
	if f.inference.lastRef != "claude-3-sonnet" {
		t.Errorf("Expected plain model reference in direct mode, got %s", f.inference.lastRef)
	}
}

func TestHandle_MeteredMode(t *testing.T) {
	f := setupGateway(t)
	f.tenants.getBindingFunc = func(ctx context.Context, tenantID, applicationID string) (string, error) {
		return "profile-t1", nil
	}
	f.budgets.getRecordFunc = func(ctx context.Context, tenantID, modelID string) (*ledger.BudgetRecord, error) {
		return &ledger.BudgetRecord{
			ModelID:        ledger.AggregateModelID,
			Balance:        decimal.RequireFromString("10.00"),
			TotalBudget:    decimal.RequireFromString("10.00"),
			AlertThreshold: decimal.RequireFromString("0.8"),
		}, nil
	}

	out := f.gateway.Handle(context.Background(), invokeRequest())
	if out.Kind != OutcomeSuccess {
		t.Fatalf("Expected success, got %v: %s", out.Kind, out.Message)
	}

	if out.Response.Mode != ModeMetered {
		t.Errorf("Expected metered mode, got %s", out.Response.Mode)
	}
	if !out.Response.CostManaged {
		t.Errorf("Expected metered response to be cost managed")
	}
	if f.inference.lastRef != "profile-t1" {
		t.Errorf("Expected invocation through the profile reference, got %s", f.inference.lastRef)
	}
	if len(f.metered.events) != 1 {
		t.Fatalf("Expected one queued cost event, got %d", len(f.metered.events))
	}
	ev := f.metered.events[0]
	if ev.IdempotencyToken != "req-1" {
		t.Errorf("Expected cost event to carry the admission token, got %s", ev.IdempotencyToken)
	}
	if ev.ModelID != "claude-3-sonnet" {
		t.Errorf("Expected cost event billed against the model ID, got %s", ev.ModelID)
	}
}

func TestHandle_BudgetExceeded(t *testing.T) {
	f := setupGateway(t)
	f.tenants.getBindingFunc = func(ctx context.Context, tenantID, applicationID string) (string, error) {
		return "profile-t1", nil
	}
	f.budgets.getRecordFunc = func(ctx context.Context, tenantID, modelID string) (*ledger.BudgetRecord, error) {
		return &ledger.BudgetRecord{
			ModelID:     ledger.AggregateModelID,
			Balance:     decimal.Zero,
			TotalBudget: decimal.RequireFromString("10.00"),
		}, nil
	}

	out := f.gateway.Handle(context.Background(), invokeRequest())
	if out.Kind != OutcomeBudgetExceeded {
		t.Fatalf("Expected budget-exceeded outcome, got %v", out.Kind)
	}
	if f.inference.calls != 0 {
		t.Errorf("Expected no inference call when budget is exhausted")
	}
	if len(f.metered.events) != 0 {
		t.Errorf("Expected no cost event when budget is exhausted")
	}
}

func TestHandle_IdempotentReplay(t *testing.T) {
	f := setupGateway(t)
	ctx := context.Background()
	req := invokeRequest()

	first := f.gateway.Handle(ctx, req)
	if first.Kind != OutcomeSuccess {
		t.Fatalf("Expected success, got %v", first.Kind)
	}

	second := f.gateway.Handle(ctx, req)
	if second.Kind != OutcomeSuccess {
		t.Fatalf("Expected replayed success, got %v", second.Kind)
	}
	if !second.Replayed {
		t.Errorf("Expected second call to be served from the guard")
	}
	if f.inference.calls != 1 {
		t.Errorf("Expected exactly one inference call, got %d", f.inference.calls)
	}
	if len(f.direct.events) != 1 {
		t.Errorf("Expected exactly one dispatched event, got %d", len(f.direct.events))
	}
	if !second.Response.Cost.Equal(first.Response.Cost) {
		t.Errorf("Expected replayed cost %s, got %s", first.Response.Cost, second.Response.Cost)
	}
}

func TestHandle_GuardDownProceeds(t *testing.T) {
	f := setupGateway(t)
	f.guard.err = errors.New("connection refused")

	out := f.gateway.Handle(context.Background(), invokeRequest())
	if out.Kind != OutcomeSuccess {
		t.Errorf("Expected success with guard down, got %v", out.Kind)
	}
}

func TestHandle_InferenceFailure(t *testing.T) {
	f := setupGateway(t)
	f.inference.invokeFunc = func(ctx context.Context, modelRef string, messages []inference.Message, system string) (*inference.Result, error) {
		return nil, errors.New("upstream timeout")
	}

	out := f.gateway.Handle(context.Background(), invokeRequest())
	if out.Kind != OutcomeInfraError {
		t.Errorf("Expected infra error, got %v", out.Kind)
	}
	if len(f.direct.events) != 0 {
		t.Errorf("Expected no cost event for a failed invocation")
	}
}

func TestHandle_PublishFailureStillSucceeds(t *testing.T) {
	f := setupGateway(t)
	f.tenants.getBindingFunc = func(ctx context.Context, tenantID, applicationID string) (string, error) {
		return "profile-t1", nil
	}
	f.metered.dispatchFunc = func(ctx context.Context, event *queue.CostEvent) error {
		return errors.New("stream unavailable")
	}

	out := f.gateway.Handle(context.Background(), invokeRequest())
	if out.Kind != OutcomeSuccess {
		t.Errorf("Expected the response to survive a publish failure, got %v", out.Kind)
	}
}

func TestHandle_SessionDataAttached(t *testing.T) {
	f := setupGateway(t)

	req := invokeRequest()
	req.SessionID = "sess-1"
	req.ConversationTurn = 3

	out := f.gateway.Handle(context.Background(), req)
	if out.Kind != OutcomeSuccess {
		t.Fatalf("Expected success, got %v", out.Kind)
	}

	ev := f.direct.events[0]
	if ev.SessionID != "sess-1" || ev.SessionData == nil {
		t.Fatalf("Expected session data on the cost event")
	}
	if ev.SessionData.ConversationTurn != 3 {
		t.Errorf("Expected turn 3, got %d", ev.SessionData.ConversationTurn)
	}
	if ev.SessionData.Prompt != "hello there" {
		t.Errorf("Expected prompt from first user message, got %q", ev.SessionData.Prompt)
	}
}

func TestEstimateTokens(t *testing.T) {
	in, out := estimateTokens([]inference.Message{
		{Role: "user", Content: "one two three four five six seven eight nine ten"},
	})
	if in != 13 { // 10 words x 1.3
		t.Errorf("Expected 13 input tokens, got %d", in)
	}
	if out != 10 { // 13 x 0.8, truncated
		t.Errorf("Expected 10 output tokens, got %d", out)
	}

	in, out = estimateTokens(nil)
	if in != 1 || out != 1 {
		t.Errorf("Expected floor of 1 token, got in=%d out=%d", in, out)
	}
}

func TestDeriveToken_ContentFallback(t *testing.T) {
	f := setupGateway(t)

	a := invokeRequest()
	a.RequestID = ""
	b := invokeRequest()
	b.RequestID = ""
	c := invokeRequest()
	c.RequestID = ""
	c.Messages = []inference.Message{{Role: "user", Content: "different"}}

	if f.gateway.deriveToken(a) != f.gateway.deriveToken(b) {
		t.Errorf("Expected identical requests to share a token")
	}
	if f.gateway.deriveToken(a) == f.gateway.deriveToken(c) {
		t.Errorf("Expected different content to derive different tokens")
	}
}
