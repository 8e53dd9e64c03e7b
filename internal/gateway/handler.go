package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/vnmchuo/llm-meter/internal/auth"
	"github.com/vnmchuo/llm-meter/internal/ledger"
	"github.com/vnmchuo/llm-meter/pkg/ratelimit"
	"go.uber.org/zap"
)

// Handler exposes the admission gateway and the tenant usage summary over
// HTTP. Transport concerns stop here; the gateway core is HTTP-agnostic.
type Handler struct {
	gateway *Gateway
	ledger  *ledger.Ledger
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

func NewHandler(g *Gateway, l *ledger.Ledger, limiter *ratelimit.Limiter, logger *zap.Logger) *Handler {
	return &Handler{
		gateway: g,
		ledger:  l,
		limiter: limiter,
		logger:  logger.With(zap.String("component", "gateway")),
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) HandleInvoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.TenantID = tenantID
	if req.RequestID == "" {
		req.RequestID = auth.GetRequestID(ctx)
	}

	estimatedTokens := 0
	for _, m := range req.Messages {
		estimatedTokens += len(m.Content) / 4
	}
	if estimatedTokens <= 0 {
		estimatedTokens = 1000
	}

	allowed, err := h.limiter.Allow(ctx, tenantID, estimatedTokens)
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60s")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return
	}

	outcome := h.gateway.Handle(ctx, &req)

	switch outcome.Kind {
	case OutcomeSuccess:
		writeJSON(w, http.StatusOK, outcome.Response)
	case OutcomeBudgetExceeded:
		writeJSON(w, http.StatusPaymentRequired, map[string]string{
			"error":     "budget exceeded",
			"tenant_id": tenantID,
		})
	case OutcomeValidationError:
		writeError(w, http.StatusBadRequest, outcome.Message)
	case OutcomeNotFound:
		writeError(w, http.StatusNotFound, outcome.Message)
	default:
		writeError(w, http.StatusInternalServerError, outcome.Message)
	}
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	summary, err := h.ledger.UsageSummary(ctx, tenantID)
	if err != nil {
		h.logger.Error("usage summary failed", zap.String("tenant_id", tenantID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load usage summary")
		return
	}

	writeJSON(w, http.StatusOK, summary)
}
