package queue

import (
	"github.com/shopspring/decimal"
)

// SessionData is the optional conversational payload attached to a cost event
// for session recording. Prompt and Response are truncated by the producer.
type SessionData struct {
	ConversationTurn int    `json:"conversation_turn"`
	Prompt           string `json:"prompt"`
	Response         string `json:"response"`
	DurationMs       int64  `json:"duration_ms"`
}

// CostEvent is produced once per metered invocation and consumed at least
// once; the settlement pipeline's idempotency guard collapses redeliveries to
// a single ledger effect.
type CostEvent struct {
	IdempotencyToken string          `json:"idempotency_token"`
	TenantID         string          `json:"tenant_id"`
	ApplicationID    string          `json:"application_id"`
	ModelID          string          `json:"model_id"`
	InputTokens      int64           `json:"input_tokens"`
	OutputTokens     int64           `json:"output_tokens"`
	CacheReadTokens  int64           `json:"cache_read_tokens"`
	CacheWriteTokens int64           `json:"cache_write_tokens"`
	Cost             decimal.Decimal `json:"cost"`
	Timestamp        int64           `json:"timestamp"`
	SessionID        string          `json:"session_id,omitempty"`
	SessionData      *SessionData    `json:"session_data,omitempty"`
}

// Valid reports whether the event carries every field settlement requires.
func (e *CostEvent) Valid() bool {
	return e.TenantID != "" && e.ApplicationID != "" && e.ModelID != ""
}
