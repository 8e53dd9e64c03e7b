package session

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Truncation limits for stored conversational text, applied by producers.
const (
	MaxPromptRunes   = 500
	MaxResponseRunes = 1000
)

// Interaction is one append-only conversational turn. Records are never
// updated after insert.
type Interaction struct {
	SessionID        string          `json:"session_id"`
	TenantID         string          `json:"tenant_id"`
	ApplicationID    string          `json:"application_id"`
	ModelID          string          `json:"model_id"`
	ConversationTurn int             `json:"conversation_turn"`
	Prompt           string          `json:"prompt"`
	Response         string          `json:"response"`
	InputTokens      int64           `json:"input_tokens"`
	OutputTokens     int64           `json:"output_tokens"`
	Cost             decimal.Decimal `json:"cost"`
	DurationMs       int64           `json:"duration_ms"`
	Timestamp        time.Time       `json:"timestamp"`
}

type Store interface {
	Record(ctx context.Context, interaction *Interaction) error
}

// Truncate clips s to at most limit runes.
func Truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
