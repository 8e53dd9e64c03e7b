// Package inference defines the opaque model-invocation capability consumed by
// the admission gateway. The production client speaks HTTP to an upstream
// model endpoint; the static client is a test double selected by
// configuration.
package inference

import (
	"context"
)

type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// Usage is the provider-reported token breakdown. CacheReadTokens and
// CacheWriteTokens count prompt-cache reuse and are included in InputTokens.
type Usage struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	CacheReadTokens  int64 `json:"cache_read_input_tokens"`
	CacheWriteTokens int64 `json:"cache_write_input_tokens"`
}

type Result struct {
	Text      string `json:"text"`
	Usage     Usage  `json:"usage"`
	LatencyMs int64  `json:"latency_ms"`
}

// Client is the opaque inference capability. modelRef is either a plain model
// identifier (direct mode) or an inference-profile reference (metered mode).
type Client interface {
	Invoke(ctx context.Context, modelRef string, messages []Message, system string) (*Result, error)
}
