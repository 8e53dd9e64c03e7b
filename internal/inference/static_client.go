package inference

import (
	"context"
	"strings"
)

// StaticClient is the configuration-selected test double. It echoes a canned
// reply and derives plausible token counts from the prompt so cost paths stay
// exercisable without an upstream model.
type StaticClient struct {
	Reply string
}

func NewStaticClient() *StaticClient {
	return &StaticClient{Reply: "static inference response"}
}

func (c *StaticClient) Invoke(ctx context.Context, modelRef string, messages []Message, system string) (*Result, error) {
	var words int
	for _, m := range messages {
		words += len(strings.Fields(m.Content))
	}
	words += len(strings.Fields(system))

	inputTokens := int64(words) + 3
	outputTokens := int64(len(strings.Fields(c.Reply)))

	return &Result{
		Text: c.Reply,
		Usage: Usage{
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
		},
		LatencyMs: 1,
	}, nil
}

var _ Client = (*HTTPClient)(nil)
var _ Client = (*StaticClient)(nil)
