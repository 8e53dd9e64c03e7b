package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// HTTPClient invokes an upstream model endpoint over HTTP. A circuit breaker
// sheds load when the upstream is failing consecutively.
type HTTPClient struct {
	endpoint string
	apiKey   string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
}

type invokeRequest struct {
	Model    string    `json:"model"`
	System   string    `json:"system,omitempty"`
	Messages []Message `json:"messages"`
}

type invokeResponse struct {
	Output struct {
		Text string `json:"text"`
	} `json:"output"`
	Usage struct {
		InputTokens      int64 `json:"inputTokens"`
		OutputTokens     int64 `json:"outputTokens"`
		CacheReadTokens  int64 `json:"cacheReadInputTokens"`
		CacheWriteTokens int64 `json:"cacheWriteInputTokens"`
	} `json:"usage"`
}

func NewHTTPClient(endpoint, apiKey string) *HTTPClient {
	settings := gobreaker.Settings{
		Name:        "inference",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}

	return &HTTPClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: 60 * time.Second},
		breaker:  gobreaker.NewCircuitBreaker(settings),
	}
}

func (c *HTTPClient) Invoke(ctx context.Context, modelRef string, messages []Message, system string) (*Result, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.invoke(ctx, modelRef, messages, system)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Result), nil
}

func (c *HTTPClient) invoke(ctx context.Context, modelRef string, messages []Message, system string) (*Result, error) {
	body, err := json.Marshal(invokeRequest{
		Model:    modelRef,
		System:   system,
		Messages: messages,
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1/invoke", c.endpoint)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("inference api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var invokeResp invokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&invokeResp); err != nil {
		return nil, err
	}

	return &Result{
		Text: invokeResp.Output.Text,
		Usage: Usage{
			InputTokens:      invokeResp.Usage.InputTokens,
			OutputTokens:     invokeResp.Usage.OutputTokens,
			CacheReadTokens:  invokeResp.Usage.CacheReadTokens,
			CacheWriteTokens: invokeResp.Usage.CacheWriteTokens,
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}
