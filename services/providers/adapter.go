package providers

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/wanderplan/llm-gateway/models"
)

// Result is the outcome of one provider attempt.
type Result struct {
	Content      string
	FinishReason string
	ModelUsed    string
	Usage        models.TokenUsage
}

// Adapter is the uniform seam in front of one upstream LLM provider. The
// pipeline only ever sees this interface; implementations translate wire
// errors into the gateway taxonomy and never leak provider-native shapes.
type Adapter interface {
	Name() string
	Execute(ctx context.Context, req *models.LLMRequest, model string) (*Result, error)
	Models() []string
}

// NewHTTPClient builds the pooled client the adapters share. The client
// timeout is a hard upper bound; per-attempt deadlines ride on the request
// context.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}
}

// FallbackUsage estimates token usage at roughly four characters per token
// for responses that arrive without usage counts.
func FallbackUsage(prompt, content string) models.TokenUsage {
	u := models.TokenUsage{
		InputTokens:  len(prompt) / 4,
		OutputTokens: len(content) / 4,
	}
	u.TotalTokens = u.InputTokens + u.OutputTokens
	return u
}
