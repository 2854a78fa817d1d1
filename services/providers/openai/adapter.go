package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/wanderplan/llm-gateway/config"
	"github.com/wanderplan/llm-gateway/models"
	"github.com/wanderplan/llm-gateway/services"
	"github.com/wanderplan/llm-gateway/services/providers"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Adapter calls the OpenAI chat completions API. Retries are deliberately
// absent: the fallback loop upstream decides what happens after a failure,
// and a hidden retry here would double-charge the attempt budget.
type Adapter struct {
	cfg    config.ProviderConfig
	client *http.Client
	sem    *semaphore.Weighted
	models func() []string
	logger *zap.Logger
}

// New builds the adapter. modelSource supplies the catalog's current model
// IDs for this provider; it may be nil.
func New(cfg config.ProviderConfig, modelSource func() []string, logger *zap.Logger) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 64
	}

	return &Adapter{
		cfg:    cfg,
		client: providers.NewHTTPClient(cfg.Timeout),
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		models: modelSource,
		logger: logger,
	}
}

func (a *Adapter) Name() string {
	return "openai"
}

func (a *Adapter) Models() []string {
	if a.models == nil {
		return nil
	}
	return a.models()
}

func (a *Adapter) Execute(ctx context.Context, req *models.LLMRequest, model string) (*providers.Result, error) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return nil, services.NewServiceUnavailableError("openai concurrency slot unavailable", err)
	}
	defer a.sem.Release(1)

	start := time.Now()

	body, err := json.Marshal(a.buildRequest(req, model))
	if err != nil {
		return nil, services.NewInternalError("encode openai request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, services.NewInternalError("build openai request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, services.NewServiceUnavailableError("openai request failed", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, services.NewServiceUnavailableError("read openai response", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, a.translateError(httpResp.StatusCode, respBody)
	}

	var resp chatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, services.NewServiceUnavailableError("malformed openai response", err)
	}
	if len(resp.Choices) == 0 {
		return nil, services.NewServiceUnavailableError("openai returned no choices", nil)
	}

	choice := resp.Choices[0]
	usage := models.TokenUsage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		TotalTokens:  resp.Usage.TotalTokens,
	}
	if usage.TotalTokens == 0 {
		usage = providers.FallbackUsage(req.Prompt, choice.Message.Content)
	}

	modelUsed := resp.Model
	if modelUsed == "" {
		modelUsed = model
	}

	a.logger.Debug("openai completion",
		zap.String("model", modelUsed),
		zap.Int("total_tokens", usage.TotalTokens),
		zap.Duration("latency", time.Since(start)))

	return &providers.Result{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		ModelUsed:    modelUsed,
		Usage:        usage,
	}, nil
}

func (a *Adapter) buildRequest(req *models.LLMRequest, model string) *chatRequest {
	out := &chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "user", Content: req.Prompt},
		},
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = &req.MaxTokens
	}
	if req.Temperature > 0 {
		out.Temperature = &req.Temperature
	}
	if req.UserID != "" {
		out.User = req.UserID
	}
	return out
}

// translateError maps an OpenAI error response onto the gateway taxonomy.
// The provider's own error type never crosses this boundary.
func (a *Adapter) translateError(status int, body []byte) error {
	msg := fmt.Sprintf("openai returned status %d", status)
	var parsed errorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		msg = "openai: " + parsed.Error.Message
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return services.NewAuthenticationError(services.ScopeProvider, msg)
	case status == http.StatusTooManyRequests:
		return services.NewRateLimitError(services.ScopeProvider, msg)
	case status >= 500:
		return services.NewServiceUnavailableError(msg, nil)
	case status == http.StatusBadRequest || status == http.StatusNotFound ||
		status == http.StatusUnprocessableEntity:
		return services.NewValidationError(msg)
	default:
		return services.NewServiceUnavailableError(msg, nil)
	}
}

// Wire types for the chat completions endpoint.

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	User        string        `json:"user,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}
