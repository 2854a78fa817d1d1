package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/wanderplan/llm-gateway/config"
	"github.com/wanderplan/llm-gateway/models"
	"github.com/wanderplan/llm-gateway/services"
	"github.com/wanderplan/llm-gateway/services/providers"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	apiVersion     = "2023-06-01"

	// The messages API requires max_tokens; this floor applies if a request
	// somehow arrives without one.
	fallbackMaxTokens = 512
)

// Adapter calls the Anthropic messages API. Like its openai sibling it
// never retries: failure handling belongs to the fallback loop.
type Adapter struct {
	cfg    config.ProviderConfig
	client *http.Client
	sem    *semaphore.Weighted
	models func() []string
	logger *zap.Logger
}

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
	return "anthropic"
}

func (a *Adapter) Models() []string {
	if a.models == nil {
		return nil
	}
	return a.models()
}

func (a *Adapter) Execute(ctx context.Context, req *models.LLMRequest, model string) (*providers.Result, error) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return nil, services.NewServiceUnavailableError("anthropic concurrency slot unavailable", err)
	}
	defer a.sem.Release(1)

	start := time.Now()

	body, err := json.Marshal(a.buildRequest(req, model))
	if err != nil {
		return nil, services.NewInternalError("encode anthropic request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.cfg.BaseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, services.NewInternalError("build anthropic request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, services.NewServiceUnavailableError("anthropic request failed", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, services.NewServiceUnavailableError("read anthropic response", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, a.translateError(httpResp.StatusCode, respBody)
	}

	var resp messageResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, services.NewServiceUnavailableError("malformed anthropic response", err)
	}

	content := resp.Text()
	if content == "" {
		return nil, services.NewServiceUnavailableError("anthropic returned no content", nil)
	}

	usage := models.TokenUsage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	if usage.TotalTokens == 0 {
		usage = providers.FallbackUsage(req.Prompt, content)
	}

	modelUsed := resp.Model
	if modelUsed == "" {
		modelUsed = model
	}

	a.logger.Debug("anthropic completion",
		zap.String("model", modelUsed),
		zap.Int("total_tokens", usage.TotalTokens),
		zap.Duration("latency", time.Since(start)))

	return &providers.Result{
		Content:      content,
		FinishReason: normalizeStopReason(resp.StopReason),
		ModelUsed:    modelUsed,
		Usage:        usage,
	}, nil
}

func (a *Adapter) buildRequest(req *models.LLMRequest, model string) *messageRequest {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = fallbackMaxTokens
	}

	out := &messageRequest{
		Model:     model,
		MaxTokens: maxTokens,
		Messages: []message{
			{Role: "user", Content: req.Prompt},
		},
	}
	if req.Temperature > 0 {
		// The messages API caps temperature at 1.0.
		temp := req.Temperature
		if temp > 1.0 {
			temp = 1.0
		}
		out.Temperature = &temp
	}
	return out
}

func (a *Adapter) translateError(status int, body []byte) error {
	msg := fmt.Sprintf("anthropic returned status %d", status)
	var parsed errorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		msg = "anthropic: " + parsed.Error.Message
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

// normalizeStopReason maps messages-API stop reasons onto the finish
// reasons the rest of the gateway speaks.
func normalizeStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}

// Wire types for the messages endpoint.

type messageRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Messages    []message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messageResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      usage          `json:"usage"`
}

// Text joins the response's text blocks.
func (r *messageResponse) Text() string {
	var sb strings.Builder
	for _, block := range r.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type errorResponse struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
