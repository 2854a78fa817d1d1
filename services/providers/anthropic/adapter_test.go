package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wanderplan/llm-gateway/config"
	"github.com/wanderplan/llm-gateway/models"
	"github.com/wanderplan/llm-gateway/services"
)

func testRequest() *models.LLMRequest {
	return &models.LLMRequest{
		RequestID:   "req-1",
		TenantID:    "acme",
		UserID:      "user-7",
		Prompt:      "Summarize this itinerary",
		TaskType:    models.TaskSummarize,
		MaxTokens:   200,
		Temperature: 0.4,
	}
}

func newTestAdapter(baseURL string, maxConcurrent int) *Adapter {
	return New(config.ProviderConfig{
		APIKey:        "test-key",
		BaseURL:       baseURL,
		Timeout:       5 * time.Second,
		MaxConcurrent: maxConcurrent,
	}, nil, zap.NewNop())
}

func successResponse(model, text, stopReason string, in, out int) messageResponse {
	return messageResponse{
		ID:         "msg-1",
		Model:      model,
		Content:    []contentBlock{{Type: "text", Text: text}},
		StopReason: stopReason,
		Usage:      usage{InputTokens: in, OutputTokens: out},
	}
}

func TestNewDefaults(t *testing.T) {
	a := New(config.ProviderConfig{APIKey: "k"}, nil, zap.NewNop())

	assert.Equal(t, "anthropic", a.Name())
	assert.Equal(t, defaultBaseURL, a.cfg.BaseURL)
	assert.Equal(t, 30*time.Second, a.cfg.Timeout)
	assert.Nil(t, a.Models())

	a = New(config.ProviderConfig{APIKey: "k"}, func() []string { return []string{"claude-3-5-haiku"} }, zap.NewNop())
	assert.Equal(t, []string{"claude-3-5-haiku"}, a.Models())
}

func TestExecuteSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, apiVersion, r.Header.Get("anthropic-version"))
		assert.Empty(t, r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		var req messageRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "claude-3-5-haiku", req.Model)
		assert.Equal(t, 200, req.MaxTokens)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)
		assert.Equal(t, "Summarize this itinerary", req.Messages[0].Content)
		require.NotNil(t, req.Temperature)
		assert.InDelta(t, 0.4, *req.Temperature, 0.001)

		json.NewEncoder(w).Encode(successResponse("claude-3-5-haiku-20241022", "Three days, two cities.", "end_turn", 12, 8))
	}))
	defer server.Close()

	a := newTestAdapter(server.URL, 4)
	res, err := a.Execute(context.Background(), testRequest(), "claude-3-5-haiku")

	require.NoError(t, err)
	assert.Equal(t, "Three days, two cities.", res.Content)
	assert.Equal(t, "stop", res.FinishReason)
	assert.Equal(t, "claude-3-5-haiku-20241022", res.ModelUsed)
	assert.Equal(t, 12, res.Usage.InputTokens)
	assert.Equal(t, 8, res.Usage.OutputTokens)
	assert.Equal(t, 20, res.Usage.TotalTokens)
}

func TestExecuteVersionedBaseURLPath(t *testing.T) {
	// Base URLs carry the API version prefix, as defaultBaseURL does.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		json.NewEncoder(w).Encode(successResponse("claude-3-5-haiku", "ok", "end_turn", 1, 1))
	}))
	defer server.Close()

	a := newTestAdapter(server.URL+"/v1", 4)
	_, err := a.Execute(context.Background(), testRequest(), "claude-3-5-haiku")
	require.NoError(t, err)
}

func TestExecuteJoinsTextBlocks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(messageResponse{
			Model: "claude-3-5-haiku",
			Content: []contentBlock{
				{Type: "text", Text: "First. "},
				{Type: "tool_use"},
				{Type: "text", Text: "Second."},
			},
			StopReason: "end_turn",
			Usage:      usage{InputTokens: 1, OutputTokens: 1},
		})
	}))
	defer server.Close()

	a := newTestAdapter(server.URL, 4)
	res, err := a.Execute(context.Background(), testRequest(), "claude-3-5-haiku")

	require.NoError(t, err)
	assert.Equal(t, "First. Second.", res.Content)
}

func TestExecuteMaxTokensFloor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req messageRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, fallbackMaxTokens, req.MaxTokens)

		json.NewEncoder(w).Encode(successResponse("claude-3-5-haiku", "ok", "end_turn", 1, 1))
	}))
	defer server.Close()

	req := testRequest()
	req.MaxTokens = 0

	a := newTestAdapter(server.URL, 4)
	_, err := a.Execute(context.Background(), req, "claude-3-5-haiku")
	require.NoError(t, err)
}

func TestExecuteClampsTemperature(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req messageRequest
		require.NoError(t, json.Unmarshal(body, &req))
		require.NotNil(t, req.Temperature)
		assert.InDelta(t, 1.0, *req.Temperature, 0.001)

		json.NewEncoder(w).Encode(successResponse("claude-3-5-haiku", "ok", "end_turn", 1, 1))
	}))
	defer server.Close()

	req := testRequest()
	req.Temperature = 1.8

	a := newTestAdapter(server.URL, 4)
	_, err := a.Execute(context.Background(), req, "claude-3-5-haiku")
	require.NoError(t, err)
}

func TestStopReasonMapping(t *testing.T) {
	tests := []struct {
		upstream string
		want     string
	}{
		{"end_turn", "stop"},
		{"stop_sequence", "stop"},
		{"max_tokens", "length"},
		{"tool_use", "tool_use"},
	}
	for _, tt := range tests {
		t.Run(tt.upstream, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(successResponse("claude-3-5-haiku", "ok", tt.upstream, 1, 1))
			}))
			defer server.Close()

			a := newTestAdapter(server.URL, 4)
			res, err := a.Execute(context.Background(), testRequest(), "claude-3-5-haiku")

			require.NoError(t, err)
			assert.Equal(t, tt.want, res.FinishReason)
		})
	}
}

func TestExecuteTranslatesErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCode  services.ErrorCode
		retryable bool
	}{
		{"unauthorized", http.StatusUnauthorized, services.ErrCodeAuthentication, false},
		{"forbidden", http.StatusForbidden, services.ErrCodeAuthentication, false},
		{"rate limited", http.StatusTooManyRequests, services.ErrCodeRateLimitExceeded, true},
		{"bad request", http.StatusBadRequest, services.ErrCodeValidation, false},
		{"overloaded", http.StatusServiceUnavailable, services.ErrCodeServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(map[string]any{
					"type":  "error",
					"error": map[string]any{"type": "test_error", "message": "upstream says no"},
				})
			}))
			defer server.Close()

			a := newTestAdapter(server.URL, 4)
			_, err := a.Execute(context.Background(), testRequest(), "claude-3-5-haiku")

			require.Error(t, err)
			gerr, ok := services.AsGatewayError(err)
			require.True(t, ok, "adapters only raise gateway errors")
			assert.Equal(t, tt.wantCode, gerr.Code)
			assert.Equal(t, tt.retryable, gerr.Retryable)
			assert.Contains(t, gerr.Message, "upstream says no")
		})
	}
}

func TestExecuteFallbackUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(messageResponse{
			Model:      "claude-3-5-haiku",
			Content:    []contentBlock{{Type: "text", Text: "abcdefgh"}},
			StopReason: "end_turn",
		})
	}))
	defer server.Close()

	a := newTestAdapter(server.URL, 4)
	res, err := a.Execute(context.Background(), testRequest(), "claude-3-5-haiku")

	require.NoError(t, err)
	assert.Equal(t, len("Summarize this itinerary")/4, res.Usage.InputTokens)
	assert.Equal(t, 2, res.Usage.OutputTokens)
}

func TestExecuteNoContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(messageResponse{Model: "claude-3-5-haiku", StopReason: "end_turn"})
	}))
	defer server.Close()

	a := newTestAdapter(server.URL, 4)
	_, err := a.Execute(context.Background(), testRequest(), "claude-3-5-haiku")

	assert.True(t, services.IsServiceUnavailableError(err))
}
