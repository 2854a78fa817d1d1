package models

import "time"

// TokenUsage holds the token counts reported by a provider for one real
// call. Cache hits carry the stored counts forward and never fabricate new
// ones.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add returns the element-wise sum of two usages.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
}

// LLMResponse is the canonical response returned by the gateway.
//
// Exactly one of two shapes holds: Cached=true with EstimatedCost 0 and no
// adapter call behind it, or Cached=false backed by one real provider call
// with a non-negative cost.
type LLMResponse struct {
	// Content
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`

	// What actually served the request
	ModelUsed string     `json:"model_used"`
	Provider  string     `json:"provider"`
	Usage     TokenUsage `json:"token_usage"`

	// Cost and latency
	EstimatedCost  float64 `json:"estimated_cost"`
	ResponseTimeMS int64   `json:"response_time_ms"`

	// Orchestration outcome flags
	Cached                 bool   `json:"cached"`
	FallbackUsed           bool   `json:"fallback_used"`
	OriginalModelAttempted string `json:"original_model_attempted,omitempty"`

	// Tracking
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}
