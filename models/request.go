package models

import (
	"strings"

	"github.com/google/uuid"
)

// TaskType classifies what the caller wants the model to do. It drives
// cache TTL selection and capability matching during routing.
type TaskType string

const (
	TaskGeneral   TaskType = "general"
	TaskSummarize TaskType = "summarize"
	TaskClassify  TaskType = "classify"
	TaskExtract   TaskType = "extract"
	TaskCreative  TaskType = "creative"
)

// ValidTaskTypes lists every accepted task type.
var ValidTaskTypes = []TaskType{
	TaskGeneral,
	TaskSummarize,
	TaskClassify,
	TaskExtract,
	TaskCreative,
}

// IsValid reports whether the task type is one of the known values.
func (t TaskType) IsValid() bool {
	for _, v := range ValidTaskTypes {
		if t == v {
			return true
		}
	}
	return false
}

// Priority represents the caller-declared urgency of a request
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// IsValid reports whether the priority is one of the known values.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return true
	}
	return false
}

// LLMRequest is the canonical request accepted by the gateway. It is
// immutable once Normalize has run; every later pipeline stage reads it,
// none mutates it.
type LLMRequest struct {
	// Identity
	RequestID string `json:"request_id"`
	TenantID  string `json:"tenant_id"`
	UserID    string `json:"user_id"`

	// Content
	Prompt   string   `json:"prompt"`
	TaskType TaskType `json:"task_type"`
	Priority Priority `json:"priority"`

	// Model selection hints
	PreferredModel string   `json:"preferred_model,omitempty"`
	AvoidModels    []string `json:"avoid_models,omitempty"`

	// Generation parameters
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Stream      bool    `json:"stream"`
}

// Normalize fills derived defaults: a generated request ID when the client
// did not supply one, the general task type, and normal priority.
func (r *LLMRequest) Normalize() {
	if strings.TrimSpace(r.RequestID) == "" {
		r.RequestID = uuid.New().String()
	}
	if r.TaskType == "" {
		r.TaskType = TaskGeneral
	}
	if r.Priority == "" {
		r.Priority = PriorityNormal
	}
	r.Prompt = strings.TrimSpace(r.Prompt)
}

// Avoids reports whether the given model is on the request's avoid-list.
func (r *LLMRequest) Avoids(model string) bool {
	for _, m := range r.AvoidModels {
		if m == model {
			return true
		}
	}
	return false
}

// EstimatePromptTokens approximates the input token count from prompt
// length. Roughly 4 characters per token for English text; the exact count
// comes back from the provider after a real call.
func (r *LLMRequest) EstimatePromptTokens() int {
	n := len(r.Prompt) / 4
	if n == 0 && len(r.Prompt) > 0 {
		n = 1
	}
	return n
}
