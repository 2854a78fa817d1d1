package models

import (
	"time"

	"github.com/google/uuid"
)

// UsageStatus classifies the outcome a usage entry records.
type UsageStatus string

const (
	// UsageStatusSuccess: a provider call completed and was charged.
	UsageStatusSuccess UsageStatus = "success"
	// UsageStatusFailure: one candidate attempt failed; the request may
	// still have succeeded on a later candidate.
	UsageStatusFailure UsageStatus = "failure"
	// UsageStatusCacheHit: served from cache, no provider contacted.
	UsageStatusCacheHit UsageStatus = "cache_hit"
	// UsageStatusCoalesced: served from a concurrent identical in-flight
	// request, no provider call of its own.
	UsageStatusCoalesced UsageStatus = "coalesced"
	// UsageStatusRejected: denied before routing (validation, rate limit,
	// budget).
	UsageStatusRejected UsageStatus = "rejected"
)

// UsageLogEntry is the immutable, append-only record of one attempt or
// terminal outcome. Every candidate failure gets its own entry even when a
// later candidate succeeds.
type UsageLogEntry struct {
	ID        uuid.UUID `json:"id" db:"id"`
	RequestID string    `json:"request_id" db:"request_id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	UserID    string    `json:"user_id" db:"user_id"`

	Provider string   `json:"provider,omitempty" db:"provider"`
	Model    string   `json:"model,omitempty" db:"model"`
	TaskType TaskType `json:"task_type" db:"task_type"`

	Status    UsageStatus `json:"status" db:"status"`
	ErrorCode string      `json:"error_code,omitempty" db:"error_code"`

	InputTokens  int     `json:"input_tokens" db:"input_tokens"`
	OutputTokens int     `json:"output_tokens" db:"output_tokens"`
	CostUSD      float64 `json:"cost_usd" db:"cost_usd"`
	LatencyMS    int64   `json:"latency_ms" db:"latency_ms"`

	FallbackUsed  bool `json:"fallback_used" db:"fallback_used"`
	AttemptNumber int  `json:"attempt_number" db:"attempt_number"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the UsageLogEntry model
func (UsageLogEntry) TableName() string {
	return "usage_log"
}

// UsageSummary is a per-tenant, per-day rollup of usage entries. Day uses
// the same "2006-01-02" key the budget ledger rolls on.
type UsageSummary struct {
	TenantID     string  `json:"tenant_id" db:"tenant_id"`
	Day          string  `json:"day" db:"day"`
	Entries      int     `json:"entries" db:"entries"`
	Successes    int     `json:"successes" db:"successes"`
	Failures     int     `json:"failures" db:"failures"`
	CacheHits    int     `json:"cache_hits" db:"cache_hits"`
	Coalesced    int     `json:"coalesced" db:"coalesced"`
	Rejected     int     `json:"rejected" db:"rejected"`
	InputTokens  int     `json:"input_tokens" db:"input_tokens"`
	OutputTokens int     `json:"output_tokens" db:"output_tokens"`
	CostUSD      float64 `json:"cost_usd" db:"cost_usd"`
	// AvgLatencyMS averages provider latency over successful entries only.
	AvgLatencyMS float64 `json:"avg_latency_ms" db:"avg_latency_ms"`
}

// NewUsageLogEntry creates an entry stamped with a fresh ID and timestamp.
func NewUsageLogEntry(req *LLMRequest, status UsageStatus) *UsageLogEntry {
	return &UsageLogEntry{
		ID:        uuid.New(),
		RequestID: req.RequestID,
		TenantID:  req.TenantID,
		UserID:    req.UserID,
		TaskType:  req.TaskType,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
}
