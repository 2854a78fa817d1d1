package models

import "time"

// CacheEntry is the stored payload of one successful response. Entries are
// immutable: a Set with an existing key replaces the entry whole, and
// eviction (TTL or LRU) is the only other way one disappears.
type CacheEntry struct {
	Key string `json:"key"`

	// Payload carried forward to cache hits.
	Content      string     `json:"content"`
	FinishReason string     `json:"finish_reason,omitempty"`
	ModelUsed    string     `json:"model_used"`
	Provider     string     `json:"provider"`
	Usage        TokenUsage `json:"usage"`

	CreatedAt time.Time     `json:"created_at"`
	TTL       time.Duration `json:"ttl"`
	HitCount  int64         `json:"hit_count"`
}

// Expired reports whether the entry is past its TTL at the given instant.
func (e *CacheEntry) Expired(now time.Time) bool {
	return now.After(e.CreatedAt.Add(e.TTL))
}
