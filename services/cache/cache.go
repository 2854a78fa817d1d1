package cache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wanderplan/llm-gateway/config"
	"github.com/wanderplan/llm-gateway/models"
)

// Store is a cache backend. Entries carry their own TTL so backends with
// native expiry (Redis) and without (memory) behave the same.
type Store interface {
	Get(ctx context.Context, key string) (*models.CacheEntry, bool, error)
	Set(ctx context.Context, key string, entry *models.CacheEntry) error
	// Invalidate removes every entry whose key matches the glob pattern and
	// returns how many were removed.
	Invalidate(ctx context.Context, pattern string) (int, error)
	Entries(ctx context.Context) (int, error)
	Close() error
}

// Key derives the canonical cache key for a request. The tenant ID prefixes
// the key so entries never cross tenants and tenant-scoped invalidation is a
// glob away; the hash covers every field that changes the answer.
func Key(req *models.LLMRequest) string {
	model := req.PreferredModel
	if model == "" {
		model = "auto"
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d\x00%.2f",
		req.Prompt, model, req.TaskType, req.MaxTokens, req.Temperature)
	return fmt.Sprintf("t:%s:%x", req.TenantID, h.Sum(nil))
}

// Manager fronts the configured Store with hit/miss accounting and the
// per-task TTL policy. Whether a request is cacheable at all is the
// pipeline's call, not the Manager's.
type Manager struct {
	store  Store
	cfg    config.CacheConfig
	logger *zap.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
}

func NewManager(store Store, cfg config.CacheConfig, logger *zap.Logger) *Manager {
	return &Manager{
		store:  store,
		cfg:    cfg,
		logger: logger,
	}
}

// TTLFor maps a task type to its retention: stable transformations keep
// their answers long, creative output goes stale fast.
func (m *Manager) TTLFor(task models.TaskType) time.Duration {
	switch task {
	case models.TaskClassify, models.TaskExtract:
		return m.cfg.StableTTL
	case models.TaskCreative:
		return m.cfg.VolatileTTL
	default:
		return m.cfg.DefaultTTL
	}
}

// Get returns the live entry for key, if any. Backend errors degrade to a
// miss: a broken cache must never fail a request.
func (m *Manager) Get(ctx context.Context, key string) (*models.CacheEntry, bool) {
	entry, ok, err := m.store.Get(ctx, key)
	if err != nil {
		m.logger.Warn("cache lookup failed", zap.String("key", key), zap.Error(err))
		m.misses.Add(1)
		return nil, false
	}
	if !ok {
		m.misses.Add(1)
		return nil, false
	}
	m.hits.Add(1)
	return entry, true
}

// Set stores an entry under key with the given TTL. Failures are logged and
// swallowed for the same reason Get degrades.
func (m *Manager) Set(ctx context.Context, key string, entry *models.CacheEntry, ttl time.Duration) {
	entry.Key = key
	entry.TTL = ttl
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if err := m.store.Set(ctx, key, entry); err != nil {
		m.logger.Warn("cache store failed", zap.String("key", key), zap.Error(err))
	}
}

// Invalidate removes all entries matching the glob pattern, e.g.
// "t:acme:*" for one tenant or "*" for everything.
func (m *Manager) Invalidate(ctx context.Context, pattern string) (int, error) {
	removed, err := m.store.Invalidate(ctx, pattern)
	if err != nil {
		return 0, err
	}
	m.logger.Info("cache invalidated",
		zap.String("pattern", pattern),
		zap.Int("removed", removed))
	return removed, nil
}

// Clear drops every entry.
func (m *Manager) Clear(ctx context.Context) (int, error) {
	return m.Invalidate(ctx, "*")
}

// Stats describes the cache as seen through this Manager.
type Stats struct {
	Backend   string  `json:"backend"`
	Entries   int     `json:"entries"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	HitRate   float64 `json:"hit_rate"`
	Evictions uint64  `json:"evictions,omitempty"`
}

func (m *Manager) Stats(ctx context.Context) Stats {
	entries, err := m.store.Entries(ctx)
	if err != nil {
		m.logger.Warn("cache size lookup failed", zap.Error(err))
		entries = -1
	}

	hits := m.hits.Load()
	misses := m.misses.Load()
	s := Stats{
		Backend: m.cfg.Backend,
		Entries: entries,
		Hits:    hits,
		Misses:  misses,
	}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	// Only the memory backend counts its own evictions; Redis evicts
	// internally.
	if ec, ok := m.store.(interface{ Evictions() uint64 }); ok {
		s.Evictions = ec.Evictions()
	}
	return s
}

func (m *Manager) Close() error {
	return m.store.Close()
}
