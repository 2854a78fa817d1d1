package usage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wanderplan/llm-gateway/models"
	"github.com/wanderplan/llm-gateway/repositories"
)

// MemorySink keeps a bounded ring of raw entries plus per-tenant daily
// rollups. It is the default sink for single-instance deployments; the
// Postgres repository replaces it when durable analytics are wanted.
type MemorySink struct {
	mu       sync.RWMutex
	ring     []*models.UsageLogEntry
	next     int
	filled   bool
	rollups  map[string]*models.UsageSummary // key: tenantID + "\x00" + day
	capacity int
}

var _ repositories.UsageLogRepository = (*MemorySink)(nil)

func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemorySink{
		ring:     make([]*models.UsageLogEntry, capacity),
		rollups:  make(map[string]*models.UsageSummary),
		capacity: capacity,
	}
}

// Insert appends the entry to the ring and folds it into its tenant-day
// rollup. Rollups survive ring eviction, so analytics stay accurate even
// after raw entries rotate out.
func (s *MemorySink) Insert(_ context.Context, entry *models.UsageLogEntry) error {
	day := entry.CreatedAt.UTC().Format("2006-01-02")
	key := entry.TenantID + "\x00" + day

	s.mu.Lock()
	defer s.mu.Unlock()

	s.ring[s.next] = entry
	s.next++
	if s.next == s.capacity {
		s.next = 0
		s.filled = true
	}

	r, ok := s.rollups[key]
	if !ok {
		r = &models.UsageSummary{TenantID: entry.TenantID, Day: day}
		s.rollups[key] = r
	}
	r.Entries++
	switch entry.Status {
	case models.UsageStatusSuccess:
		// AvgLatencyMS is maintained incrementally over successes.
		r.AvgLatencyMS = (r.AvgLatencyMS*float64(r.Successes) + float64(entry.LatencyMS)) / float64(r.Successes+1)
		r.Successes++
	case models.UsageStatusFailure:
		r.Failures++
	case models.UsageStatusCacheHit:
		r.CacheHits++
	case models.UsageStatusCoalesced:
		r.Coalesced++
	case models.UsageStatusRejected:
		r.Rejected++
	}
	r.InputTokens += entry.InputTokens
	r.OutputTokens += entry.OutputTokens
	r.CostUSD += entry.CostUSD

	return nil
}

// Summaries returns rollups at or after since, newest day first. Empty
// tenantID matches every tenant.
func (s *MemorySink) Summaries(_ context.Context, tenantID string, since time.Time) ([]models.UsageSummary, error) {
	sinceDay := since.UTC().Format("2006-01-02")

	s.mu.RLock()
	out := make([]models.UsageSummary, 0, len(s.rollups))
	for _, r := range s.rollups {
		if tenantID != "" && r.TenantID != tenantID {
			continue
		}
		if r.Day < sinceDay {
			continue
		}
		out = append(out, *r)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Day != out[j].Day {
			return out[i].Day > out[j].Day
		}
		return out[i].TenantID < out[j].TenantID
	})
	return out, nil
}

// Recent returns the newest raw entries for a tenant, newest first.
func (s *MemorySink) Recent(_ context.Context, tenantID string, limit int) ([]*models.UsageLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	size := s.next
	if s.filled {
		size = s.capacity
	}

	out := make([]*models.UsageLogEntry, 0, limit)
	// Walk backwards from the most recently written slot.
	for i := 1; i <= size && len(out) < limit; i++ {
		idx := (s.next - i + s.capacity) % s.capacity
		entry := s.ring[idx]
		if entry == nil {
			break
		}
		if tenantID != "" && entry.TenantID != tenantID {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}
