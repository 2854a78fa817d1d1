package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// Collector accumulates gateway counters. Everything on the request path is
// a plain atomic increment; the read side (the metrics endpoint) takes the
// lock only to copy per-provider maps.
type Collector struct {
	start time.Time

	requestsTotal    atomic.Int64
	requestsFailed   atomic.Int64
	cacheHits        atomic.Int64
	cacheMisses      atomic.Int64
	coalesced        atomic.Int64
	budgetDenials    atomic.Int64
	rateLimitDenials atomic.Int64

	mu        sync.RWMutex
	providers map[string]*providerCounters
}

type providerCounters struct {
	attempts       atomic.Int64
	failures       atomic.Int64
	totalLatencyMS atomic.Int64
}

// NewCollector creates a collector with the process start as its epoch.
func NewCollector() *Collector {
	return &Collector{
		start:     time.Now(),
		providers: make(map[string]*providerCounters),
	}
}

// RecordRequest counts one completed request and whether it failed.
func (c *Collector) RecordRequest(failed bool) {
	c.requestsTotal.Add(1)
	if failed {
		c.requestsFailed.Add(1)
	}
}

// RecordCacheLookup counts a cache hit or miss.
func (c *Collector) RecordCacheLookup(hit bool) {
	if hit {
		c.cacheHits.Add(1)
	} else {
		c.cacheMisses.Add(1)
	}
}

// RecordCoalesced counts a request served by a concurrent identical one.
func (c *Collector) RecordCoalesced() {
	c.coalesced.Add(1)
}

// RecordBudgetDenial counts an admission denial by budget.
func (c *Collector) RecordBudgetDenial() {
	c.budgetDenials.Add(1)
}

// RecordRateLimitDenial counts an admission denial by tenant rate limit.
func (c *Collector) RecordRateLimitDenial() {
	c.rateLimitDenials.Add(1)
}

// RecordAttempt counts one provider attempt with its outcome and latency.
func (c *Collector) RecordAttempt(provider string, success bool, latency time.Duration) {
	pc := c.counters(provider)
	pc.attempts.Add(1)
	if !success {
		pc.failures.Add(1)
	}
	pc.totalLatencyMS.Add(latency.Milliseconds())
}

func (c *Collector) counters(provider string) *providerCounters {
	c.mu.RLock()
	pc, ok := c.providers[provider]
	c.mu.RUnlock()
	if ok {
		return pc
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if pc, ok = c.providers[provider]; ok {
		return pc
	}
	pc = &providerCounters{}
	c.providers[provider] = pc
	return pc
}

// ProviderMetrics is the per-provider slice of a snapshot.
type ProviderMetrics struct {
	Attempts     int64   `json:"attempts"`
	Failures     int64   `json:"failures"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

// Snapshot is the point-in-time view served by the metrics endpoint.
type Snapshot struct {
	UptimeSeconds     float64                    `json:"uptime_seconds"`
	RequestsTotal     int64                      `json:"requests_total"`
	RequestsFailed    int64                      `json:"requests_failed"`
	RequestsPerSecond float64                    `json:"requests_per_second"`
	ErrorRate         float64                    `json:"error_rate"`
	CacheHits         int64                      `json:"cache_hits"`
	CacheMisses       int64                      `json:"cache_misses"`
	CacheHitRate      float64                    `json:"cache_hit_rate"`
	Coalesced         int64                      `json:"coalesced"`
	BudgetDenials     int64                      `json:"budget_denials"`
	RateLimitDenials  int64                      `json:"rate_limit_denials"`
	Providers         map[string]ProviderMetrics `json:"providers"`
}

// Snapshot returns current counter values with derived rates.
func (c *Collector) Snapshot() Snapshot {
	uptime := time.Since(c.start).Seconds()
	total := c.requestsTotal.Load()
	failed := c.requestsFailed.Load()
	hits := c.cacheHits.Load()
	misses := c.cacheMisses.Load()

	s := Snapshot{
		UptimeSeconds:    uptime,
		RequestsTotal:    total,
		RequestsFailed:   failed,
		CacheHits:        hits,
		CacheMisses:      misses,
		Coalesced:        c.coalesced.Load(),
		BudgetDenials:    c.budgetDenials.Load(),
		RateLimitDenials: c.rateLimitDenials.Load(),
		Providers:        make(map[string]ProviderMetrics),
	}
	if uptime > 0 {
		s.RequestsPerSecond = float64(total) / uptime
	}
	if total > 0 {
		s.ErrorRate = float64(failed) / float64(total)
	}
	if hits+misses > 0 {
		s.CacheHitRate = float64(hits) / float64(hits+misses)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for name, pc := range c.providers {
		attempts := pc.attempts.Load()
		pm := ProviderMetrics{
			Attempts: attempts,
			Failures: pc.failures.Load(),
		}
		if attempts > 0 {
			pm.AvgLatencyMS = float64(pc.totalLatencyMS.Load()) / float64(attempts)
		}
		s.Providers[name] = pm
	}
	return s
}
