package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	Reason    string
}

// window holds one tenant's request timestamps for the sliding minute,
// oldest first. Guarded by mu.
type window struct {
	mu     sync.Mutex
	events []time.Time
}

// prune drops events at or before cutoff. Caller holds mu.
func (w *window) prune(cutoff time.Time) {
	i := 0
	for i < len(w.events) && !w.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}

// Limiter enforces per-tenant requests-per-minute over a sliding window.
// Check and record happen in one critical section, so concurrent requests
// for the same tenant cannot race past the limit.
type Limiter struct {
	mu      sync.RWMutex
	windows map[string]*window
	logger  *zap.Logger
	clock   func() time.Time
}

func NewLimiter(logger *zap.Logger) *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		logger:  logger,
		clock:   time.Now,
	}
}

func (l *Limiter) forTenant(tenantID string) *window {
	l.mu.RLock()
	w, ok := l.windows[tenantID]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.windows[tenantID]; ok {
		return w
	}
	w = &window{}
	l.windows[tenantID] = w
	return w
}

// Allow admits the request if the tenant is under its per-minute limit and
// records it in the same step. A limit of zero means unlimited. Denied
// requests consume nothing.
func (l *Limiter) Allow(tenantID string, limit int) *Result {
	if limit <= 0 {
		return &Result{Allowed: true, Remaining: -1}
	}

	w := l.forTenant(tenantID)
	now := l.clock()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now.Add(-time.Minute))

	if len(w.events) >= limit {
		return &Result{
			Allowed:   false,
			Limit:     limit,
			Remaining: 0,
			ResetAt:   w.events[0].Add(time.Minute),
			Reason:    fmt.Sprintf("exceeded %d requests per minute", limit),
		}
	}

	w.events = append(w.events, now)
	return &Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - len(w.events),
		ResetAt:   now.Add(time.Minute),
	}
}

// Current reports how many requests the tenant has made in the last minute.
func (l *Limiter) Current(tenantID string) int {
	l.mu.RLock()
	w, ok := l.windows[tenantID]
	l.mu.RUnlock()
	if !ok {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(l.clock().Add(-time.Minute))
	return len(w.events)
}

// CleanupStale removes windows with no live events so idle tenants do not
// pin memory.
func (l *Limiter) CleanupStale() int {
	cutoff := l.clock().Add(-time.Minute)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, w := range l.windows {
		w.mu.Lock()
		w.prune(cutoff)
		empty := len(w.events) == 0
		w.mu.Unlock()
		if empty {
			delete(l.windows, id)
			removed++
		}
	}
	return removed
}

// StartCleanupWorker periodically removes idle windows until ctx is done.
func (l *Limiter) StartCleanupWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.logger.Info("started rate limit cleanup worker",
		zap.Duration("interval", interval))

	for {
		select {
		case <-ticker.C:
			if n := l.CleanupStale(); n > 0 {
				l.logger.Debug("dropped idle rate limit windows", zap.Int("count", n))
			}
		case <-ctx.Done():
			l.logger.Info("stopping rate limit cleanup worker")
			return
		}
	}
}
