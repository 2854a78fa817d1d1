package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// ProviderHealth is the per-provider view exposed on the admin health
// endpoint and consumed by routing.
type ProviderHealth struct {
	Provider            string    `json:"provider"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
}

// Registry holds one Breaker per provider, created lazily on first use so
// providers registered at runtime get a breaker without extra wiring.
type Registry struct {
	mu       sync.RWMutex
	cfg      Config
	breakers map[string]*Breaker
	logger   *zap.Logger
	clock    func() time.Time
}

func NewRegistry(cfg Config, logger *zap.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
		logger:   logger,
		clock:    time.Now,
	}
}

func (r *Registry) forProvider(provider string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[provider]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[provider]; ok {
		return b
	}
	b = newBreaker(r.cfg, r.clock)
	r.breakers[provider] = b
	return b
}

// Allow reports whether an attempt against the provider may be dispatched.
// When an open breaker's cool-down has elapsed the caller is granted the
// single half-open probe; concurrent callers are rejected until that probe
// resolves through RecordSuccess or RecordFailure.
func (r *Registry) Allow(provider string) bool {
	b := r.forProvider(provider)

	b.mu.Lock()
	prev := b.state
	allowed := b.allow()
	cur := b.state
	b.mu.Unlock()

	if prev == StateOpen && cur == StateHalfOpen {
		r.logger.Info("circuit breaker half-open, probe dispatched",
			zap.String("provider", provider))
	}
	return allowed
}

// RecordSuccess reports a successful attempt against the provider.
func (r *Registry) RecordSuccess(provider string) {
	b := r.forProvider(provider)

	b.mu.Lock()
	prev := b.state
	b.recordSuccess()
	cur := b.state
	b.mu.Unlock()

	if prev == StateHalfOpen && cur == StateClosed {
		r.logger.Info("circuit breaker closed",
			zap.String("provider", provider))
	}
}

// RecordFailure reports a failed attempt against the provider. Cancelled
// and timed-out attempts count: callers report every dispatched attempt
// that did not succeed.
func (r *Registry) RecordFailure(provider string) {
	b := r.forProvider(provider)

	b.mu.Lock()
	prev := b.state
	cur := b.recordFailure()
	failures := b.consecutiveFailures
	until := b.cooldownUntil
	b.mu.Unlock()

	if prev != StateOpen && cur == StateOpen {
		r.logger.Warn("circuit breaker opened",
			zap.String("provider", provider),
			zap.Int("consecutive_failures", failures),
			zap.Time("cooldown_until", until))
	}
}

// State returns the provider's effective state. Providers never seen
// report CLOSED.
func (r *Registry) State(provider string) State {
	r.mu.RLock()
	b, ok := r.breakers[provider]
	r.mu.RUnlock()
	if !ok {
		return StateClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.effectiveState()
}

// Snapshot returns the effective state of every tracked provider. Routing
// uses it to order candidates by health class.
func (r *Registry) Snapshot() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		b.mu.Lock()
		out[name] = b.effectiveState()
		b.mu.Unlock()
	}
	return out
}

// Details returns the full per-provider health view for the admin surface.
func (r *Registry) Details() []ProviderHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ProviderHealth, 0, len(r.breakers))
	for name, b := range r.breakers {
		b.mu.Lock()
		h := ProviderHealth{
			Provider:            name,
			State:               b.effectiveState(),
			ConsecutiveFailures: b.consecutiveFailures,
			LastFailure:         b.lastFailure,
			LastSuccess:         b.lastSuccess,
		}
		if b.state == StateOpen {
			h.CooldownUntil = b.cooldownUntil
		}
		b.mu.Unlock()
		out = append(out, h)
	}
	return out
}
