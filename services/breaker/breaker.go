package breaker

import (
	"sync"
	"time"
)

// State is the health state of one provider's breaker.
type State string

const (
	// StateClosed: attempts flow normally; consecutive failures are counted.
	StateClosed State = "CLOSED"
	// StateOpen: attempts are short-circuited until the cool-down deadline.
	StateOpen State = "OPEN"
	// StateHalfOpen: exactly one probe attempt may pass; everyone else is
	// treated as OPEN until the probe resolves.
	StateHalfOpen State = "HALF_OPEN"
)

// Config tunes the per-provider state machine.
type Config struct {
	// FailureThreshold consecutive failures within FailureWindow trip the
	// breaker.
	FailureThreshold int
	FailureWindow    time.Duration
	// Cooldown is the initial open interval. Each failed probe doubles the
	// next interval up to CooldownMax; a successful probe resets it.
	Cooldown    time.Duration
	CooldownMax time.Duration
}

// Breaker is the state machine for a single provider. All fields are
// guarded by mu; every transition happens inside one critical section so
// concurrent checks and reports observe a consistent state.
type Breaker struct {
	mu    sync.Mutex
	cfg   Config
	clock func() time.Time

	state               State
	consecutiveFailures int
	lastFailure         time.Time
	lastSuccess         time.Time
	openedAt            time.Time
	cooldownUntil       time.Time
	cooldown            time.Duration
	probeInFlight       bool
}

func newBreaker(cfg Config, clock func() time.Time) *Breaker {
	return &Breaker{
		cfg:      cfg,
		clock:    clock,
		state:    StateClosed,
		cooldown: cfg.Cooldown,
	}
}

// allow decides whether an attempt may be dispatched right now, and whether
// a transition happened. Caller holds the lock.
func (b *Breaker) allow() bool {
	now := b.clock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if now.Before(b.cooldownUntil) {
			return false
		}
		// Cool-down elapsed: this caller becomes the half-open probe.
		b.state = StateHalfOpen
		b.probeInFlight = true
		return true

	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

// recordSuccess resets the failure run and closes a half-open breaker.
// Caller holds the lock.
func (b *Breaker) recordSuccess() {
	now := b.clock()
	b.lastSuccess = now
	b.consecutiveFailures = 0

	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.probeInFlight = false
		b.cooldown = b.cfg.Cooldown
	}
	// A straggler success while OPEN does not close the breaker: the trip
	// decision stands until a cool-down probe confirms recovery.
}

// recordFailure advances the failure run, trips a closed breaker at the
// threshold, and re-opens a half-open one with doubled cool-down. Caller
// holds the lock. Returns the state after the report.
func (b *Breaker) recordFailure() State {
	now := b.clock()

	switch b.state {
	case StateClosed:
		// A gap longer than the window ends the previous run.
		if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.cfg.FailureWindow {
			b.consecutiveFailures = 0
		}
		b.consecutiveFailures++
		b.lastFailure = now
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.trip(now)
		}

	case StateHalfOpen:
		// The probe failed: back off harder.
		b.lastFailure = now
		b.consecutiveFailures++
		b.probeInFlight = false
		b.cooldown = minDuration(b.cooldown*2, b.cfg.CooldownMax)
		b.trip(now)

	case StateOpen:
		// Straggler from an attempt dispatched before the trip.
		b.lastFailure = now
	}
	return b.state
}

func (b *Breaker) trip(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.cooldownUntil = now.Add(b.cooldown)
}

// effectiveState is the state as routing should see it: an open breaker
// whose cool-down has elapsed is probe-eligible, so it reads as HALF_OPEN
// even though the stored transition happens on the next allow. Caller holds
// the lock.
func (b *Breaker) effectiveState() State {
	if b.state == StateOpen && !b.clock().Before(b.cooldownUntil) {
		return StateHalfOpen
	}
	return b.state
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
