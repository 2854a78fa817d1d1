package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		FailureWindow:    time.Minute,
		Cooldown:         30 * time.Second,
		CooldownMax:      4 * time.Minute,
	}
}

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	r := NewRegistry(testConfig(), zap.NewNop())
	r.clock = clk.Now
	return r, clk
}

func failTimes(r *Registry, provider string, n int) {
	for i := 0; i < n; i++ {
		r.RecordFailure(provider)
	}
}

func TestRegistryAllowsUnknownProvider(t *testing.T) {
	r, _ := newTestRegistry(t)

	assert.True(t, r.Allow("openai"))
	assert.Equal(t, StateClosed, r.State("never-seen"))
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	r, _ := newTestRegistry(t)

	failTimes(r, "openai", 2)
	assert.True(t, r.Allow("openai"), "below threshold the breaker stays closed")
	assert.Equal(t, StateClosed, r.State("openai"))

	r.RecordFailure("openai")
	assert.Equal(t, StateOpen, r.State("openai"))

	for i := 0; i < 5; i++ {
		assert.False(t, r.Allow("openai"), "no attempt passes during cool-down")
	}
}

func TestFailureRunResetByWindowGap(t *testing.T) {
	r, clk := newTestRegistry(t)

	failTimes(r, "openai", 2)
	clk.Advance(2 * time.Minute)

	// The gap exceeded the window, so this failure starts a new run.
	r.RecordFailure("openai")
	assert.Equal(t, StateClosed, r.State("openai"))

	failTimes(r, "openai", 2)
	assert.Equal(t, StateOpen, r.State("openai"))
}

func TestSuccessResetsFailureRun(t *testing.T) {
	r, _ := newTestRegistry(t)

	failTimes(r, "openai", 2)
	r.RecordSuccess("openai")
	failTimes(r, "openai", 2)
	assert.Equal(t, StateClosed, r.State("openai"))

	r.RecordFailure("openai")
	assert.Equal(t, StateOpen, r.State("openai"))
}

func TestHalfOpenGrantsSingleProbe(t *testing.T) {
	r, clk := newTestRegistry(t)

	failTimes(r, "openai", 3)
	require.Equal(t, StateOpen, r.State("openai"))

	clk.Advance(31 * time.Second)
	require.Equal(t, StateHalfOpen, r.State("openai"))

	assert.True(t, r.Allow("openai"), "first caller after cool-down is the probe")
	assert.False(t, r.Allow("openai"), "second caller is blocked while the probe is unresolved")
	assert.False(t, r.Allow("openai"))
}

func TestProbeSuccessClosesAndResetsCooldown(t *testing.T) {
	r, clk := newTestRegistry(t)

	failTimes(r, "openai", 3)
	clk.Advance(31 * time.Second)
	require.True(t, r.Allow("openai"))

	// Probe fails once so the cool-down doubles, then a later probe succeeds.
	r.RecordFailure("openai")
	clk.Advance(61 * time.Second)
	require.True(t, r.Allow("openai"))
	r.RecordSuccess("openai")

	assert.Equal(t, StateClosed, r.State("openai"))
	assert.True(t, r.Allow("openai"))

	b := r.forProvider("openai")
	b.mu.Lock()
	assert.Equal(t, 30*time.Second, b.cooldown, "successful probe resets the back-off")
	assert.Equal(t, 0, b.consecutiveFailures)
	b.mu.Unlock()
}

func TestProbeFailureDoublesCooldown(t *testing.T) {
	r, clk := newTestRegistry(t)

	failTimes(r, "openai", 3)
	clk.Advance(31 * time.Second)
	require.True(t, r.Allow("openai"))
	r.RecordFailure("openai")

	require.Equal(t, StateOpen, r.State("openai"))
	clk.Advance(31 * time.Second)
	assert.False(t, r.Allow("openai"), "doubled cool-down has not elapsed yet")

	clk.Advance(30 * time.Second)
	assert.True(t, r.Allow("openai"), "probe allowed once the doubled cool-down passes")
}

func TestCooldownCapped(t *testing.T) {
	r, clk := newTestRegistry(t)

	failTimes(r, "openai", 3)

	// 30s -> 60s -> 120s -> 240s -> capped at 240s.
	for i := 0; i < 5; i++ {
		clk.Advance(testConfig().CooldownMax + time.Second)
		require.True(t, r.Allow("openai"))
		r.RecordFailure("openai")
	}

	b := r.forProvider("openai")
	b.mu.Lock()
	assert.Equal(t, 4*time.Minute, b.cooldown)
	b.mu.Unlock()
}

func TestStragglerReportsWhileOpen(t *testing.T) {
	r, clk := newTestRegistry(t)

	failTimes(r, "openai", 3)
	b := r.forProvider("openai")
	b.mu.Lock()
	deadline := b.cooldownUntil
	b.mu.Unlock()

	// Reports from attempts dispatched before the trip neither close the
	// breaker nor extend the cool-down.
	r.RecordSuccess("openai")
	assert.Equal(t, StateOpen, r.State("openai"))

	clk.Advance(10 * time.Second)
	r.RecordFailure("openai")
	b.mu.Lock()
	assert.Equal(t, deadline, b.cooldownUntil)
	b.mu.Unlock()
	assert.False(t, r.Allow("openai"))
}

func TestConcurrentCallersGetOneProbe(t *testing.T) {
	r, clk := newTestRegistry(t)

	failTimes(r, "openai", 3)
	clk.Advance(31 * time.Second)

	const callers = 20
	var wg sync.WaitGroup
	results := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- r.Allow("openai")
		}()
	}
	wg.Wait()
	close(results)

	allowed := 0
	for ok := range results {
		if ok {
			allowed++
		}
	}
	assert.Equal(t, 1, allowed, "exactly one concurrent caller wins the probe")
}

func TestProvidersAreIndependent(t *testing.T) {
	r, _ := newTestRegistry(t)

	failTimes(r, "openai", 3)

	assert.Equal(t, StateOpen, r.State("openai"))
	assert.Equal(t, StateClosed, r.State("anthropic"))
	assert.True(t, r.Allow("anthropic"))
}

func TestSnapshotAndDetails(t *testing.T) {
	r, _ := newTestRegistry(t)

	r.RecordSuccess("anthropic")
	failTimes(r, "openai", 3)

	snap := r.Snapshot()
	assert.Equal(t, StateOpen, snap["openai"])
	assert.Equal(t, StateClosed, snap["anthropic"])

	details := r.Details()
	require.Len(t, details, 2)
	byName := make(map[string]ProviderHealth, len(details))
	for _, d := range details {
		byName[d.Provider] = d
	}
	assert.Equal(t, StateOpen, byName["openai"].State)
	assert.Equal(t, 3, byName["openai"].ConsecutiveFailures)
	assert.False(t, byName["openai"].CooldownUntil.IsZero())
	assert.Equal(t, StateClosed, byName["anthropic"].State)
	assert.False(t, byName["anthropic"].LastSuccess.IsZero())
	assert.True(t, byName["anthropic"].CooldownUntil.IsZero())
}
