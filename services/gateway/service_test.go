package gateway

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wanderplan/llm-gateway/config"
	"github.com/wanderplan/llm-gateway/internal/observability"
	"github.com/wanderplan/llm-gateway/models"
	"github.com/wanderplan/llm-gateway/services"
	"github.com/wanderplan/llm-gateway/services/breaker"
	"github.com/wanderplan/llm-gateway/services/budget"
	"github.com/wanderplan/llm-gateway/services/cache"
	"github.com/wanderplan/llm-gateway/services/providers"
	"github.com/wanderplan/llm-gateway/services/ratelimit"
	"github.com/wanderplan/llm-gateway/services/routing"
	"github.com/wanderplan/llm-gateway/services/tenants"
	"github.com/wanderplan/llm-gateway/services/usage"
)

// fakeAdapter is a scriptable provider: failures for the first failN calls,
// then canned successes. It counts every Execute so tests can assert the
// adapter was or was not reached.
type fakeAdapter struct {
	name  string
	mu    sync.Mutex
	calls int
	failN int
	block chan struct{} // when set, Execute waits here
	usage models.TokenUsage
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{
		name:  name,
		usage: models.TokenUsage{InputTokens: 1000, OutputTokens: 0, TotalTokens: 1000},
	}
}

func (a *fakeAdapter) Name() string     { return a.name }
func (a *fakeAdapter) Models() []string { return nil }

func (a *fakeAdapter) Execute(ctx context.Context, req *models.LLMRequest, model string) (*providers.Result, error) {
	a.mu.Lock()
	a.calls++
	n := a.calls
	block := a.block
	a.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, services.NewServiceUnavailableError("cancelled", ctx.Err())
		}
	}
	if n <= a.failN {
		return nil, services.NewServiceUnavailableError(a.name+" unavailable", nil)
	}
	return &providers.Result{
		Content:      "answer from " + a.name + "/" + model,
		FinishReason: "stop",
		ModelUsed:    model,
		Usage:        a.usage,
	}, nil
}

func (a *fakeAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// fakeTenants serves one tenant.
type fakeTenants struct {
	tenant *models.TenantConfig
}

func (s *fakeTenants) Get(_ context.Context, tenantID string) (*models.TenantConfig, error) {
	if s.tenant == nil || s.tenant.TenantID != tenantID {
		return nil, tenants.ErrTenantNotFound
	}
	cp := *s.tenant
	return &cp, nil
}

func (s *fakeTenants) List(context.Context) ([]*models.TenantConfig, error) {
	return []*models.TenantConfig{s.tenant}, nil
}

// fakeCatalog feeds the router. Model "alpha-model" is served by provider
// "alpha" at $1 per 1K input tokens; "beta-model" by "beta" slightly more
// expensive so alpha is the deterministic first choice.
type fakeCatalog struct {
	table map[string]models.ModelDescriptor
}

func (c *fakeCatalog) Get(id string) (models.ModelDescriptor, bool) {
	m, ok := c.table[id]
	return m, ok
}

func (c *fakeCatalog) All() []models.ModelDescriptor {
	out := make([]models.ModelDescriptor, 0, len(c.table))
	for _, m := range c.table {
		out = append(out, m)
	}
	return out
}

type fixture struct {
	svc      *Service
	alpha    *fakeAdapter
	beta     *fakeAdapter
	budget   *budget.Service
	breakers *breaker.Registry
	recorder *usage.Recorder
	sink     *usage.MemorySink
	tenant   *models.TenantConfig
	cfg      config.GatewayConfig
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()

	cat := &fakeCatalog{table: map[string]models.ModelDescriptor{
		"alpha-model": {ID: "alpha-model", Provider: "alpha", InputCostPer1K: 1.0, OutputCostPer1K: 1.0, QualityTier: models.TierStandard, Enabled: true},
		"beta-model":  {ID: "beta-model", Provider: "beta", InputCostPer1K: 1.5, OutputCostPer1K: 1.5, QualityTier: models.TierStandard, Enabled: true},
	}}

	tenant := &models.TenantConfig{
		TenantID:       "acme",
		DailyBudgetUSD: 1000,
		CacheEnabled:   true,
	}

	alpha := newFakeAdapter("alpha")
	beta := newFakeAdapter("beta")
	registry := providers.NewRegistry()
	require.NoError(t, registry.Register(alpha))
	require.NoError(t, registry.Register(beta))

	budgetSvc := budget.NewService(config.BudgetConfig{WarnRatio: 0.8}, logger)
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: 3,
		FailureWindow:    time.Minute,
		Cooldown:         30 * time.Second,
		CooldownMax:      4 * time.Minute,
	}, logger)

	store := cache.NewMemoryStore(1000, 0, logger)
	mgr := cache.NewManager(store, config.CacheConfig{
		Backend:     "memory",
		DefaultTTL:  time.Hour,
		StableTTL:   6 * time.Hour,
		VolatileTTL: 10 * time.Minute,
	}, logger)
	t.Cleanup(func() { _ = mgr.Close() })

	sink := usage.NewMemorySink(10000)
	recorder := usage.NewRecorder(sink, config.UsageConfig{QueueSize: 4096, Workers: 1}, logger)
	require.NoError(t, recorder.Start())

	cfg := config.GatewayConfig{
		AttemptTimeout:          time.Second,
		DefaultMaxTokens:        100,
		MaxPromptChars:          100000,
		MaxCacheableTemperature: 0.7,
	}

	svc := NewService(cfg, Deps{
		Tenants:  &fakeTenants{tenant: tenant},
		Limiter:  ratelimit.NewLimiter(logger),
		Budget:   budgetSvc,
		Cache:    mgr,
		Router:   routing.NewRouter(cat, routing.Config{DefaultMaxTokens: 100}, logger),
		Breakers: breakers,
		Registry: registry,
		Recorder: recorder,
		Metrics:  observability.NewCollector(),
	}, logger)

	return &fixture{
		svc:      svc,
		alpha:    alpha,
		beta:     beta,
		budget:   budgetSvc,
		breakers: breakers,
		recorder: recorder,
		sink:     sink,
		tenant:   tenant,
		cfg:      cfg,
	}
}

func (f *fixture) request(prompt string) *models.LLMRequest {
	req := &models.LLMRequest{
		TenantID: "acme",
		UserID:   "user-1",
		Prompt:   prompt,
	}
	req.Normalize()
	return req
}

// drain flushes the usage queue so sink assertions see everything.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	require.NoError(t, f.recorder.Stop(2*time.Second))
}

func TestSuccessfulRequest(t *testing.T) {
	f := newFixture(t)
	defer f.drain(t)

	resp, err := f.svc.Process(context.Background(), f.request("plan a day in Porto"))
	require.NoError(t, err)

	assert.Equal(t, "alpha-model", resp.ModelUsed)
	assert.Equal(t, "alpha", resp.Provider)
	assert.False(t, resp.Cached)
	assert.False(t, resp.FallbackUsed)
	assert.Empty(t, resp.OriginalModelAttempted)
	// 1000 input tokens at $1/1K.
	assert.InDelta(t, 1.0, resp.EstimatedCost, 1e-9)
	assert.Equal(t, 1, f.alpha.callCount())
	assert.Equal(t, 0, f.beta.callCount())
}

func TestValidationRejectsWithoutSideEffects(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name    string
		mutate  func(*models.LLMRequest)
	}{
		{"empty prompt", func(r *models.LLMRequest) { r.Prompt = "   " }},
		{"bad task type", func(r *models.LLMRequest) { r.TaskType = "poetry" }},
		{"bad priority", func(r *models.LLMRequest) { r.Priority = "urgent" }},
		{"negative max tokens", func(r *models.LLMRequest) { r.MaxTokens = -1 }},
		{"temperature out of range", func(r *models.LLMRequest) { r.Temperature = 3.0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := f.request("hello")
			tt.mutate(req)
			_, err := f.svc.Process(context.Background(), req)
			require.Error(t, err)
			assert.True(t, services.IsValidationError(err))
		})
	}

	assert.Equal(t, 0, f.alpha.callCount())
	assert.Equal(t, 0, f.beta.callCount())
	f.drain(t)
	recent, err := f.sink.Recent(context.Background(), "acme", 10)
	require.NoError(t, err)
	assert.Empty(t, recent, "validation failures leave no usage trail")
}

func TestUnknownTenantIsAuthenticationError(t *testing.T) {
	f := newFixture(t)
	defer f.drain(t)

	req := f.request("hello")
	req.TenantID = "ghost"
	_, err := f.svc.Process(context.Background(), req)
	require.Error(t, err)
	assert.True(t, services.IsAuthenticationError(err))
}

func TestFallbackToSecondCandidate(t *testing.T) {
	f := newFixture(t)

	f.alpha.failN = 100 // alpha always fails

	resp, err := f.svc.Process(context.Background(), f.request("fallback please"))
	require.NoError(t, err)

	assert.True(t, resp.FallbackUsed)
	assert.Equal(t, "alpha-model", resp.OriginalModelAttempted)
	assert.Equal(t, "beta-model", resp.ModelUsed)
	assert.Equal(t, 1, f.alpha.callCount())
	assert.Equal(t, 1, f.beta.callCount())

	// Both the failed and the successful attempt get their own entries.
	f.drain(t)
	recent, err := f.sink.Recent(context.Background(), "acme", 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, models.UsageStatusSuccess, recent[0].Status)
	assert.Equal(t, models.UsageStatusFailure, recent[1].Status)
	assert.Equal(t, "alpha", recent[1].Provider)
}

func TestAllProvidersExhausted(t *testing.T) {
	f := newFixture(t)

	f.alpha.failN = 100
	f.beta.failN = 100

	_, err := f.svc.Process(context.Background(), f.request("doomed"))
	require.Error(t, err)
	assert.True(t, services.IsAllProvidersUnavailableError(err))

	gerr, ok := services.AsGatewayError(err)
	require.True(t, ok)
	attempts := gerr.Details["attempts"].([]services.AttemptRecord)
	assert.Len(t, attempts, 2)

	f.drain(t)
	recent, err := f.sink.Recent(context.Background(), "acme", 10)
	require.NoError(t, err)
	// Two per-candidate failures plus the terminal entry.
	assert.Len(t, recent, 3)
}

func TestCacheHitCostsNothingAndSkipsAdapter(t *testing.T) {
	f := newFixture(t)
	defer f.drain(t)
	ctx := context.Background()

	first, err := f.svc.Process(ctx, f.request("identical prompt"))
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Greater(t, first.EstimatedCost, 0.0)

	second, err := f.svc.Process(ctx, f.request("identical prompt"))
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Zero(t, second.EstimatedCost)
	assert.Equal(t, first.Content, second.Content)
	assert.NotEqual(t, first.RequestID, second.RequestID)

	assert.Equal(t, 1, f.alpha.callCount(), "adapter runs exactly once for identical requests")

	// The cache hit did not touch the ledger.
	status := f.budget.Status(f.tenant)
	assert.InDelta(t, 1.0, status.DailySpend, 1e-9)
}

func TestStreamingAndHotRequestsBypassCache(t *testing.T) {
	f := newFixture(t)
	defer f.drain(t)
	ctx := context.Background()

	stream := f.request("streamed")
	stream.Stream = true
	resp, err := f.svc.Process(ctx, stream)
	require.NoError(t, err)
	assert.False(t, resp.Cached)

	again := f.request("streamed")
	again.Stream = true
	resp, err = f.svc.Process(ctx, again)
	require.NoError(t, err)
	assert.False(t, resp.Cached, "streaming responses are never cached")

	hot := f.request("creative please")
	hot.Temperature = 1.5
	_, err = f.svc.Process(ctx, hot)
	require.NoError(t, err)
	hotAgain := f.request("creative please")
	hotAgain.Temperature = 1.5
	resp, err = f.svc.Process(ctx, hotAgain)
	require.NoError(t, err)
	assert.False(t, resp.Cached, "high temperature responses are never cached")

	assert.Equal(t, 4, f.alpha.callCount())
}

func TestCacheDisabledTenant(t *testing.T) {
	f := newFixture(t)
	defer f.drain(t)
	f.tenant.CacheEnabled = false
	ctx := context.Background()

	_, err := f.svc.Process(ctx, f.request("same thing"))
	require.NoError(t, err)
	resp, err := f.svc.Process(ctx, f.request("same thing"))
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.Equal(t, 2, f.alpha.callCount())
}

func TestBudgetRejectionLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t)
	defer f.drain(t)
	f.tenant.DailyBudgetUSD = 10.00

	// Prefill the ledger to $9.95: 9950 input tokens at $1/1K.
	f.budget.Reconcile("acme", models.TokenUsage{InputTokens: 9950}, &models.ModelDescriptor{
		ID: "alpha-model", InputCostPer1K: 1.0,
	})

	// 400 chars -> 100 input tokens; zero output allowance. Estimate at the
	// cheapest model ($1/1K input) is $0.10.
	req := f.request(stringOfLen(400))
	req.MaxTokens = 1

	_, err := f.svc.Process(context.Background(), req)
	require.Error(t, err)
	assert.True(t, services.IsBudgetExceededError(err))

	status := f.budget.Status(f.tenant)
	assert.InDelta(t, 9.95, status.DailySpend, 1e-9)
	assert.Equal(t, 0, f.alpha.callCount())
	assert.Equal(t, 0, f.beta.callCount())
}

func TestRateLimitDenial(t *testing.T) {
	f := newFixture(t)
	defer f.drain(t)
	f.tenant.RateLimitPerMinute = 2
	ctx := context.Background()

	_, err := f.svc.Process(ctx, f.request("one"))
	require.NoError(t, err)
	_, err = f.svc.Process(ctx, f.request("two"))
	require.NoError(t, err)

	_, err = f.svc.Process(ctx, f.request("three"))
	require.Error(t, err)
	assert.True(t, services.IsRateLimitError(err))
	gerr, _ := services.AsGatewayError(err)
	assert.Equal(t, services.ScopeTenant, gerr.Scope)
}

func TestOpenBreakerShortCircuitsAdapter(t *testing.T) {
	f := newFixture(t)
	defer f.drain(t)

	// Trip alpha's breaker directly: threshold is 3.
	for i := 0; i < 3; i++ {
		f.breakers.RecordFailure("alpha")
	}
	require.Equal(t, breaker.StateOpen, f.breakers.State("alpha"))

	resp, err := f.svc.Process(context.Background(), f.request("routed around alpha"))
	require.NoError(t, err)

	// The router already ordered the healthy provider first, so this is
	// not a fallback; the point is that alpha's adapter is never reached.
	assert.Equal(t, "beta", resp.Provider)
	assert.False(t, resp.FallbackUsed)
	assert.Equal(t, 0, f.alpha.callCount(), "open breaker never dispatches to the adapter")
}

func TestOpenPreferredProviderFallsBack(t *testing.T) {
	f := newFixture(t)
	defer f.drain(t)

	for i := 0; i < 3; i++ {
		f.breakers.RecordFailure("alpha")
	}

	req := f.request("prefer alpha")
	req.PreferredModel = "alpha-model"

	resp, err := f.svc.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "beta-model", resp.ModelUsed)
	assert.True(t, resp.FallbackUsed)
	assert.Equal(t, "alpha-model", resp.OriginalModelAttempted)
}

func TestConcurrentSpendIsFullyAccounted(t *testing.T) {
	f := newFixture(t)
	defer f.drain(t)

	const n = 40
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Distinct prompts keep every request off the cache.
			_, err := f.svc.Process(context.Background(), f.request(fmt.Sprintf("prompt %d", i)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// Every request cost exactly $1 (1000 input tokens at $1/1K).
	status := f.budget.Status(f.tenant)
	assert.InDelta(t, float64(n), status.DailySpend, 1e-6, "no ledger updates may be lost")
	assert.Equal(t, n, status.DailyRequests)
}

func TestCoalescingCollapsesConcurrentIdenticalRequests(t *testing.T) {
	f := newFixture(t)
	defer f.drain(t)
	f.svc.cfg.CoalesceRequests = true

	gate := make(chan struct{})
	f.alpha.block = gate

	var wg sync.WaitGroup
	results := make([]*models.LLMResponse, 2)
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			defer wg.Done()
			resp, err := f.svc.Process(context.Background(), f.request("coalesce me"))
			require.NoError(t, err)
			results[i] = resp
		}(i)
	}

	// Let both goroutines reach the flight group, then release the leader.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, 1, f.alpha.callCount(), "one provider call serves both requests")

	cachedCount := 0
	for _, r := range results {
		if r.Cached {
			cachedCount++
			assert.Zero(t, r.EstimatedCost)
		}
	}
	assert.Equal(t, 1, cachedCount, "exactly one follower is served at zero cost")
	assert.NotEqual(t, results[0].RequestID, results[1].RequestID)
}

func TestCoalescingWithReusedClientRequestID(t *testing.T) {
	f := newFixture(t)
	defer f.drain(t)
	f.svc.cfg.CoalesceRequests = true

	gate := make(chan struct{})
	f.alpha.block = gate

	// Clients may retry with the same request_id; the follower still gets
	// its own response, never the leader's.
	var wg sync.WaitGroup
	results := make([]*models.LLMResponse, 2)
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			defer wg.Done()
			req := f.request("same id twice")
			req.RequestID = "client-chosen-id"
			resp, err := f.svc.Process(context.Background(), req)
			require.NoError(t, err)
			results[i] = resp
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, 1, f.alpha.callCount(), "one provider call serves both requests")
	require.NotSame(t, results[0], results[1], "the follower gets its own copy")

	cachedCount := 0
	for _, r := range results {
		assert.Equal(t, "client-chosen-id", r.RequestID)
		if r.Cached {
			cachedCount++
			assert.Zero(t, r.EstimatedCost)
		}
	}
	assert.Equal(t, 1, cachedCount, "exactly one response is the coalesced follower")
}

func TestCancelledRequestNotChargedButCountedAgainstBreaker(t *testing.T) {
	f := newFixture(t)
	defer f.drain(t)

	gate := make(chan struct{})
	defer close(gate)
	f.alpha.block = gate

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Process(ctx, f.request("cancel me"))
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	err := <-done
	require.Error(t, err)

	// The ledger was never charged for the aborted attempt.
	status := f.budget.Status(f.tenant)
	assert.Zero(t, status.DailySpend)

	// The in-flight attempt still registered as a breaker failure.
	details := f.breakers.Details()
	require.Len(t, details, 1)
	assert.Equal(t, 1, details[0].ConsecutiveFailures)
}

func stringOfLen(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a'
	}
	return string(b)
}
