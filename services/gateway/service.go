package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wanderplan/llm-gateway/config"
	"github.com/wanderplan/llm-gateway/internal/observability"
	"github.com/wanderplan/llm-gateway/internal/promptguard"
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

// Service orchestrates the complete request pipeline: admission, cache,
// routing, the breaker-gated fallback loop, cost reconciliation and usage
// recording. It is the only component callers talk to.
type Service struct {
	cfg      config.GatewayConfig
	tenants  tenants.Store
	limiter  *ratelimit.Limiter
	budget   *budget.Service
	cache    *cache.Manager
	router   *routing.Router
	breakers *breaker.Registry
	registry *providers.Registry
	recorder *usage.Recorder
	metrics  *observability.Collector
	guard    *promptguard.Guard
	logger   *zap.Logger

	flight singleflight.Group
}

// Deps bundles the collaborators the service sequences.
type Deps struct {
	Tenants  tenants.Store
	Limiter  *ratelimit.Limiter
	Budget   *budget.Service
	Cache    *cache.Manager
	Router   *routing.Router
	Breakers *breaker.Registry
	Registry *providers.Registry
	Recorder *usage.Recorder
	Metrics  *observability.Collector
	Guard    *promptguard.Guard
}

func NewService(cfg config.GatewayConfig, deps Deps, logger *zap.Logger) *Service {
	return &Service{
		cfg:      cfg,
		tenants:  deps.Tenants,
		limiter:  deps.Limiter,
		budget:   deps.Budget,
		cache:    deps.Cache,
		router:   deps.Router,
		breakers: deps.Breakers,
		registry: deps.Registry,
		recorder: deps.Recorder,
		metrics:  deps.Metrics,
		guard:    deps.Guard,
		logger:   logger,
	}
}

// Process runs one request through the pipeline. The returned error is
// always a GatewayError: ValidationError, RateLimitError (tenant scope),
// BudgetExceededError, ConfigurationError or AllProvidersUnavailableError.
func (s *Service) Process(ctx context.Context, req *models.LLMRequest) (*models.LLMResponse, error) {
	start := time.Now()
	req.Normalize()

	s.logger.Info("starting gateway pipeline",
		zap.String("request_id", req.RequestID),
		zap.String("tenant_id", req.TenantID),
		zap.String("task_type", string(req.TaskType)),
		zap.String("preferred_model", req.PreferredModel))

	// Step 1: validate. Malformed input is rejected with no side effects.
	s.logger.Debug("step 1: validating request", zap.String("request_id", req.RequestID))
	if err := s.validate(req); err != nil {
		s.metrics.RecordRequest(true)
		return nil, err
	}

	tenant, err := s.tenants.Get(ctx, req.TenantID)
	if err != nil {
		s.metrics.RecordRequest(true)
		if errors.Is(err, tenants.ErrTenantNotFound) {
			return nil, services.NewAuthenticationError(services.ScopeTenant,
				fmt.Sprintf("unknown tenant %q", req.TenantID))
		}
		return nil, services.NewInternalError("tenant lookup failed", err)
	}

	// Step 2: admission. Rate limit first, then budget; a denial here must
	// leave no trace beyond a rejected usage entry.
	s.logger.Debug("step 2: checking admission", zap.String("request_id", req.RequestID))
	if err := s.checkAdmission(req, tenant); err != nil {
		s.metrics.RecordRequest(true)
		s.recordRejection(req, err)
		return nil, err
	}

	// Step 3: cache lookup. Only deterministic requests from cache-enabled
	// tenants participate.
	cacheable := s.cacheable(req, tenant)
	key := cache.Key(req)
	if cacheable {
		s.logger.Debug("step 3: cache lookup",
			zap.String("request_id", req.RequestID),
			zap.String("key", key))
		if entry, ok := s.cache.Get(ctx, key); ok {
			s.metrics.RecordCacheLookup(true)
			s.metrics.RecordRequest(false)
			resp := s.cachedResponse(req, entry, start)
			s.recordCacheHit(req, entry)
			return resp, nil
		}
		s.metrics.RecordCacheLookup(false)
	}

	// Steps 4-6: routing and the fallback loop, coalesced when concurrent
	// identical cacheable requests are in flight.
	var resp *models.LLMResponse
	if cacheable && s.cfg.CoalesceRequests {
		resp, err = s.coalesced(ctx, key, req, tenant, cacheable, start)
	} else {
		resp, err = s.execute(ctx, req, tenant, cacheable, start)
	}
	if err != nil {
		s.metrics.RecordRequest(true)
		return nil, err
	}

	s.metrics.RecordRequest(false)
	s.logger.Info("gateway pipeline completed",
		zap.String("request_id", req.RequestID),
		zap.String("model_used", resp.ModelUsed),
		zap.Bool("cached", resp.Cached),
		zap.Bool("fallback_used", resp.FallbackUsed),
		zap.Float64("cost_usd", resp.EstimatedCost),
		zap.Int64("latency_ms", resp.ResponseTimeMS))
	return resp, nil
}

// validate enforces the request contract before any resource is touched.
func (s *Service) validate(req *models.LLMRequest) error {
	if req.TenantID == "" {
		return services.NewValidationError("tenant_id is required")
	}
	if req.Prompt == "" {
		return services.NewValidationError("prompt is required")
	}
	if s.cfg.MaxPromptChars > 0 && len(req.Prompt) > s.cfg.MaxPromptChars {
		return services.NewValidationError(
			fmt.Sprintf("prompt exceeds %d characters", s.cfg.MaxPromptChars)).
			WithDetail("prompt_chars", len(req.Prompt))
	}
	if !req.TaskType.IsValid() {
		return services.NewValidationError(
			fmt.Sprintf("unknown task_type %q", req.TaskType))
	}
	if !req.Priority.IsValid() {
		return services.NewValidationError(
			fmt.Sprintf("unknown priority %q", req.Priority))
	}
	if req.MaxTokens < 0 {
		return services.NewValidationError("max_tokens cannot be negative")
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		return services.NewValidationError("temperature must be between 0 and 2")
	}

	if s.cfg.GuardEnabled && s.guard != nil {
		if findings := s.guard.Screen(req.Prompt); len(findings) > 0 {
			err := services.NewValidationError("prompt rejected by content screening")
			for i, f := range findings {
				err.WithDetail(fmt.Sprintf("finding_%d", i), string(f.Kind))
			}
			return err
		}
	}
	return nil
}

// checkAdmission runs the tenant rate limit and the budget guard. The
// budget estimate is conservative: prompt tokens plus the full output
// allowance priced at the cheapest model the tenant may use.
func (s *Service) checkAdmission(req *models.LLMRequest, tenant *models.TenantConfig) error {
	rl := s.limiter.Allow(tenant.TenantID, tenant.RateLimitPerMinute)
	if !rl.Allowed {
		s.metrics.RecordRateLimitDenial()
		return services.NewRateLimitError(services.ScopeTenant, rl.Reason).
			WithDetail("reset_at", rl.ResetAt)
	}

	cheapest, err := s.router.CheapestAllowed(req, tenant)
	if err != nil {
		return err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = s.cfg.DefaultMaxTokens
	}
	estimate := cheapest.EstimateCost(req.EstimatePromptTokens(), maxTokens)

	admission := s.budget.CheckAdmission(tenant, estimate)
	if !admission.Allowed {
		s.metrics.RecordBudgetDenial()
		return services.NewBudgetExceededError(admission.Reason).
			WithDetail("period", string(admission.ViolatedPeriod)).
			WithDetail("estimated_cost_usd", estimate)
	}
	return nil
}

// cacheable decides whether this request may read or write the cache:
// tenant opted in, not streaming, and deterministic enough to reuse.
func (s *Service) cacheable(req *models.LLMRequest, tenant *models.TenantConfig) bool {
	if !tenant.CacheEnabled || req.Stream {
		return false
	}
	return req.Temperature <= s.cfg.MaxCacheableTemperature
}

// coalesced collapses concurrent identical cacheable requests onto one
// pipeline execution. The leader runs the fallback loop; followers get a
// copy served at zero cost, marked cached because no provider call backs
// them.
func (s *Service) coalesced(ctx context.Context, key string, req *models.LLMRequest, tenant *models.TenantConfig, cacheable bool, start time.Time) (*models.LLMResponse, error) {
	// The flag, not the response, identifies the leader: request IDs are
	// client-supplied and may repeat across concurrent calls.
	var leader bool
	v, err, _ := s.flight.Do(key, func() (interface{}, error) {
		leader = true
		return s.execute(ctx, req, tenant, cacheable, start)
	})
	if err != nil {
		return nil, err
	}

	resp := v.(*models.LLMResponse)
	if leader {
		return resp, nil
	}

	// Follower: reuse the leader's content under this request's identity.
	s.metrics.RecordCoalesced()
	follower := &models.LLMResponse{
		Content:        resp.Content,
		FinishReason:   resp.FinishReason,
		ModelUsed:      resp.ModelUsed,
		Provider:       resp.Provider,
		Usage:          resp.Usage,
		Cached:         true,
		ResponseTimeMS: time.Since(start).Milliseconds(),
		RequestID:      req.RequestID,
		Timestamp:      time.Now().UTC(),
	}

	entry := models.NewUsageLogEntry(req, models.UsageStatusCoalesced)
	entry.Provider = resp.Provider
	entry.Model = resp.ModelUsed
	s.recorder.Record(entry)

	return follower, nil
}

// execute walks the ordered candidate list until one provider succeeds.
func (s *Service) execute(ctx context.Context, req *models.LLMRequest, tenant *models.TenantConfig, cacheable bool, start time.Time) (*models.LLMResponse, error) {
	// Step 4: one ordered candidate list per request.
	s.logger.Debug("step 4: selecting candidates", zap.String("request_id", req.RequestID))
	candidates, err := s.router.SelectCandidates(req, tenant, s.breakers.Snapshot())
	if err != nil {
		return nil, err
	}

	// Step 5: the fallback loop.
	attempts := make([]services.AttemptRecord, 0, len(candidates))
	for i, cand := range candidates {
		if ctx.Err() != nil {
			return nil, services.NewServiceUnavailableError("request cancelled", ctx.Err())
		}

		// A blocked breaker means the provider is already known-bad; the
		// skip is not a new failure against it.
		if !s.breakers.Allow(cand.Provider) {
			s.logger.Debug("step 5: provider short-circuited",
				zap.String("request_id", req.RequestID),
				zap.String("provider", cand.Provider),
				zap.String("model", cand.Model))
			attempts = append(attempts, services.AttemptRecord{
				AttemptNumber: i + 1,
				Provider:      cand.Provider,
				Model:         cand.Model,
				ErrorCode:     services.ErrCodeServiceUnavailable,
				Message:       "circuit breaker open",
				Skipped:       true,
			})
			continue
		}

		resp, attemptErr := s.attempt(ctx, req, tenant, cand, i, candidates[0].Model, cacheable, start)
		if attemptErr == nil {
			return resp, nil
		}

		// A caller cancel or request deadline aborts the whole loop; the
		// attempt was already reported to the breaker but never charged.
		if ctx.Err() != nil {
			return nil, services.NewServiceUnavailableError("request cancelled during provider attempt", ctx.Err())
		}

		attempts = append(attempts, services.AttemptRecord{
			AttemptNumber: i + 1,
			Provider:      cand.Provider,
			Model:         cand.Model,
			ErrorCode:     services.CodeOf(attemptErr),
			Message:       attemptErr.Error(),
		})
	}

	// Step 6: exhausted.
	s.logger.Warn("all candidates exhausted",
		zap.String("request_id", req.RequestID),
		zap.String("tenant_id", req.TenantID),
		zap.Int("attempts", len(attempts)))

	terminal := models.NewUsageLogEntry(req, models.UsageStatusFailure)
	terminal.ErrorCode = string(services.ErrCodeAllProvidersUnavailable)
	terminal.LatencyMS = time.Since(start).Milliseconds()
	terminal.AttemptNumber = len(candidates)
	s.recorder.Record(terminal)

	return nil, services.NewAllProvidersUnavailableError(attempts)
}

// attempt runs one candidate under the per-attempt timeout and settles all
// the bookkeeping for its outcome.
func (s *Service) attempt(ctx context.Context, req *models.LLMRequest, tenant *models.TenantConfig, cand routing.Candidate, index int, firstModel string, cacheable bool, start time.Time) (*models.LLMResponse, error) {
	adapter, err := s.registry.Get(cand.Provider)
	if err != nil {
		// Catalog lists a provider no adapter serves; treat like any other
		// failed attempt so the loop moves on.
		s.logger.Warn("no adapter for catalog provider",
			zap.String("provider", cand.Provider),
			zap.String("model", cand.Model))
		return nil, services.NewServiceUnavailableError(
			fmt.Sprintf("no adapter registered for provider %s", cand.Provider), err)
	}

	s.logger.Debug("step 5: attempting provider",
		zap.String("request_id", req.RequestID),
		zap.Int("attempt", index+1),
		zap.String("provider", cand.Provider),
		zap.String("model", cand.Model))

	attemptCtx := ctx
	if s.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, s.cfg.AttemptTimeout)
		defer cancel()
	}

	attemptStart := time.Now()
	result, err := adapter.Execute(attemptCtx, req, cand.Model)
	latency := time.Since(attemptStart)

	if err != nil {
		s.breakers.RecordFailure(cand.Provider)
		s.router.RecordOutcome(cand.Model, false)
		s.metrics.RecordAttempt(cand.Provider, false, latency)

		if services.IsAuthenticationError(err) {
			// Upstream credential failures are config problems, not load;
			// make sure operators see them.
			s.logger.Error("provider rejected gateway credentials",
				zap.String("provider", cand.Provider),
				zap.Error(err))
		} else {
			s.logger.Warn("provider attempt failed",
				zap.String("request_id", req.RequestID),
				zap.String("provider", cand.Provider),
				zap.String("model", cand.Model),
				zap.Error(err))
		}

		entry := models.NewUsageLogEntry(req, models.UsageStatusFailure)
		entry.Provider = cand.Provider
		entry.Model = cand.Model
		entry.ErrorCode = string(services.CodeOf(err))
		entry.LatencyMS = latency.Milliseconds()
		entry.AttemptNumber = index + 1
		s.recorder.Record(entry)

		return nil, err
	}

	// Success: settle health, cost, cache and the audit trail.
	s.breakers.RecordSuccess(cand.Provider)
	s.router.RecordOutcome(cand.Model, true)
	s.metrics.RecordAttempt(cand.Provider, true, latency)

	cost := s.budget.Reconcile(tenant.TenantID, result.Usage, &cand.Descriptor)

	if cacheable {
		s.cache.Set(ctx, cache.Key(req), &models.CacheEntry{
			Content:      result.Content,
			FinishReason: result.FinishReason,
			ModelUsed:    cand.Model,
			Provider:     cand.Provider,
			Usage:        result.Usage,
		}, s.cache.TTLFor(req.TaskType))
	}

	resp := &models.LLMResponse{
		Content:        result.Content,
		FinishReason:   result.FinishReason,
		ModelUsed:      cand.Model,
		Provider:       cand.Provider,
		Usage:          result.Usage,
		EstimatedCost:  cost,
		ResponseTimeMS: time.Since(start).Milliseconds(),
		Cached:         false,
		FallbackUsed:   index > 0,
		RequestID:      req.RequestID,
		Timestamp:      time.Now().UTC(),
	}
	if index > 0 {
		resp.OriginalModelAttempted = firstModel
	}

	entry := models.NewUsageLogEntry(req, models.UsageStatusSuccess)
	entry.Provider = cand.Provider
	entry.Model = cand.Model
	entry.InputTokens = result.Usage.InputTokens
	entry.OutputTokens = result.Usage.OutputTokens
	entry.CostUSD = cost
	entry.LatencyMS = latency.Milliseconds()
	entry.FallbackUsed = index > 0
	entry.AttemptNumber = index + 1
	s.recorder.Record(entry)

	return resp, nil
}

// cachedResponse turns a stored entry into a zero-cost response.
func (s *Service) cachedResponse(req *models.LLMRequest, entry *models.CacheEntry, start time.Time) *models.LLMResponse {
	return &models.LLMResponse{
		Content:        entry.Content,
		FinishReason:   entry.FinishReason,
		ModelUsed:      entry.ModelUsed,
		Provider:       entry.Provider,
		Usage:          entry.Usage,
		EstimatedCost:  0,
		ResponseTimeMS: time.Since(start).Milliseconds(),
		Cached:         true,
		RequestID:      req.RequestID,
		Timestamp:      time.Now().UTC(),
	}
}

func (s *Service) recordCacheHit(req *models.LLMRequest, entry *models.CacheEntry) {
	e := models.NewUsageLogEntry(req, models.UsageStatusCacheHit)
	e.Provider = entry.Provider
	e.Model = entry.ModelUsed
	s.recorder.Record(e)
}

func (s *Service) recordRejection(req *models.LLMRequest, cause error) {
	e := models.NewUsageLogEntry(req, models.UsageStatusRejected)
	e.ErrorCode = string(services.CodeOf(cause))
	s.recorder.Record(e)
}
