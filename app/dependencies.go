package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wanderplan/llm-gateway/config"
	"github.com/wanderplan/llm-gateway/internal/observability"
	"github.com/wanderplan/llm-gateway/internal/promptguard"
	"github.com/wanderplan/llm-gateway/middleware"
	"github.com/wanderplan/llm-gateway/models"
	"github.com/wanderplan/llm-gateway/repositories"
	"github.com/wanderplan/llm-gateway/repositories/postgres"
	"github.com/wanderplan/llm-gateway/services/breaker"
	"github.com/wanderplan/llm-gateway/services/budget"
	"github.com/wanderplan/llm-gateway/services/cache"
	"github.com/wanderplan/llm-gateway/services/catalog"
	"github.com/wanderplan/llm-gateway/services/gateway"
	"github.com/wanderplan/llm-gateway/services/providers"
	"github.com/wanderplan/llm-gateway/services/providers/anthropic"
	"github.com/wanderplan/llm-gateway/services/providers/openai"
	"github.com/wanderplan/llm-gateway/services/ratelimit"
	"github.com/wanderplan/llm-gateway/services/routing"
	"github.com/wanderplan/llm-gateway/services/tenants"
	"github.com/wanderplan/llm-gateway/services/usage"
)

// Dependencies holds all application dependencies. This is the central
// wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	Logger *zap.Logger
	DB     *postgres.DB

	// Configuration stores
	Catalog *catalog.Catalog
	Tenants tenants.Store

	// Request-path services
	Breakers *breaker.Registry
	Cache    *cache.Manager
	Budget   *budget.Service
	Limiter  *ratelimit.Limiter
	Recorder *usage.Recorder
	Registry *providers.Registry
	Router   *routing.Router
	Guard    *promptguard.Guard
	Metrics  *observability.Collector
	Gateway  *gateway.Service

	// Auth
	AuthMiddleware *middleware.AuthMiddleware
}

// NewDependencies creates and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initCatalogs(); err != nil {
		return nil, fmt.Errorf("failed to initialize catalogs: %w", err)
	}
	if err := deps.initCache(); err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	if err := deps.initUsage(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize usage recording: %w", err)
	}
	if err := deps.initProviders(); err != nil {
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}
	deps.initPipeline()

	logger.Info("all dependencies initialized")
	return deps, nil
}

// initCatalogs loads the model catalog and tenant store, from files when
// configured and from compiled-in defaults otherwise.
func (d *Dependencies) initCatalogs() error {
	cat, err := catalog.New(d.Config.Catalog.ModelsPath, d.Logger)
	if err != nil {
		return err
	}
	d.Catalog = cat

	store, err := tenants.NewFileStore(d.Config.Catalog.TenantsPath, d.Logger)
	if err != nil {
		return err
	}
	d.Tenants = store
	return nil
}

// initCache selects the cache backend from configuration.
func (d *Dependencies) initCache() error {
	var store cache.Store
	switch d.Config.Cache.Backend {
	case "", "memory":
		store = cache.NewMemoryStore(d.Config.Cache.MaxEntries, d.Config.Cache.CleanupInterval, d.Logger)
	case "redis":
		rs, err := cache.NewRedisStore(d.Config.Cache.Redis, d.Logger)
		if err != nil {
			return err
		}
		store = rs
	default:
		return fmt.Errorf("unknown cache backend %q", d.Config.Cache.Backend)
	}

	d.Cache = cache.NewManager(store, d.Config.Cache, d.Logger)
	d.Logger.Info("cache initialized", zap.String("backend", d.Config.Cache.Backend))
	return nil
}

// initUsage selects the usage sink from configuration and starts the
// recorder's worker pool.
func (d *Dependencies) initUsage(ctx context.Context) error {
	var sink repositories.UsageLogRepository
	switch d.Config.Usage.Sink {
	case "", "memory":
		sink = usage.NewMemorySink(d.Config.Usage.MemoryCapacity)
	case "postgres":
		db, err := postgres.NewDB(d.Config.Database, d.Logger)
		if err != nil {
			return err
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("database ping failed: %w", err)
		}
		d.DB = db
		sink = postgres.NewUsageLogRepository(db, d.Logger)
	default:
		return fmt.Errorf("unknown usage sink %q", d.Config.Usage.Sink)
	}

	d.Recorder = usage.NewRecorder(sink, d.Config.Usage, d.Logger)
	if err := d.Recorder.Start(); err != nil {
		return err
	}
	d.Logger.Info("usage recording initialized", zap.String("sink", d.Config.Usage.Sink))
	return nil
}

// initProviders registers an adapter per configured provider. Each adapter
// lists the catalog models its provider serves, so a catalog reload changes
// what the adapter advertises without re-registration.
func (d *Dependencies) initProviders() error {
	registry := providers.NewRegistry()

	if d.Config.Providers.OpenAI.APIKey != "" {
		adapter := openai.New(d.Config.Providers.OpenAI, func() []string {
			return modelIDs(d.Catalog.ForProvider("openai"))
		}, d.Logger)
		if err := registry.Register(adapter); err != nil {
			return err
		}
		d.Logger.Info("registered provider", zap.String("provider", "openai"))
	}

	if d.Config.Providers.Anthropic.APIKey != "" {
		adapter := anthropic.New(d.Config.Providers.Anthropic, func() []string {
			return modelIDs(d.Catalog.ForProvider("anthropic"))
		}, d.Logger)
		if err := registry.Register(adapter); err != nil {
			return err
		}
		d.Logger.Info("registered provider", zap.String("provider", "anthropic"))
	}

	if registry.Count() == 0 {
		d.Logger.Warn("no LLM providers configured, every request will fail routing")
	}

	d.Registry = registry
	return nil
}

// initPipeline wires the admission, routing, and orchestration services
// around the stores built above.
func (d *Dependencies) initPipeline() {
	d.Breakers = breaker.NewRegistry(breaker.Config{
		FailureThreshold: d.Config.Breaker.FailureThreshold,
		FailureWindow:    d.Config.Breaker.FailureWindow,
		Cooldown:         d.Config.Breaker.Cooldown,
		CooldownMax:      d.Config.Breaker.CooldownMax,
	}, d.Logger)

	d.Budget = budget.NewService(d.Config.Budget, d.Logger)
	d.Limiter = ratelimit.NewLimiter(d.Logger)
	d.Router = routing.NewRouter(d.Catalog, routing.Config{
		DefaultMaxTokens: d.Config.Gateway.DefaultMaxTokens,
	}, d.Logger)
	d.Guard = promptguard.New(d.Logger)
	d.Metrics = observability.NewCollector()

	d.Gateway = gateway.NewService(d.Config.Gateway, gateway.Deps{
		Tenants:  d.Tenants,
		Limiter:  d.Limiter,
		Budget:   d.Budget,
		Cache:    d.Cache,
		Router:   d.Router,
		Breakers: d.Breakers,
		Registry: d.Registry,
		Recorder: d.Recorder,
		Metrics:  d.Metrics,
		Guard:    d.Guard,
	}, d.Logger)

	d.AuthMiddleware = middleware.NewAuthMiddleware(
		d.Config.Auth.JWTSecret,
		d.Config.Auth.AdminAPIKey,
		d.Logger,
	)
}

// Close gracefully shuts down all dependencies in reverse dependency order.
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.Recorder != nil {
		if err := d.Recorder.Stop(d.Config.Usage.StopTimeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop usage recorder: %w", err))
		}
	}

	if d.Cache != nil {
		if err := d.Cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close cache: %w", err))
		}
	}

	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}
	return nil
}

func modelIDs(descriptors []models.ModelDescriptor) []string {
	ids := make([]string, 0, len(descriptors))
	for _, m := range descriptors {
		ids = append(ids, m.ID)
	}
	return ids
}
