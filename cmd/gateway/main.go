package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/wanderplan/llm-gateway/app"
	"github.com/wanderplan/llm-gateway/config"
	"github.com/wanderplan/llm-gateway/internal/observability"
	"github.com/wanderplan/llm-gateway/routes"
	"github.com/wanderplan/llm-gateway/services/tenants"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("gateway failed: %v", err)
	}
}

func run() error {
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := observability.NewLogger(
		cfg.Observability.LogLevel,
		cfg.Observability.LogFormat,
		cfg.Environment,
	)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting llm gateway",
		zap.String("environment", cfg.Environment),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, err := app.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}

	// Background maintenance: stale budget ledgers and rate-limit windows
	// are swept until shutdown cancels ctx.
	go deps.Budget.StartCleanupWorker(ctx, cfg.Budget.CleanupInterval, 48*cfg.Budget.CleanupInterval)
	go deps.Limiter.StartCleanupWorker(ctx, cfg.Budget.CleanupInterval)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      routes.SetupRoutes(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// SIGHUP hot-reloads the model catalog and tenant store; SIGINT and
	// SIGTERM start a graceful shutdown.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case err := <-serverErr:
			return fmt.Errorf("http server error: %w", err)

		case sig := <-signals:
			if sig == syscall.SIGHUP {
				logger.Info("reload signal received")
				reload(deps, logger)
				continue
			}

			logger.Info("shutdown signal received", zap.String("signal", sig.String()))

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer shutdownCancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("http server shutdown failed", zap.Error(err))
			}
			cancel()

			if err := deps.Close(shutdownCtx); err != nil {
				logger.Error("dependency shutdown failed", zap.Error(err))
				return err
			}

			logger.Info("gateway stopped cleanly")
			return nil
		}
	}
}

// reload re-reads the file-backed configuration stores. Failures keep the
// previous tables in effect, so a bad file never takes a running gateway
// down.
func reload(deps *app.Dependencies, logger *zap.Logger) {
	if deps.Config.Catalog.ModelsPath != "" {
		if err := deps.Catalog.Reload(); err != nil {
			logger.Error("catalog reload failed", zap.Error(err))
		}
	}
	if fs, ok := deps.Tenants.(*tenants.FileStore); ok && deps.Config.Catalog.TenantsPath != "" {
		if err := fs.Reload(); err != nil {
			logger.Error("tenant store reload failed", zap.Error(err))
		}
	}
}
