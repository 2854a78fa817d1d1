package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/wanderplan/llm-gateway/app"
	"github.com/wanderplan/llm-gateway/handlers"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(deps.Config.Gateway.RequestTimeout))

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "https://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	completionHandler := handlers.NewCompletionHandler(deps.Gateway, deps.Logger)
	modelsHandler := handlers.NewModelsHandler(deps.Catalog, deps.Tenants, deps.Logger)
	healthHandler := handlers.NewHealthHandler(deps.Catalog, deps.Registry, deps.Breakers, deps.Logger)
	adminHandler := handlers.NewAdminHandler(
		deps.Breakers, deps.Budget, deps.Cache, deps.Catalog,
		deps.Tenants, deps.Recorder, deps.Metrics, deps.Logger)

	// Probes
	r.Get("/health", healthHandler.HandleHealth)
	r.Get("/health/ready", healthHandler.HandleReady)

	// Tenant-facing API
	r.Route("/api/v1", func(r chi.Router) {
		// Development token issuance; production tokens come from the host
		// application with the shared secret.
		if !deps.Config.IsProduction() {
			tokenHandler := handlers.NewTokenHandler(
				deps.Config.Auth.JWTSecret, deps.Config.Auth.TokenTTL, deps.Logger)
			r.Post("/auth/token", tokenHandler.HandleIssueToken)
		}

		r.Group(func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireTenant)
			r.Post("/completions", completionHandler.HandleCompletion)
			r.Get("/models", modelsHandler.HandleListModels)
		})
	})

	// Operator surface
	r.Route("/admin", func(r chi.Router) {
		r.Use(deps.AuthMiddleware.RequireAdmin)
		r.Get("/health", adminHandler.HandleHealth)
		r.Get("/metrics", adminHandler.HandleMetrics)
		r.Get("/analytics", adminHandler.HandleAnalytics)
		r.Get("/budgets/{tenantID}", adminHandler.HandleBudget)
		r.Post("/cache/clear", adminHandler.HandleCacheClear)
		r.Post("/catalog/reload", adminHandler.HandleCatalogReload)
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	return r
}
