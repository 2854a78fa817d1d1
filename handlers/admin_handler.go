package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/wanderplan/llm-gateway/internal/observability"
	"github.com/wanderplan/llm-gateway/services/breaker"
	"github.com/wanderplan/llm-gateway/services/budget"
	"github.com/wanderplan/llm-gateway/services/cache"
	"github.com/wanderplan/llm-gateway/services/catalog"
	"github.com/wanderplan/llm-gateway/services/tenants"
	"github.com/wanderplan/llm-gateway/services/usage"
	"github.com/wanderplan/llm-gateway/utils"
)

// AdminHandler serves the operator surface: provider health, usage
// analytics, budget status, cache control, metrics, and catalog reloads.
// Everything here sits behind the admin API key.
type AdminHandler struct {
	breakers *breaker.Registry
	budget   *budget.Service
	cache    *cache.Manager
	catalog  *catalog.Catalog
	tenants  tenants.Store
	recorder *usage.Recorder
	metrics  *observability.Collector
	logger   *zap.Logger
}

func NewAdminHandler(
	breakers *breaker.Registry,
	budgetSvc *budget.Service,
	cacheMgr *cache.Manager,
	cat *catalog.Catalog,
	tenantStore tenants.Store,
	recorder *usage.Recorder,
	metrics *observability.Collector,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{
		breakers: breakers,
		budget:   budgetSvc,
		cache:    cacheMgr,
		catalog:  cat,
		tenants:  tenantStore,
		recorder: recorder,
		metrics:  metrics,
		logger:   logger,
	}
}

// HandleHealth handles GET /admin/health: the operator's deep view of
// provider circuits, cache, and the usage queue.
func (h *AdminHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, map[string]interface{}{
		"providers":       h.breakers.Details(),
		"cache":           h.cache.Stats(r.Context()),
		"usage_recorder":  h.recorder.Stats(),
		"catalog_version": h.catalog.Version(),
	})
}

// HandleAnalytics handles GET /admin/analytics?tenant_id=X&since=RFC3339.
// Without since the window defaults to the last 7 days.
func (h *AdminHandler) HandleAnalytics(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		_ = utils.WriteBadRequest(w, "tenant_id query parameter is required", nil)
		return
	}

	since := time.Now().AddDate(0, 0, -7)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			_ = utils.WriteBadRequest(w, "since must be an RFC3339 timestamp", nil)
			return
		}
		since = parsed
	}

	summaries, err := h.recorder.Summaries(r.Context(), tenantID, since)
	if err != nil {
		h.logger.Error("analytics query failed",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
		_ = utils.WriteInternalServerError(w, "Failed to query usage summaries")
		return
	}

	_ = utils.WriteOK(w, map[string]interface{}{
		"tenant_id": tenantID,
		"since":     since.UTC(),
		"summaries": summaries,
	})
}

// HandleBudget handles GET /admin/budgets/{tenantID}: current spend against
// the tenant's configured limits.
func (h *AdminHandler) HandleBudget(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if tenantID == "" {
		_ = utils.WriteBadRequest(w, "tenantID path parameter is required", nil)
		return
	}

	tenant, err := h.tenants.Get(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, tenants.ErrTenantNotFound) {
			_ = utils.WriteNotFound(w, "Unknown tenant: "+tenantID)
			return
		}
		h.logger.Error("tenant lookup failed",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
		_ = utils.WriteInternalServerError(w, "Failed to look up tenant")
		return
	}

	_ = utils.WriteOK(w, h.budget.Status(tenant))
}

// CacheClearRequest is the body of POST /admin/cache/clear. An empty
// pattern clears everything.
type CacheClearRequest struct {
	Pattern string `json:"pattern"`
}

// HandleCacheClear handles POST /admin/cache/clear.
func (h *AdminHandler) HandleCacheClear(w http.ResponseWriter, r *http.Request) {
	pattern := "*"
	if r.Body != nil && r.ContentLength != 0 {
		var payload CacheClearRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			_ = utils.WriteBadRequest(w, "Invalid JSON body", nil)
			return
		}
		if payload.Pattern != "" {
			pattern = payload.Pattern
		}
	}

	removed, err := h.cache.Invalidate(r.Context(), pattern)
	if err != nil {
		h.logger.Error("cache invalidation failed",
			zap.String("pattern", pattern),
			zap.Error(err))
		_ = utils.WriteInternalServerError(w, "Failed to invalidate cache")
		return
	}

	_ = utils.WriteOK(w, map[string]interface{}{
		"pattern": pattern,
		"removed": removed,
	})
}

// HandleMetrics handles GET /admin/metrics.
func (h *AdminHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.metrics.Snapshot())
}

// HandleCatalogReload handles POST /admin/catalog/reload. Reload is
// atomic: on a parse or validation failure the previous catalog stays in
// effect and the error comes back to the operator.
func (h *AdminHandler) HandleCatalogReload(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.Reload(); err != nil {
		h.logger.Error("catalog reload failed", zap.Error(err))
		_ = utils.WriteError(w, http.StatusUnprocessableEntity, "reload_failed", err.Error(), nil)
		return
	}

	_ = utils.WriteOK(w, map[string]interface{}{
		"status":  "reloaded",
		"version": h.catalog.Version(),
		"models":  len(h.catalog.All()),
	})
}
