package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wanderplan/llm-gateway/services/breaker"
	"github.com/wanderplan/llm-gateway/services/catalog"
	"github.com/wanderplan/llm-gateway/services/providers"
	"github.com/wanderplan/llm-gateway/utils"
)

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	catalog   *catalog.Catalog
	registry  *providers.Registry
	breakers  *breaker.Registry
	startedAt time.Time
	logger    *zap.Logger
}

func NewHealthHandler(cat *catalog.Catalog, registry *providers.Registry, breakers *breaker.Registry, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		catalog:   cat,
		registry:  registry,
		breakers:  breakers,
		startedAt: time.Now(),
		logger:    logger,
	}
}

// HandleHealth handles GET /health. Liveness only: the process is up and
// serving.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": time.Since(h.startedAt).Seconds(),
	})
}

// HandleReady handles GET /health/ready. Ready means the gateway can
// actually route: at least one provider adapter is registered and the
// catalog holds at least one enabled model. Provider circuit state is
// reported but does not fail readiness; an open breaker is a runtime
// condition, not a deployment problem.
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	providerNames := h.registry.Names()
	enabledModels := len(h.catalog.All())

	ready := len(providerNames) > 0 && enabledModels > 0

	body := map[string]interface{}{
		"status":          "ready",
		"providers":       providerNames,
		"enabled_models":  enabledModels,
		"catalog_version": h.catalog.Version(),
		"circuits":        h.breakers.Snapshot(),
	}

	if !ready {
		body["status"] = "not_ready"
		h.logger.Warn("readiness check failed",
			zap.Int("providers", len(providerNames)),
			zap.Int("enabled_models", enabledModels))
		_ = utils.WriteJSON(w, http.StatusServiceUnavailable, body)
		return
	}

	_ = utils.WriteOK(w, body)
}
