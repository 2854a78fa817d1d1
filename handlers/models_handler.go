package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/wanderplan/llm-gateway/middleware"
	"github.com/wanderplan/llm-gateway/models"
	"github.com/wanderplan/llm-gateway/services/catalog"
	"github.com/wanderplan/llm-gateway/services/tenants"
	"github.com/wanderplan/llm-gateway/utils"
)

// ModelsHandler lists the catalog models the calling tenant may use.
type ModelsHandler struct {
	catalog *catalog.Catalog
	tenants tenants.Store
	logger  *zap.Logger
}

func NewModelsHandler(cat *catalog.Catalog, tenantStore tenants.Store, logger *zap.Logger) *ModelsHandler {
	return &ModelsHandler{
		catalog: cat,
		tenants: tenantStore,
		logger:  logger,
	}
}

// ModelView is the tenant-facing model listing. The rate card is included
// so clients can reason about cost; provider keys and internals are not.
type ModelView struct {
	ID               string             `json:"id"`
	Provider         string             `json:"provider"`
	InputCostPer1K   float64            `json:"input_cost_per_1k"`
	OutputCostPer1K  float64            `json:"output_cost_per_1k"`
	MaxContextTokens int                `json:"max_context_tokens"`
	Capabilities     []string           `json:"capabilities"`
	QualityTier      models.QualityTier `json:"quality_tier"`
}

// HandleListModels handles GET /api/v1/models, filtered by the tenant's
// provider and model allow-lists.
func (h *ModelsHandler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantIDFromContext(r.Context())
	if tenantID == "" {
		_ = utils.WriteUnauthorized(w, "Missing tenant identity")
		return
	}

	tenant, err := h.tenants.Get(r.Context(), tenantID)
	if err != nil {
		h.logger.Warn("model listing for unknown tenant",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
		_ = utils.WriteUnauthorized(w, "Unknown tenant")
		return
	}

	all := h.catalog.All()
	views := make([]ModelView, 0, len(all))
	for _, m := range all {
		if !tenant.AllowsProvider(m.Provider) || !tenant.AllowsModel(m.ID) {
			continue
		}
		views = append(views, ModelView{
			ID:               m.ID,
			Provider:         m.Provider,
			InputCostPer1K:   m.InputCostPer1K,
			OutputCostPer1K:  m.OutputCostPer1K,
			MaxContextTokens: m.MaxContextTokens,
			Capabilities:     m.Capabilities,
			QualityTier:      m.QualityTier,
		})
	}

	_ = utils.WriteOK(w, map[string]interface{}{
		"models": views,
	})
}
