package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/wanderplan/llm-gateway/middleware"
	"github.com/wanderplan/llm-gateway/models"
	"github.com/wanderplan/llm-gateway/utils"
)

// CompletionRequest is the wire shape of POST /api/v1/completions.
type CompletionRequest struct {
	Prompt         string   `json:"prompt" validate:"required"`
	TaskType       string   `json:"task_type" validate:"omitempty,oneof=general summarize classify extract creative"`
	Priority       string   `json:"priority" validate:"omitempty,oneof=low normal high"`
	PreferredModel string   `json:"preferred_model"`
	AvoidModels    []string `json:"avoid_models"`
	MaxTokens      int      `json:"max_tokens" validate:"omitempty,gte=0"`
	Temperature    float64  `json:"temperature" validate:"gte=0,lte=2"`
	Stream         bool     `json:"stream"`
	RequestID      string   `json:"request_id"`
	TenantID       string   `json:"tenant_id"`
	UserID         string   `json:"user_id"`
}

// CompletionService is the slice of the gateway the handler needs.
type CompletionService interface {
	Process(ctx context.Context, req *models.LLMRequest) (*models.LLMResponse, error)
}

// CompletionHandler is the thin HTTP front of the gateway pipeline.
type CompletionHandler struct {
	service CompletionService
	logger  *zap.Logger
}

func NewCompletionHandler(service CompletionService, logger *zap.Logger) *CompletionHandler {
	return &CompletionHandler{
		service: service,
		logger:  logger,
	}
}

// HandleCompletion handles POST /api/v1/completions. Identity comes from
// the verified token; a tenant_id in the body is allowed only when it
// matches, so a caller can never bill another tenant.
func (h *CompletionHandler) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantIDFromContext(r.Context())
	if tenantID == "" {
		_ = utils.WriteUnauthorized(w, "Missing tenant identity")
		return
	}

	var payload CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		_ = utils.WriteBadRequest(w, "Invalid JSON body", nil)
		return
	}

	if err := utils.ValidateStruct(payload); err != nil {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			details[k] = v
		}
		_ = utils.WriteBadRequest(w, "Validation failed", details)
		return
	}

	if payload.TenantID != "" && payload.TenantID != tenantID {
		_ = utils.WriteForbidden(w, "tenant_id does not match the authenticated tenant")
		return
	}

	userID := middleware.GetUserIDFromContext(r.Context())
	if payload.UserID != "" {
		userID = payload.UserID
	}

	req := &models.LLMRequest{
		RequestID:      payload.RequestID,
		TenantID:       tenantID,
		UserID:         userID,
		Prompt:         payload.Prompt,
		TaskType:       models.TaskType(payload.TaskType),
		Priority:       models.Priority(payload.Priority),
		PreferredModel: payload.PreferredModel,
		AvoidModels:    payload.AvoidModels,
		MaxTokens:      payload.MaxTokens,
		Temperature:    payload.Temperature,
		Stream:         payload.Stream,
	}

	resp, err := h.service.Process(r.Context(), req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteOK(w, resp); err != nil {
		h.logger.Error("failed to write completion response",
			zap.String("request_id", resp.RequestID),
			zap.Error(err))
	}
}
