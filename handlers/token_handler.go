package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wanderplan/llm-gateway/middleware"
	"github.com/wanderplan/llm-gateway/utils"
)

// TokenRequest is the wire shape of POST /api/v1/auth/token.
type TokenRequest struct {
	TenantID string `json:"tenant_id" validate:"required"`
	UserID   string `json:"user_id" validate:"required"`
}

// TokenResponse carries an issued development token.
type TokenResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenHandler issues tenant bearer tokens for development and testing.
// In production the host application mints tokens with the shared secret
// and this endpoint is not routed at all.
type TokenHandler struct {
	jwtSecret string
	tokenTTL  time.Duration
	logger    *zap.Logger
}

func NewTokenHandler(jwtSecret string, tokenTTL time.Duration, logger *zap.Logger) *TokenHandler {
	return &TokenHandler{
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
		logger:    logger,
	}
}

// HandleIssueToken handles POST /api/v1/auth/token
func (h *TokenHandler) HandleIssueToken(w http.ResponseWriter, r *http.Request) {
	if h.jwtSecret == "" {
		_ = utils.WriteError(w, http.StatusServiceUnavailable, "service_unavailable",
			"Token issuance is not configured", nil)
		return
	}

	var payload TokenRequest
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

	token, err := middleware.GenerateToken(payload.TenantID, payload.UserID, h.jwtSecret, h.tokenTTL)
	if err != nil {
		h.logger.Error("token generation failed", zap.Error(err))
		_ = utils.WriteInternalServerError(w, "Failed to issue token")
		return
	}

	_ = utils.WriteOK(w, TokenResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresAt: time.Now().Add(h.tokenTTL).UTC(),
	})
}
