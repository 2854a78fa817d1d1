package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/wanderplan/llm-gateway/services"
	"github.com/wanderplan/llm-gateway/utils"
)

// errorLabels maps gateway error codes to the machine-readable labels the
// API exposes.
var errorLabels = map[services.ErrorCode]string{
	services.ErrCodeValidation:              "validation_error",
	services.ErrCodeRateLimitExceeded:       "rate_limit_exceeded",
	services.ErrCodeBudgetExceeded:          "budget_exceeded",
	services.ErrCodeAuthentication:          "authentication_error",
	services.ErrCodeServiceUnavailable:      "service_unavailable",
	services.ErrCodeConfiguration:           "configuration_error",
	services.ErrCodeAllProvidersUnavailable: "all_providers_unavailable",
	services.ErrCodeInternal:                "internal_error",
}

// HandleServiceError maps a GatewayError onto the HTTP response. The
// status code travels on the error itself; anything that is not a
// GatewayError is treated as an internal failure and hidden from the
// caller.
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	gerr, ok := services.AsGatewayError(err)
	if !ok {
		logger.Error("unexpected non-gateway error", zap.Error(err))
		_ = utils.WriteInternalServerError(w, "An unexpected error occurred")
		return
	}

	label, ok := errorLabels[gerr.Code]
	if !ok {
		label = "internal_error"
	}

	switch gerr.Code {
	case services.ErrCodeInternal:
		// Internals are logged, never echoed.
		logger.Error("internal gateway error", zap.Error(gerr))
		_ = utils.WriteInternalServerError(w, "An internal error occurred")
	case services.ErrCodeConfiguration:
		logger.Error("configuration error surfaced to caller", zap.Error(gerr))
		_ = utils.WriteError(w, gerr.StatusCode, label, gerr.Message, gerr.Details)
	default:
		_ = utils.WriteError(w, gerr.StatusCode, label, gerr.Message, gerr.Details)
	}
}
