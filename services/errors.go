package services

import (
	"errors"
	"fmt"
)

// ErrorCode identifies the category of a gateway error
type ErrorCode string

const (
	ErrCodeValidation              ErrorCode = "VALIDATION_ERROR"
	ErrCodeRateLimitExceeded       ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeBudgetExceeded          ErrorCode = "BUDGET_EXCEEDED"
	ErrCodeAuthentication          ErrorCode = "AUTHENTICATION_ERROR"
	ErrCodeServiceUnavailable      ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeConfiguration           ErrorCode = "CONFIGURATION_ERROR"
	ErrCodeAllProvidersUnavailable ErrorCode = "ALL_PROVIDERS_UNAVAILABLE"
	ErrCodeInternal                ErrorCode = "INTERNAL_ERROR"
)

// ErrorScope distinguishes whether a condition originated on the tenant
// side (admission) or the provider side (upstream call). Rate-limit and
// authentication errors occur on both sides with different handling: a
// tenant-scoped rate limit is terminal, a provider-scoped one advances the
// fallback loop.
type ErrorScope string

const (
	ScopeTenant   ErrorScope = "tenant"
	ScopeProvider ErrorScope = "provider"
)

// GatewayError is the single error shape every component raises. Adapters
// translate provider wire errors into it; the fallback loop and the HTTP
// layer dispatch on Code, never on concrete upstream types.
type GatewayError struct {
	Code       ErrorCode
	Scope      ErrorScope
	Message    string
	StatusCode int
	Retryable  bool
	Err        error
	Details    map[string]interface{}
}

// Error implements the error interface
func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is; two gateway errors match when their codes match.
func (e *GatewayError) Is(target error) bool {
	t, ok := target.(*GatewayError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetail attaches a key/value pair for logging and API responses.
func (e *GatewayError) WithDetail(key string, value interface{}) *GatewayError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// AttemptRecord summarizes one failed candidate attempt. The terminal
// all-providers-unavailable error carries the full list so operators can see
// every failure even though the caller only receives the aggregate.
type AttemptRecord struct {
	AttemptNumber int       `json:"attempt_number"`
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	ErrorCode     ErrorCode `json:"error_code"`
	Message       string    `json:"message"`
	Skipped       bool      `json:"skipped"`
}

// Constructors

// NewValidationError reports malformed input. Terminal, surfaced
// immediately, costs nothing.
func NewValidationError(message string) *GatewayError {
	return &GatewayError{
		Code:       ErrCodeValidation,
		Scope:      ScopeTenant,
		Message:    message,
		StatusCode: 400,
		Retryable:  false,
	}
}

// NewBudgetExceededError reports an admission denial. Terminal; no provider
// was contacted and the ledger was not touched.
func NewBudgetExceededError(message string) *GatewayError {
	return &GatewayError{
		Code:       ErrCodeBudgetExceeded,
		Scope:      ScopeTenant,
		Message:    message,
		StatusCode: 402,
		Retryable:  false,
	}
}

// NewRateLimitError reports throttling. Provider scope is retryable by
// advancing to the next candidate; tenant scope is a terminal admission
// denial.
func NewRateLimitError(scope ErrorScope, message string) *GatewayError {
	return &GatewayError{
		Code:       ErrCodeRateLimitExceeded,
		Scope:      scope,
		Message:    message,
		StatusCode: 429,
		Retryable:  scope == ScopeProvider,
	}
}

// NewAuthenticationError reports a credential failure. Provider scope means
// the gateway's own upstream credentials are broken, which operators need
// to hear about; tenant scope means the caller's token failed.
func NewAuthenticationError(scope ErrorScope, message string) *GatewayError {
	return &GatewayError{
		Code:       ErrCodeAuthentication,
		Scope:      scope,
		Message:    message,
		StatusCode: 401,
		Retryable:  false,
	}
}

// NewServiceUnavailableError reports an upstream failure (5xx, network,
// timeout). Retryable via fallback.
func NewServiceUnavailableError(message string, err error) *GatewayError {
	return &GatewayError{
		Code:       ErrCodeServiceUnavailable,
		Scope:      ScopeProvider,
		Message:    message,
		StatusCode: 503,
		Retryable:  true,
		Err:        err,
	}
}

// NewConfigurationError reports that no viable candidate exists at all.
// This is a tenant/catalog setup bug, not a per-request runtime condition.
func NewConfigurationError(message string) *GatewayError {
	return &GatewayError{
		Code:       ErrCodeConfiguration,
		Scope:      ScopeTenant,
		Message:    message,
		StatusCode: 500,
		Retryable:  false,
	}
}

// NewAllProvidersUnavailableError reports that every ordered candidate
// failed or was short-circuited. The attempt records ride in Details.
func NewAllProvidersUnavailableError(attempts []AttemptRecord) *GatewayError {
	e := &GatewayError{
		Code:       ErrCodeAllProvidersUnavailable,
		Scope:      ScopeProvider,
		Message:    fmt.Sprintf("all %d candidate providers failed or were unavailable", len(attempts)),
		StatusCode: 503,
		Retryable:  false,
	}
	return e.WithDetail("attempts", attempts)
}

// NewInternalError wraps an unexpected failure inside the gateway itself.
func NewInternalError(message string, err error) *GatewayError {
	return &GatewayError{
		Code:       ErrCodeInternal,
		Scope:      ScopeTenant,
		Message:    message,
		StatusCode: 500,
		Retryable:  false,
		Err:        err,
	}
}

// Error type checking helper functions

// AsGatewayError extracts a GatewayError from an error chain.
func AsGatewayError(err error) (*GatewayError, bool) {
	var gerr *GatewayError
	if errors.As(err, &gerr) {
		return gerr, true
	}
	return nil, false
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return codeOf(err) == ErrCodeValidation
}

// IsBudgetExceededError checks if an error is a budget admission denial
func IsBudgetExceededError(err error) bool {
	return codeOf(err) == ErrCodeBudgetExceeded
}

// IsRateLimitError checks if an error is a rate limit error (either scope)
func IsRateLimitError(err error) bool {
	return codeOf(err) == ErrCodeRateLimitExceeded
}

// IsAuthenticationError checks if an error is an authentication error
func IsAuthenticationError(err error) bool {
	return codeOf(err) == ErrCodeAuthentication
}

// IsServiceUnavailableError checks if an error is an upstream availability error
func IsServiceUnavailableError(err error) bool {
	return codeOf(err) == ErrCodeServiceUnavailable
}

// IsConfigurationError checks if an error is a configuration error
func IsConfigurationError(err error) bool {
	return codeOf(err) == ErrCodeConfiguration
}

// IsAllProvidersUnavailableError checks if an error is the terminal fallback failure
func IsAllProvidersUnavailableError(err error) bool {
	return codeOf(err) == ErrCodeAllProvidersUnavailable
}

// IsRetryable reports whether the fallback loop may advance past this error.
func IsRetryable(err error) bool {
	if gerr, ok := AsGatewayError(err); ok {
		return gerr.Retryable
	}
	return false
}

// CodeOf returns the error code, or ErrCodeInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	if c := codeOf(err); c != "" {
		return c
	}
	return ErrCodeInternal
}

func codeOf(err error) ErrorCode {
	if gerr, ok := AsGatewayError(err); ok {
		return gerr.Code
	}
	return ""
}
