// Package models - API response types and error handling.
// This file defines the outgoing JSON shapes of the gate and the account
// security endpoints.
//
// Shapes are fixed by existing API clients:
// - authentication failures carry only {message}
// - two-factor failures carry only {error}
// - rate limit rejections carry {error, message, retry_after}
package models

import (
	"time"
)

// ErrorResponse is the generic structured error used by endpoints that have
// no legacy shape to honour (health, key issuance, method not allowed).
type ErrorResponse struct {
	Error     string            `json:"error"`                // Error type (always "error")
	Message   string            `json:"message"`              // Human-readable error description
	Code      string            `json:"code,omitempty"`       // Machine-readable error code
	Details   map[string]string `json:"details,omitempty"`    // Field-specific error details
	Timestamp time.Time         `json:"timestamp"`            // Error occurrence time
	RequestID string            `json:"request_id,omitempty"` // Unique request identifier
}

// AuthErrorResponse is returned with 401 by the API key authenticator.
type AuthErrorResponse struct {
	Message string `json:"message"`
}

// TwoFactorErrorResponse is returned with 4xx by the 2FA endpoints.
type TwoFactorErrorResponse struct {
	Error string `json:"error"`
}

// RateLimitExceededResponse is returned with 429 by the gate.
type RateLimitExceededResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retry_after"` // Epoch seconds
}

// RateLimitUnavailableResponse is returned with 503 when the bucket store is
// down and the gate fails closed.
type RateLimitUnavailableResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// TwoFactorSetupResponse is returned by POST /api/2fa/setup.
type TwoFactorSetupResponse struct {
	Secret          string `json:"secret"`
	QRCode          string `json:"qr_code"` // data:image/png;base64,...
	ProvisioningURI string `json:"provisioning_uri"`
	Message         string `json:"message"`
}

// TwoFactorEnableResponse is returned by POST /api/2fa/enable. BackupCodes
// are plaintext and never retrievable again.
type TwoFactorEnableResponse struct {
	Message     string   `json:"message"`
	BackupCodes []string `json:"backup_codes"`
	Warning     string   `json:"warning"`
}

// MessageResponse is a plain acknowledgement.
type MessageResponse struct {
	Message string `json:"message"`
}

// BackupCodeVerifyResponse is returned by POST /api/2fa/backup-codes/verify.
type BackupCodeVerifyResponse struct {
	Valid           bool   `json:"valid"`
	BackupCodesLeft int    `json:"backup_codes_left"`
	Message         string `json:"message"`
}

// APIKeyIssuedResponse carries the raw key exactly once.
type APIKeyIssuedResponse struct {
	Key       string    `json:"key"`
	Prefix    string    `json:"prefix"`
	CreatedAt time.Time `json:"created_at"`
	Message   string    `json:"message"`
}

// MeResponse is returned by GET /api/me.
type MeResponse struct {
	Account AccountView `json:"account"`
	Tier    string      `json:"rate_limit_tier"`
	Limit   int         `json:"rate_limit"`
}

type HealthCheckResponse struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

type ComponentHealth struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Fixed user-facing strings.
const (
	TwoFactorSetupMessage  = "Scan this QR code with your authenticator app..."
	TwoFactorEnableMessage = "2FA enabled successfully"
	TwoFactorEnableWarning = "Save these backup codes in a safe place. They will not be shown again."
	RateLimitErrorTitle    = "Too Many Requests"
	RateLimitErrorMessage  = "Rate limit exceeded. Please try again later."
	UnavailableErrorTitle  = "Service Unavailable"
	RateLimitUnavailable   = "Rate limiting is temporarily unavailable."
)

const (
	StatusHealthy   = "healthy"   // All systems operational
	StatusUnhealthy = "unhealthy" // Major system issues
	StatusDegraded  = "degraded"  // Partial functionality
)

const (
	ErrorCodeNotFound           = "NOT_FOUND"           // 404: Resource doesn't exist
	ErrorCodeBadRequest         = "BAD_REQUEST"         // 400: Invalid request format
	ErrorCodeInvalidRequest     = "INVALID_REQUEST"     // 400: Invalid request data
	ErrorCodeValidation         = "VALIDATION_ERROR"    // 422: Input validation failed
	ErrorCodeInternalError      = "INTERNAL_ERROR"      // 500: Server-side error
	ErrorCodeUnauthorized       = "UNAUTHORIZED"        // 401: Authentication required
	ErrorCodeForbidden          = "FORBIDDEN"           // 403: Permission denied
	ErrorCodeConflict           = "CONFLICT"            // 409: Resource conflict
	ErrorCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED" // 429: Bucket empty
	ErrorCodeServiceUnavailable = "SERVICE_UNAVAILABLE" // 503: Backing store down
)

func NewErrorResponse(message string, code string) *ErrorResponse {
	return &ErrorResponse{
		Error:     "error",
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

// NewRateLimitExceededResponse builds the 429 body for a bucket that refills at resetAt.
func NewRateLimitExceededResponse(resetAt time.Time) *RateLimitExceededResponse {
	return &RateLimitExceededResponse{
		Error:      RateLimitErrorTitle,
		Message:    RateLimitErrorMessage,
		RetryAfter: resetAt.Unix(),
	}
}

// NewRateLimitUnavailableResponse builds the 503 body for a fail-closed gate.
func NewRateLimitUnavailableResponse() *RateLimitUnavailableResponse {
	return &RateLimitUnavailableResponse{
		Error:   UnavailableErrorTitle,
		Message: RateLimitUnavailable,
	}
}

func NewHealthCheckResponse(status string) *HealthCheckResponse {
	return &HealthCheckResponse{
		Status:     status,
		Timestamp:  time.Now(),
		Components: make(map[string]ComponentHealth),
	}
}

// AddComponent records a component status and degrades the overall status
// when the component is not healthy.
func (h *HealthCheckResponse) AddComponent(name, status, message string) {
	h.Components[name] = ComponentHealth{
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
	}
	if status != StatusHealthy && h.Status == StatusHealthy {
		h.Status = StatusDegraded
	}
	if status == StatusUnhealthy {
		h.Status = StatusUnhealthy
	}
}
