package model

import "time"

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// IngressEventRequest is the request body for POST /v1/events.
// Either Event or EventType must be present; if both are present and differ,
// the dispatcher rejects the ambiguity rather than guessing.
type IngressEventRequest struct {
	Event         *string        `json:"event,omitempty"`      // legacy field name
	EventType     *string        `json:"event_type,omitempty"` // dots normalised to underscores
	Payload       map[string]any `json:"payload"`
	CorrelationID *string        `json:"correlation_id,omitempty"`
}

// IngressEventResponse is the response body for POST /v1/events.
type IngressEventResponse struct {
	Status    string `json:"status"`              // "ok" or "ignored"
	Processed string `json:"processed,omitempty"` // normalised event type, on "ok"
	Reason    string `json:"reason,omitempty"`    // "unknown_event_type:<T>", on "ignored"
}

// ManualDecisionRequest is the request body for POST /workflow/{id}/manual-decision.
type ManualDecisionRequest struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
	Actor    string `json:"actor,omitempty"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	PrincipalID string `json:"principal_id"`
	APIKey      string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ScopedTokenRequest is the request body for POST /auth/scoped-token, used by
// an operator to mint a short-lived investigator credential for one tenant.
type ScopedTokenRequest struct {
	TenantID  string `json:"tenant_id"`
	ExpiresIn int    `json:"expires_in,omitempty"` // seconds; capped at MaxScopedTokenTTL
}

// ScopedTokenResponse is the response for POST /auth/scoped-token.
type ScopedTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	TenantID  string    `json:"tenant_id"`
	ScopedBy  string    `json:"scoped_by"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptime_seconds"`
}
