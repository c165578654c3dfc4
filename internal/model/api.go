package model

import "time"

// Parameter length limits for inbound commands. These prevent a single
// oversized field from filling trace payloads or the external job's
// display name with caller-controlled garbage.
const (
	MaxParameterKeyLen   = 100
	MaxParameterValueLen = 4 * 1024 // 4 KB
	MaxParameters        = 50
)

// ValidateCommand checks structural limits on an inbound command. The
// gateway is trusted for identity, not for payload hygiene.
func ValidateCommand(c Command) error {
	if c.Requester == "" {
		return NewValidationError("requester_identity is required")
	}
	if len(c.Parameters) > MaxParameters {
		return NewValidationError("too many parameters")
	}
	for k, v := range c.Parameters {
		if len(k) > MaxParameterKeyLen {
			return NewValidationError("parameter key exceeds maximum length")
		}
		if len(v) > MaxParameterValueLen {
			return NewValidationError("parameter value exceeds maximum length")
		}
	}
	return nil
}

// ValidationError is a structural problem with an inbound command.
type ValidationError struct{ msg string }

// NewValidationError creates a ValidationError with the given message.
func NewValidationError(msg string) *ValidationError { return &ValidationError{msg: msg} }

func (e *ValidationError) Error() string { return "model: " + e.msg }

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
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// CommandResponse is the router's reply to an executed command. Deferred
// invocations receive an immediate acknowledgment (Deferred=true) and one
// or more follow-up messages posted to the command's response URL.
type CommandResponse struct {
	TraceID  string `json:"trace_id"`
	Message  string `json:"message"`
	Deferred bool   `json:"deferred,omitempty"`
	// ConversationID is set when the command requires confirmation; the
	// caller echoes it back with confirm=true to proceed.
	ConversationID string `json:"conversation_id,omitempty"`
	// RunURL links to the external run when one was matched.
	RunURL string `json:"run_url,omitempty"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Alerts  string `json:"alerts"` // "enabled" or "disabled"
	Uptime  int64  `json:"uptime_seconds"`
}
