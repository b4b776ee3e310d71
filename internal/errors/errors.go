// Package errors provides structured error handling with context propagation and HTTP status code mapping.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/cyrongau/fudaydiye-live/internal/domain"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/sony/gobreaker"
)

// ErrorType represents the category of error for metrics and response formatting.
type ErrorType string

const (
	// TypeValidation indicates invalid input (HTTP 400)
	TypeValidation ErrorType = "validation"
	// TypeForbidden indicates the caller may not act on the resource (HTTP 403)
	TypeForbidden ErrorType = "forbidden"
	// TypeNotFound indicates resource not found (HTTP 404)
	TypeNotFound ErrorType = "not_found"
	// TypeConflict indicates resource conflict (HTTP 409)
	TypeConflict ErrorType = "conflict"
	// TypeGone indicates a hold or offer that is no longer available (HTTP 410)
	TypeGone ErrorType = "gone"
	// TypeRejected indicates a downstream business rejection (HTTP 422)
	TypeRejected ErrorType = "rejected"
	// TypeNotLive indicates the session no longer accepts the operation (HTTP 423)
	TypeNotLive ErrorType = "not_live"
	// TypeRateLimited indicates the caller is sending too fast (HTTP 429)
	TypeRateLimited ErrorType = "rate_limited"
	// TypeInternal indicates server-side error (HTTP 500)
	TypeInternal ErrorType = "internal"
	// TypeExternal indicates external service error (HTTP 502)
	TypeExternal ErrorType = "external"
	// TypeUnavailable indicates a dependency is down; the call may be retried (HTTP 503)
	TypeUnavailable ErrorType = "unavailable"
)

// Error represents a structured error with type, message, and context.
type Error struct {
	Type    ErrorType
	Code    string
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the appropriate HTTP status code for this error type.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeValidation:
		return http.StatusBadRequest
	case TypeForbidden:
		return http.StatusForbidden
	case TypeNotFound:
		return http.StatusNotFound
	case TypeConflict:
		return http.StatusConflict
	case TypeGone:
		return http.StatusGone
	case TypeRejected:
		return http.StatusUnprocessableEntity
	case TypeNotLive:
		return http.StatusLocked
	case TypeRateLimited:
		return http.StatusTooManyRequests
	case TypeExternal:
		return http.StatusBadGateway
	case TypeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func newError(t ErrorType, message string, cause error) *Error {
	return &Error{
		Type:    t,
		Message: message,
		Cause:   cause,
		Context: make(map[string]any),
	}
}

// ValidationError creates a new validation error (HTTP 400).
func ValidationError(message string) *Error {
	return newError(TypeValidation, message, nil)
}

// NotFoundError creates a new not-found error (HTTP 404).
func NotFoundError(message string) *Error {
	return newError(TypeNotFound, message, nil)
}

// ConflictError creates a new conflict error (HTTP 409).
func ConflictError(message string) *Error {
	return newError(TypeConflict, message, nil)
}

// ForbiddenError creates a new forbidden error (HTTP 403).
func ForbiddenError(message string) *Error {
	return newError(TypeForbidden, message, nil)
}

// InternalError creates a new internal error (HTTP 500).
func InternalError(message string, cause error) *Error {
	return newError(TypeInternal, message, cause)
}

// ExternalError creates a new external service error (HTTP 502).
func ExternalError(message string, cause error) *Error {
	return newError(TypeExternal, message, cause)
}

// WithContext adds context fields to the error (chainable).
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithCode sets the machine-readable code clients branch on (chainable).
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// ErrorResponse represents the JSON structure sent to clients.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Type    ErrorType      `json:"type"`
	Code    string         `json:"code,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// ToResponse converts an Error to an ErrorResponse for JSON serialization.
func (e *Error) ToResponse() ErrorResponse {
	return ErrorResponse{
		Error:   e.Message,
		Type:    e.Type,
		Code:    e.Code,
		Context: e.Context,
	}
}

// domainMapping is checked in order; the first sentinel err matches wins.
var domainMapping = []struct {
	sentinel error
	errType  ErrorType
	code     string
}{
	{domain.ErrValidation, TypeValidation, "validation_failed"},
	{domain.ErrForbidden, TypeForbidden, "forbidden"},
	{domain.ErrSessionNotFound, TypeNotFound, "session_not_found"},
	{domain.ErrReservationNotFound, TypeNotFound, "reservation_not_found"},
	{domain.ErrCheckoutNotFound, TypeNotFound, "checkout_not_found"},
	{domain.ErrSessionNotLive, TypeNotLive, "session_not_live"},
	{domain.ErrInvalidTransition, TypeConflict, "invalid_transition"},
	{domain.ErrSessionActive, TypeConflict, "session_active"},
	{domain.ErrAlreadyReserved, TypeConflict, "already_reserved"},
	{domain.ErrCheckoutState, TypeConflict, "checkout_state"},
	{domain.ErrReservationExpired, TypeGone, "reservation_expired"},
	{domain.ErrOrderRejected, TypeRejected, "order_rejected"},
	{domain.ErrOrderUnavailable, TypeExternal, "order_unavailable"},
	{domain.ErrTransportUnavailable, TypeUnavailable, "transport_unavailable"},
	{gobreaker.ErrOpenState, TypeUnavailable, "upstream_circuit_open"},
	{circuitbreaker.ErrOpen, TypeUnavailable, "store_circuit_open"},
}

// FromDomain maps a domain sentinel to a structured error. Returns nil when
// err matches none.
func FromDomain(err error) *Error {
	for _, m := range domainMapping {
		if !errors.Is(err, m.sentinel) {
			continue
		}
		// Only rejections carry the downstream message; other causes stay in logs.
		message := m.sentinel.Error()
		if m.errType == TypeRejected {
			message = err.Error()
		}
		e := newError(m.errType, message, err).WithCode(m.code)
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			e.Message = ve.Reason
			e.WithContext("field", ve.Field)
		}
		return e
	}
	return nil
}

// AsStructuredError converts any error into a structured Error.
// An *Error is returned unchanged, domain sentinels are mapped, and
// anything else becomes an internal error.
func AsStructuredError(err error) *Error {
	if err == nil {
		return nil
	}

	var structuredErr *Error
	if errors.As(err, &structuredErr) {
		return structuredErr
	}

	if mapped := FromDomain(err); mapped != nil {
		return mapped
	}

	return InternalError("internal server error", err)
}
