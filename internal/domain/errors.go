package domain

import "errors"

var (
	ErrValidation           = errors.New("validation failed")
	ErrInvalidTransition    = errors.New("invalid session status transition")
	ErrSessionNotLive       = errors.New("session is not live")
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionActive        = errors.New("session has not ended")
	ErrAlreadyReserved      = errors.New("item is already reserved")
	ErrReservationExpired   = errors.New("reservation expired")
	ErrReservationNotFound  = errors.New("reservation not found")
	ErrCheckoutNotFound     = errors.New("checkout intent not found")
	ErrCheckoutState        = errors.New("checkout intent is not in a state that allows this operation")
	ErrTransportUnavailable = errors.New("media transport unavailable")
	ErrOrderRejected        = errors.New("order rejected")
	ErrOrderUnavailable     = errors.New("order service unavailable")
	ErrForbidden            = errors.New("forbidden")
)

// ValidationError carries the offending field alongside ErrValidation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Field + ": " + e.Reason
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Invalid builds a *ValidationError for field.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
