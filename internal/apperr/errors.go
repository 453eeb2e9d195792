package apperr

import "errors"

var (
	// ErrInvalidTransition is returned when a request state machine guard is violated.
	// The request is left unchanged.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrBlocked is returned when either side of a conversation has blocked the other.
	ErrBlocked = errors.New("conversation blocked")

	// ErrWriteRejected is returned when the caller does not own the entity it tries to mutate.
	ErrWriteRejected = errors.New("write rejected")

	// ErrUnavailable wraps remote store or network failures. Writes surface it once;
	// subscriptions recover from it on their own.
	ErrUnavailable = errors.New("store unavailable")

	// ErrPermissionDenied is internal to the notification gateway and never reaches HTTP callers.
	ErrPermissionDenied = errors.New("notification permission denied")

	// ErrRateLimited is returned when a caller exceeds the support chat quota.
	ErrRateLimited = errors.New("rate limited")

	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
)

// Code maps an error to the stable code used in API error envelopes.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidTransition):
		return "INVALID_TRANSITION"
	case errors.Is(err, ErrBlocked):
		return "BLOCKED"
	case errors.Is(err, ErrWriteRejected):
		return "WRITE_REJECTED"
	case errors.Is(err, ErrUnavailable):
		return "UNAVAILABLE"
	case errors.Is(err, ErrPermissionDenied):
		return "PERMISSION_DENIED"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMITED"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR"
	default:
		return "INTERNAL"
	}
}
