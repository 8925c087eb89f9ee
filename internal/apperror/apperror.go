package apperror

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("Validation Error")
	ErrConflict     = errors.New("conflict")
	ErrForbidden    = errors.New("forbidden")
	ErrRateLimited  = errors.New("rate limited")
	ErrUnauthorized = errors.New("unauthorized")
	ErrUnavailable  = errors.New("unavailable")
)

type AppError struct {
	Err     error  // actual error
	Message string // Human-readable error message
	Field   string // Optional: field causing the error

	// RetryAfter is set on rate-limit errors: how long the caller must wait
	// before the next attempt can succeed.
	RetryAfter time.Duration
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s conflict with id %s", resource, id),
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// RateLimited reports a rejected send together with the remaining cooldown.
// The wait is rounded up to whole seconds in the message because that is what
// clients display; RetryAfter keeps full precision.
func RateLimited(remaining time.Duration) *AppError {
	secs := int((remaining + time.Second - 1) / time.Second)
	return &AppError{
		Err:        ErrRateLimited,
		Message:    fmt.Sprintf("please wait %d seconds before sending another message", secs),
		RetryAfter: remaining,
	}
}

// Unauthorized is returned for any authentication failure. The message is
// intentionally generic.
func Unauthorized(message string) *AppError {
	return &AppError{
		Err:     ErrUnauthorized,
		Message: message,
	}
}

// Unavailable wraps a persistence failure that the caller may surface as 503.
func Unavailable(op string, cause error) *AppError {
	return &AppError{
		Err:     errors.Join(ErrUnavailable, cause),
		Message: fmt.Sprintf("%s is temporarily unavailable", op),
	}
}

// RetryAfter extracts the cooldown carried by a rate-limit error, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) && errors.Is(appErr.Err, ErrRateLimited) {
		return appErr.RetryAfter, true
	}
	return 0, false
}
