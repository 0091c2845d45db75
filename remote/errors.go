package remote

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable covers timeouts and transport failures. Retryable.
	ErrUnavailable = errors.New("store unavailable")

	// ErrUnauthorized is returned when the store rejects the credential.
	// Non-retryable.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRejected is returned when the store processed the request and
	// declined it (success=false). Non-retryable.
	ErrRejected = errors.New("operation rejected")
)

// Retryable reports whether err is a connectivity-class failure worth
// retrying. Rejections and authorization failures are not: they will fail
// identically on every attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}
