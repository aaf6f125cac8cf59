package lib

import (
	"context"
	"errors"

	"github.com/gravitational/trace"
)

// IsCanceled checks if the error was caused by a context cancellation.
func IsCanceled(err error) bool {
	return errors.Is(trace.Unwrap(err), context.Canceled)
}

// IsDeadline checks if the error was caused by a deadline expiration.
func IsDeadline(err error) bool {
	return errors.Is(trace.Unwrap(err), context.DeadlineExceeded)
}
