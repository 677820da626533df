// ABOUTME: Transport error taxonomy: transient vs permanent failures
// ABOUTME: Transient errors are retried; permanent errors are dead-lettered

package transport

import (
	"errors"
	"fmt"
)

// ErrTransient marks a failure worth retrying (timeouts, 5xx, rate limits).
var ErrTransient = errors.New("transient transport error")

// ErrPermanent marks a failure retrying cannot fix (4xx, blocked chat).
var ErrPermanent = errors.New("permanent transport error")

// Transientf wraps a formatted error as transient.
func Transientf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}

// Permanentf wraps a formatted error as permanent.
func Permanentf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermanent, fmt.Sprintf(format, args...))
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsPermanent reports whether err is not worth retrying.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
