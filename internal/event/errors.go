package event

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidEvent is the sentinel wrapped by every ValidationError.
	ErrInvalidEvent = errors.New("event: invalid")

	// ErrDuplicateKey is returned when an idempotency key has already been stored.
	ErrDuplicateKey = errors.New("event: duplicate idempotency key")

	// ErrNotFound is returned when an event id does not exist.
	ErrNotFound = errors.New("event: not found")
)

// ValidationError reports a wire envelope that can never become valid.
// Consumers drop such messages instead of requeueing them.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid event: %s: %v", e.Reason, e.Err)
	}
	return "invalid event: " + e.Reason
}

// Unwrap lets errors.Is match ErrInvalidEvent and the underlying cause.
func (e *ValidationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalidEvent, e.Err}
	}
	return []error{ErrInvalidEvent}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
