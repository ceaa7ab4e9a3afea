package retry

import "errors"

var (
	// ErrUnknownStrategy is returned by NewStrategy for an unrecognised name.
	ErrUnknownStrategy = errors.New("retry: unknown strategy")

	// ErrExhausted marks an event that has used all of its retries.
	ErrExhausted = errors.New("retry: attempts exhausted")
)
