package device

import (
	"errors"
	"fmt"
)

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // auto-register
//	}
var (
	// ErrDeviceNotFound is returned when a device id or UUID does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists is returned when registering a UUID that is already known.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrInvalidStatus is returned for a status outside the known set.
	ErrInvalidStatus = errors.New("device: invalid status")

	// ErrInvalidTransition is returned when the state machine rejects a change.
	ErrInvalidTransition = errors.New("device: invalid status transition")
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	if IsTerminal(e.From) {
		return fmt.Sprintf("device: %s is terminal, cannot move to %s", e.From, e.To)
	}
	return fmt.Sprintf("device: transition %s -> %s not allowed", e.From, e.To)
}

// Unwrap allows errors.Is(err, ErrInvalidTransition).
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
