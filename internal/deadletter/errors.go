package deadletter

import "errors"

// ErrAlreadyDeadLettered is returned when an event already has a record.
var ErrAlreadyDeadLettered = errors.New("deadletter: event already dead-lettered")
