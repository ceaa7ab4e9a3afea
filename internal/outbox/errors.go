package outbox

import "errors"

var (
	// ErrEntryNotPending is returned when marking an entry that is missing
	// or already published.
	ErrEntryNotPending = errors.New("outbox: entry not pending")

	// ErrUnknownTransport is returned for a transport other than mqtt or kafka.
	ErrUnknownTransport = errors.New("outbox: unknown transport")
)
