package device

import "github.com/nerrad567/smartaccess-core/internal/event"

// transitions is the allowed-target table per source status.
// No status lists itself; DECOMMISSIONED lists nothing.
var transitions = map[Status][]Status{
	StatusRegistered:     {StatusOnline, StatusOffline, StatusMaintenance, StatusDecommissioned},
	StatusOnline:         {StatusOffline, StatusError, StatusMaintenance, StatusDecommissioned},
	StatusOffline:        {StatusOnline, StatusError, StatusMaintenance, StatusDecommissioned},
	StatusError:          {StatusOnline, StatusOffline, StatusMaintenance, StatusDecommissioned},
	StatusMaintenance:    {StatusOnline, StatusOffline, StatusDecommissioned},
	StatusDecommissioned: {},
}

// eventStatus maps the event types that imply a device status.
var eventStatus = map[event.Type]Status{
	event.TypeDeviceConnected:      StatusOnline,
	event.TypeDeviceDisconnected:   StatusOffline,
	event.TypeErrorReported:        StatusError,
	event.TypeMaintenanceStarted:   StatusMaintenance,
	event.TypeMaintenanceCompleted: StatusOnline,
}

// IsValidTransition reports whether from -> to is allowed.
func IsValidTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a *TransitionError when from -> to is not allowed.
func ValidateTransition(from, to Status) error {
	if !IsValidTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// AllowedTransitions returns a copy of the targets reachable from status.
func AllowedTransitions(from Status) []Status {
	allowed := transitions[from]
	out := make([]Status, len(allowed))
	copy(out, allowed)
	return out
}

// IsTerminal reports whether no transition leaves status.
func IsTerminal(s Status) bool {
	allowed, known := transitions[s]
	return known && len(allowed) == 0
}

// StatusForEvent returns the status an event type implies, and false for
// event types that do not affect device status (telemetry, access, commands).
func StatusForEvent(t event.Type) (Status, bool) {
	s, ok := eventStatus[t]
	return s, ok
}
