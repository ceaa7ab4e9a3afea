package device

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a device, governed by the state machine.
type Status string

// Device statuses.
const (
	StatusRegistered     Status = "REGISTERED"
	StatusOnline         Status = "ONLINE"
	StatusOffline        Status = "OFFLINE"
	StatusError          Status = "ERROR"
	StatusMaintenance    Status = "MAINTENANCE"
	StatusDecommissioned Status = "DECOMMISSIONED"
)

// AllStatuses returns every status in declaration order.
func AllStatuses() []Status {
	return []Status{
		StatusRegistered,
		StatusOnline,
		StatusOffline,
		StatusError,
		StatusMaintenance,
		StatusDecommissioned,
	}
}

// ParseStatus converts a stored string into a Status.
func ParseStatus(s string) (Status, error) {
	status := Status(s)
	if _, ok := transitions[status]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return status, nil
}

// Device is a physical access-control endpoint (reader, lock, sensor).
// DeviceUUID is the stable identity devices report on the wire; ID is ours.
type Device struct {
	ID              string     `json:"id"`
	DeviceUUID      string     `json:"deviceUuid"`
	Name            string     `json:"name"`
	Location        string     `json:"location"`
	Status          Status     `json:"status"`
	FirmwareVersion string     `json:"firmwareVersion"`
	LastSeenAt      *time.Time `json:"lastSeenAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Clone returns an independent copy of the device.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	cp := *d
	if d.LastSeenAt != nil {
		t := *d.LastSeenAt
		cp.LastSeenAt = &t
	}
	return &cp
}

// Hints are the optional descriptive fields an event payload may carry
// for a device that has not been registered yet.
type Hints struct {
	Name            string
	Location        string
	FirmwareVersion string
}

// HintsFromPayload extracts auto-registration hints from an event payload.
// Non-string values are ignored.
func HintsFromPayload(payload map[string]any) Hints {
	str := func(key string) string {
		s, _ := payload[key].(string)
		return s
	}
	return Hints{
		Name:            str("name"),
		Location:        str("location"),
		FirmwareVersion: str("firmwareVersion"),
	}
}

// NewFromHints builds an unsaved REGISTERED device for deviceUUID.
func NewFromHints(deviceUUID string, h Hints) *Device {
	name := h.Name
	if name == "" {
		name = "Device " + deviceUUID
	}
	return &Device{
		DeviceUUID:      deviceUUID,
		Name:            name,
		Location:        h.Location,
		Status:          StatusRegistered,
		FirmwareVersion: h.FirmwareVersion,
	}
}

// StatusHistoryEntry records one applied status transition.
type StatusHistoryEntry struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"deviceId"`
	FromStatus Status    `json:"fromStatus"`
	ToStatus   Status    `json:"toStatus"`
	Reason     string    `json:"reason"`
	EventID    string    `json:"eventId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}
