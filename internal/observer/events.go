package observer

import "time"

// Kind identifies a domain event variant.
type Kind string

// Domain event kinds.
const (
	KindDeviceRegistered    Kind = "device.registered"
	KindDeviceStatusChanged Kind = "device.status_changed"
	KindAlertRaised         Kind = "alert.raised"
	KindEventProcessed      Kind = "event.processed"
	KindEventDeadLettered   Kind = "event.dead_lettered"
	KindTelemetryReceived   Kind = "telemetry.received"
)

// Event is implemented only by the variants in this file.
type Event interface {
	Kind() Kind
	domainEvent()
}

// DeviceRegistered is emitted after an unknown device is auto-registered.
type DeviceRegistered struct {
	DeviceID   string
	DeviceUUID string
	Name       string
	Location   string
}

// DeviceStatusChanged is emitted after a status transition commits.
type DeviceStatusChanged struct {
	DeviceID   string
	DeviceUUID string
	From       string
	To         string
	EventID    string
}

// AlertRaised is emitted after an alert passes deduplication.
type AlertRaised struct {
	AlertID    string
	DeviceID   string
	DeviceUUID string
	Severity   string
	Metric     string
	Message    string
}

// EventProcessed is emitted after an event reaches PROCESSED.
type EventProcessed struct {
	EventID        string
	IdempotencyKey string
	DeviceID       string
	EventType      string
}

// EventDeadLettered is emitted after an event is moved to the dead-letter store.
type EventDeadLettered struct {
	EventID string
	Reason  string
}

// TelemetryReceived carries the numeric fields of a TELEMETRY event.
type TelemetryReceived struct {
	DeviceID   string
	DeviceUUID string
	Fields     map[string]float64
	OccurredAt time.Time
}

func (DeviceRegistered) Kind() Kind    { return KindDeviceRegistered }
func (DeviceStatusChanged) Kind() Kind { return KindDeviceStatusChanged }
func (AlertRaised) Kind() Kind         { return KindAlertRaised }
func (EventProcessed) Kind() Kind      { return KindEventProcessed }
func (EventDeadLettered) Kind() Kind   { return KindEventDeadLettered }
func (TelemetryReceived) Kind() Kind   { return KindTelemetryReceived }

func (DeviceRegistered) domainEvent()    {}
func (DeviceStatusChanged) domainEvent() {}
func (AlertRaised) domainEvent()         {}
func (EventProcessed) domainEvent()      {}
func (EventDeadLettered) domainEvent()   {}
func (TelemetryReceived) domainEvent()   {}
