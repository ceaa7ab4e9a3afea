package event

import "time"

// Type is the closed set of device event types accepted on the wire.
type Type string

// Known event types.
const (
	TypeDeviceConnected      Type = "DEVICE_CONNECTED"
	TypeDeviceDisconnected   Type = "DEVICE_DISCONNECTED"
	TypeTelemetry            Type = "TELEMETRY"
	TypeAlertTriggered       Type = "ALERT_TRIGGERED"
	TypeAccessGranted        Type = "ACCESS_GRANTED"
	TypeAccessDenied         Type = "ACCESS_DENIED"
	TypeDoorOpened           Type = "DOOR_OPENED"
	TypeDoorClosed           Type = "DOOR_CLOSED"
	TypeCommandReceived      Type = "COMMAND_RECEIVED"
	TypeFirmwareUpdated      Type = "FIRMWARE_UPDATED"
	TypeErrorReported        Type = "ERROR_REPORTED"
	TypeMaintenanceStarted   Type = "MAINTENANCE_STARTED"
	TypeMaintenanceCompleted Type = "MAINTENANCE_COMPLETED"
)

var knownTypes = map[Type]bool{
	TypeDeviceConnected:      true,
	TypeDeviceDisconnected:   true,
	TypeTelemetry:            true,
	TypeAlertTriggered:       true,
	TypeAccessGranted:        true,
	TypeAccessDenied:         true,
	TypeDoorOpened:           true,
	TypeDoorClosed:           true,
	TypeCommandReceived:      true,
	TypeFirmwareUpdated:      true,
	TypeErrorReported:        true,
	TypeMaintenanceStarted:   true,
	TypeMaintenanceCompleted: true,
}

// Valid reports whether t is one of the known event types.
func (t Type) Valid() bool {
	return knownTypes[t]
}

// IsAlert reports whether events of this type are evaluated for alerts.
func (t Type) IsAlert() bool {
	switch t {
	case TypeAlertTriggered, TypeErrorReported, TypeAccessDenied:
		return true
	default:
		return false
	}
}

// AllTypes returns every known event type.
func AllTypes() []Type {
	types := make([]Type, 0, len(knownTypes))
	for t := range knownTypes {
		types = append(types, t)
	}
	return types
}

// ProcessingStatus tracks a stored event through the pipeline.
//
//	RECEIVED ─▶ VALIDATED ─▶ PROCESSED
//	    │
//	    └──▶ FAILED ─▶ RETRY_PENDING ─▶ DEAD_LETTERED
type ProcessingStatus string

// Processing statuses.
const (
	StatusReceived     ProcessingStatus = "RECEIVED"
	StatusValidated    ProcessingStatus = "VALIDATED"
	StatusProcessed    ProcessingStatus = "PROCESSED"
	StatusFailed       ProcessingStatus = "FAILED"
	StatusRetryPending ProcessingStatus = "RETRY_PENDING"
	StatusDeadLettered ProcessingStatus = "DEAD_LETTERED"
)

// IncomingEvent is a validated wire envelope. It is never persisted as-is.
type IncomingEvent struct {
	EventUUID      string         `json:"eventUuid"`
	IdempotencyKey string         `json:"idempotencyKey"`
	DeviceUUID     string         `json:"deviceUuid"`
	EventType      Type           `json:"eventType"`
	Payload        map[string]any `json:"payload"`
	Timestamp      time.Time      `json:"timestamp"`
}

// DomainEvent is the durable record of an ingested event.
type DomainEvent struct {
	ID               string           `json:"id"`
	EventUUID        string           `json:"eventUuid"`
	IdempotencyKey   string           `json:"idempotencyKey"`
	DeviceID         string           `json:"deviceId"`
	EventType        Type             `json:"eventType"`
	Payload          map[string]any   `json:"payload"`
	OccurredAt       time.Time        `json:"occurredAt"`
	ReceivedAt       time.Time        `json:"receivedAt"`
	ProcessingStatus ProcessingStatus `json:"processingStatus"`
	RetryCount       int              `json:"retryCount"`
	ProcessedAt      *time.Time       `json:"processedAt,omitempty"`
	LastError        string           `json:"lastError,omitempty"`
}

// Stage labels a processing-log entry.
type Stage string

// Processing-log stages.
const (
	StageReceived       Stage = "RECEIVED"
	StageDuplicate      Stage = "DUPLICATE"
	StageProcessed      Stage = "PROCESSED"
	StageFailed         Stage = "FAILED"
	StageRetryScheduled Stage = "RETRY_SCHEDULED"
	StageDeadLettered   Stage = "DEAD_LETTERED"
)

// ProcessingLogEntry is one step in an event's processing trail.
type ProcessingLogEntry struct {
	ID        string    `json:"id"`
	EventID   string    `json:"eventId"`
	Stage     Stage     `json:"stage"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// FailureMarker is the payload key that flags an event as unrecoverable.
const FailureMarker = "simulateFailure"

// WantsDeadLetter reports whether the payload carries FailureMarker=true.
func (e IncomingEvent) WantsDeadLetter() bool {
	v, ok := e.Payload[FailureMarker].(bool)
	return ok && v
}
