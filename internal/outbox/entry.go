package outbox

import (
	"strings"
	"time"
)

// Aggregate types recorded on outbox entries.
const (
	AggregateDevice = "Device"
	AggregateAlert  = "Alert"
	AggregateEvent  = "Event"
)

// Outbox event types.
const (
	EventDeviceRegistered    = "DEVICE_REGISTERED"
	EventDeviceStatusChanged = "DEVICE_STATUS_CHANGED"
	EventAlertCreated        = "ALERT_CREATED"
	EventDeadLettered        = "EVENT_DEAD_LETTERED"
)

// Entry is a domain event waiting to be published to the broker.
// It is written in the same transaction as the change it describes and
// only ever mutated to flip Published.
type Entry struct {
	ID            string     `json:"id"`
	AggregateType string     `json:"aggregateType"`
	AggregateID   string     `json:"aggregateId"`
	EventType     string     `json:"eventType"`
	Payload       []byte     `json:"payload"`
	Published     bool       `json:"published"`
	PublishedAt   *time.Time `json:"publishedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// RoutingKey returns the lower-cased "<aggregateType>.<eventType>" key.
//
//	RoutingKey("Device", "DEVICE_STATUS_CHANGED") // "device.device_status_changed"
func RoutingKey(aggregateType, eventType string) string {
	return strings.ToLower(aggregateType + "." + eventType)
}

// RoutingKey returns the entry's routing key.
func (e *Entry) RoutingKey() string {
	return RoutingKey(e.AggregateType, e.EventType)
}
