// Package notify holds the observer handlers that turn committed domain
// events into outside notifications: time-series points in InfluxDB and
// operator-facing log lines for alerts and dead letters.
package notify

import (
	"context"
	"time"

	"github.com/nerrad567/smartaccess-core/internal/observer"
)

// MetricsWriter is the write side of the InfluxDB client.
type MetricsWriter interface {
	WriteTelemetry(deviceUUID string, fields map[string]float64, at time.Time)
	WriteStatusChange(deviceUUID, from, to string, at time.Time)
	WriteAlert(deviceUUID, severity, metric string, at time.Time)
	WriteDeadLettered(reason string, at time.Time)
}

// Logger is the logging interface used by the alert handlers.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Metrics subscribes handlers that mirror telemetry, status changes,
// alerts and dead letters into w. now stamps events that carry no time
// of their own; nil means time.Now.
func Metrics(bus *observer.Bus, w MetricsWriter, now func() time.Time) []observer.Registration {
	if now == nil {
		now = time.Now
	}
	return []observer.Registration{
		observer.Subscribe(bus, func(_ context.Context, e observer.TelemetryReceived) error {
			w.WriteTelemetry(e.DeviceUUID, e.Fields, e.OccurredAt)
			return nil
		}),
		observer.Subscribe(bus, func(_ context.Context, e observer.DeviceStatusChanged) error {
			w.WriteStatusChange(e.DeviceUUID, e.From, e.To, now())
			return nil
		}),
		observer.Subscribe(bus, func(_ context.Context, e observer.AlertRaised) error {
			w.WriteAlert(e.DeviceUUID, e.Severity, e.Metric, now())
			return nil
		}),
		observer.Subscribe(bus, func(_ context.Context, e observer.EventDeadLettered) error {
			w.WriteDeadLettered(e.Reason, now())
			return nil
		}),
	}
}

// Alerts subscribes handlers that log raised alerts at warn level and
// dead-lettered events at error level.
func Alerts(bus *observer.Bus, logger Logger) []observer.Registration {
	return []observer.Registration{
		observer.Subscribe(bus, func(_ context.Context, e observer.AlertRaised) error {
			logger.Warn("device alert raised",
				"alert_id", e.AlertID,
				"device_uuid", e.DeviceUUID,
				"severity", e.Severity,
				"metric", e.Metric,
				"message", e.Message,
			)
			return nil
		}),
		observer.Subscribe(bus, func(_ context.Context, e observer.EventDeadLettered) error {
			logger.Error("event dead-lettered", "event_id", e.EventID, "reason", e.Reason)
			return nil
		}),
	}
}
