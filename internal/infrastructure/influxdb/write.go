package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the pipeline.
const (
	MeasurementTelemetry    = "device_telemetry"
	MeasurementStatus       = "device_status"
	MeasurementAlerts       = "device_alerts"
	MeasurementDeadLettered = "dead_lettered_events"
)

// WriteTelemetry records the numeric fields of a telemetry event, tagged
// by device. Nothing is written for an empty field set.
//
// Example:
//
//	client.WriteTelemetry("door-7", map[string]float64{"battery": 81, "rssi": -67}, occurredAt)
func (c *Client) WriteTelemetry(deviceUUID string, fields map[string]float64, at time.Time) {
	if len(fields) == 0 {
		return
	}

	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	c.writePoint(write.NewPoint(MeasurementTelemetry,
		map[string]string{"device_uuid": deviceUUID},
		values,
		at,
	))
}

// WriteStatusChange records a device status transition.
func (c *Client) WriteStatusChange(deviceUUID, from, to string, at time.Time) {
	c.writePoint(write.NewPoint(MeasurementStatus,
		map[string]string{"device_uuid": deviceUUID, "status": to},
		map[string]interface{}{"from": from, "changed": 1},
		at,
	))
}

// WriteAlert counts a raised alert, tagged by severity and metric.
func (c *Client) WriteAlert(deviceUUID, severity, metric string, at time.Time) {
	c.writePoint(write.NewPoint(MeasurementAlerts,
		map[string]string{"device_uuid": deviceUUID, "severity": severity, "metric": metric},
		map[string]interface{}{"count": 1},
		at,
	))
}

// WriteDeadLettered counts an event moved to the dead-letter store.
func (c *Client) WriteDeadLettered(reason string, at time.Time) {
	c.writePoint(write.NewPoint(MeasurementDeadLettered,
		map[string]string{"reason": reason},
		map[string]interface{}{"count": 1},
		at,
	))
}
