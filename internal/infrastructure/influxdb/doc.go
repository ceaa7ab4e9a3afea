// Package influxdb provides InfluxDB connectivity for SmartAccess Core.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched writes of pipeline measurements and health checks.
//
// Measurements:
//
//	device_telemetry      numeric TELEMETRY payload fields, tag device_uuid
//	device_status         accepted status transitions, tags device_uuid, status
//	device_alerts         raised alerts, tags device_uuid, severity, metric
//	dead_lettered_events  dead-letter moves, tag reason
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteTelemetry(deviceUUID, fields, occurredAt)
//
// Writes are non-blocking. A rejected batch is counted in Stats, passed
// to the SetOnError callback wrapped in ErrWriteFailed, and keeps
// HealthCheck failing for three flush intervals. All methods are safe for
// concurrent use.
package influxdb
