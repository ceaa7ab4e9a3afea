package influxdb

import "errors"

var (
	// ErrDisabled is returned by Connect when influxdb.enabled is false.
	ErrDisabled = errors.New("influxdb: telemetry export disabled")

	// ErrConnectionFailed is returned by Connect when the server does not
	// answer a ping.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrNotConnected is returned by HealthCheck after Close.
	ErrNotConnected = errors.New("influxdb: client closed")

	// ErrWriteFailed wraps batch write failures, both on the SetOnError
	// callback and from HealthCheck while a failure is recent.
	ErrWriteFailed = errors.New("influxdb: telemetry batch rejected")

	errUnhealthy = errors.New("server not healthy")
)
