package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/smartaccess-core/internal/event"
	"github.com/nerrad567/smartaccess-core/internal/infrastructure/mqtt"
)

// Publisher is the subset of the MQTT client the simulator needs.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// options controls one simulation run.
type options struct {
	Exchange      string
	Devices       int
	Count         int // events per device; 0 runs until cancelled
	Interval      time.Duration
	DuplicateRate float64
	FailureRate   float64
	QoS           byte
	Seed          uint64
}

// stats counts what a run published.
type stats struct {
	Published  int
	Duplicates int
	Failures   int
}

// routine events a connected device emits after it announces itself.
var routine = []event.Type{
	event.TypeTelemetry,
	event.TypeTelemetry,
	event.TypeTelemetry,
	event.TypeAccessGranted,
	event.TypeAccessDenied,
	event.TypeDoorOpened,
	event.TypeDoorClosed,
	event.TypeAlertTriggered,
	event.TypeErrorReported,
	event.TypeCommandReceived,
}

type simulatedDevice struct {
	uuid      string
	firmware  string
	connected bool
	seq       int
}

func newSimulatedDevice(rng *rand.Rand) *simulatedDevice {
	return &simulatedDevice{
		uuid:     uuid.NewString(),
		firmware: fmt.Sprintf("1.%d.%d", rng.IntN(5), rng.IntN(10)),
	}
}

// next builds the device's next wire event. The first event is always
// DEVICE_CONNECTED, carrying the registration hints.
func (d *simulatedDevice) next(rng *rand.Rand, now time.Time) event.IncomingEvent {
	d.seq++

	t := event.TypeDeviceConnected
	if d.connected {
		t = routine[rng.IntN(len(routine))]
	}
	d.connected = true

	return event.IncomingEvent{
		EventUUID:      uuid.NewString(),
		IdempotencyKey: fmt.Sprintf("%s-%d", d.uuid, d.seq),
		DeviceUUID:     d.uuid,
		EventType:      t,
		Payload:        d.payload(t, rng),
		Timestamp:      now.UTC(),
	}
}

func (d *simulatedDevice) payload(t event.Type, rng *rand.Rand) map[string]any {
	switch t {
	case event.TypeDeviceConnected:
		return map[string]any{
			"name":            "Simulated reader " + d.uuid[:8],
			"location":        fmt.Sprintf("Building A / Door %d", rng.IntN(40)+1),
			"firmwareVersion": d.firmware,
		}
	case event.TypeTelemetry:
		return map[string]any{
			"battery":        float64(rng.IntN(101)),
			"temperature":    18 + rng.Float64()*10,
			"signalStrength": -40 - float64(rng.IntN(50)),
		}
	case event.TypeAlertTriggered:
		return map[string]any{
			"severity":  "HIGH",
			"metric":    "temperature",
			"value":     70 + rng.Float64()*10,
			"threshold": 70.0,
			"message":   "enclosure temperature above threshold",
		}
	case event.TypeErrorReported:
		return map[string]any{
			"severity": "MEDIUM",
			"metric":   "reader",
			"message":  "card reader timeout",
		}
	case event.TypeAccessGranted, event.TypeAccessDenied:
		return map[string]any{"credential": fmt.Sprintf("card-%04d", rng.IntN(10000))}
	default:
		return map[string]any{}
	}
}

// simulate publishes events for every device until each has sent
// opts.Count events or ctx is cancelled.
//
// With probability DuplicateRate the previous body of a device is replayed
// instead of a new event. With probability FailureRate a new event carries
// the failure marker.
func simulate(ctx context.Context, pub Publisher, opts options) (stats, error) {
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)) //nolint:gosec // not security sensitive
	topics := mqtt.Topics{}

	devices := make([]*simulatedDevice, opts.Devices)
	last := make([][]byte, opts.Devices)
	lastTopic := make([]string, opts.Devices)
	for i := range devices {
		devices[i] = newSimulatedDevice(rng)
	}

	var st stats
	for round := 0; opts.Count == 0 || round < opts.Count; round++ {
		for i, d := range devices {
			if err := ctx.Err(); err != nil {
				return st, nil //nolint:nilerr // cancellation ends the run normally
			}

			if last[i] != nil && rng.Float64() < opts.DuplicateRate {
				if err := pub.Publish(lastTopic[i], last[i], opts.QoS, false); err != nil {
					return st, fmt.Errorf("replaying event: %w", err)
				}
				st.Published++
				st.Duplicates++
				continue
			}

			evt := d.next(rng, time.Now())
			if evt.EventType != event.TypeDeviceConnected && rng.Float64() < opts.FailureRate {
				evt.Payload[event.FailureMarker] = true
				st.Failures++
			}

			body, err := json.Marshal(evt)
			if err != nil {
				return st, fmt.Errorf("encoding event: %w", err)
			}
			topic := topics.DeviceEvent(opts.Exchange, d.uuid, string(evt.EventType))
			if err := pub.Publish(topic, body, opts.QoS, false); err != nil {
				return st, fmt.Errorf("publishing event: %w", err)
			}
			last[i], lastTopic[i] = body, topic
			st.Published++
		}

		if opts.Interval > 0 {
			select {
			case <-ctx.Done():
				return st, nil
			case <-time.After(opts.Interval):
			}
		}
	}
	return st, nil
}
