package observer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (l *captureLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.msgs = append(l.msgs, msg)
	l.mu.Unlock()
}

func TestBus_FailingHandlerDoesNotBlockOthers(t *testing.T) {
	bus := NewBus()
	logger := &captureLogger{}
	bus.SetLogger(logger)

	var got atomic.Value
	Subscribe(bus, func(context.Context, DeviceStatusChanged) error {
		return errors.New("notification channel down")
	})
	Subscribe(bus, func(_ context.Context, e DeviceStatusChanged) error {
		got.Store(e.To)
		return nil
	})

	bus.Emit(context.Background(), DeviceStatusChanged{DeviceID: "dev-1", From: "OFFLINE", To: "ONLINE"})

	assert.Equal(t, "ONLINE", got.Load())
	assert.Equal(t, []string{"observer handler failed"}, logger.msgs)
}

func TestBus_PanickingHandlerIsRecovered(t *testing.T) {
	bus := NewBus()
	logger := &captureLogger{}
	bus.SetLogger(logger)

	var ran atomic.Bool
	Subscribe(bus, func(context.Context, AlertRaised) error { panic("boom") })
	Subscribe(bus, func(context.Context, AlertRaised) error {
		ran.Store(true)
		return nil
	})

	assert.NotPanics(t, func() { bus.Emit(context.Background(), AlertRaised{AlertID: "a-1"}) })
	assert.True(t, ran.Load())
	assert.Equal(t, []string{"observer handler panicked"}, logger.msgs)
}

func TestBus_HandlersRunConcurrently(t *testing.T) {
	bus := NewBus()
	release := make(chan struct{})
	started := make(chan struct{}, 2)

	for range 2 {
		Subscribe(bus, func(context.Context, EventProcessed) error {
			started <- struct{}{}
			<-release
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		bus.Emit(context.Background(), EventProcessed{EventID: "e-1"})
		close(done)
	}()

	for range 2 {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("handlers did not start concurrently")
		}
	}
	select {
	case <-done:
		t.Fatal("Emit returned before handlers finished")
	default:
	}
	close(release)
	<-done
}

func TestBus_KindsAreIsolated(t *testing.T) {
	bus := NewBus()
	var calls atomic.Int32
	Subscribe(bus, func(context.Context, DeviceRegistered) error {
		calls.Add(1)
		return nil
	})

	bus.Emit(context.Background(), EventDeadLettered{EventID: "e-1"})
	assert.Equal(t, int32(0), calls.Load())

	bus.Emit(context.Background(), DeviceRegistered{DeviceID: "dev-1"})
	assert.Equal(t, int32(1), calls.Load())
}

func TestBus_UnsubscribeAndRegistrations(t *testing.T) {
	bus := NewBus()
	first := Subscribe(bus, func(context.Context, TelemetryReceived) error { return nil })
	Subscribe(bus, func(context.Context, TelemetryReceived) error { return nil })
	Subscribe(bus, func(context.Context, AlertRaised) error { return nil })

	assert.Equal(t, map[Kind]int{KindTelemetryReceived: 2, KindAlertRaised: 1}, bus.Registrations())

	require.True(t, bus.Unsubscribe(first))
	assert.False(t, bus.Unsubscribe(first))
	assert.Equal(t, map[Kind]int{KindTelemetryReceived: 1, KindAlertRaised: 1}, bus.Registrations())
}

func TestBus_EmitWithoutHandlers(t *testing.T) {
	assert.NotPanics(t, func() {
		NewBus().Emit(context.Background(), EventProcessed{})
	})
}
