package processing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/smartaccess-core/internal/alert"
	"github.com/nerrad567/smartaccess-core/internal/audit"
	"github.com/nerrad567/smartaccess-core/internal/deadletter"
	"github.com/nerrad567/smartaccess-core/internal/device"
	"github.com/nerrad567/smartaccess-core/internal/event"
	"github.com/nerrad567/smartaccess-core/internal/infrastructure/cache"
	"github.com/nerrad567/smartaccess-core/internal/infrastructure/database"
	"github.com/nerrad567/smartaccess-core/internal/infrastructure/database/dbtest"
	"github.com/nerrad567/smartaccess-core/internal/observer"
	"github.com/nerrad567/smartaccess-core/internal/outbox"
	"github.com/nerrad567/smartaccess-core/internal/retry"
)

type recordingBroadcaster struct {
	mu    sync.Mutex
	types []string
	last  map[string]any
}

func (b *recordingBroadcaster) Broadcast(eventType string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.types = append(b.types, eventType)
	b.last, _ = payload.(map[string]any)
}

type failingSink struct{}

func (failingSink) CreateAlert(context.Context, database.Querier, *alert.Alert) (bool, error) {
	return false, errors.New("alert store unavailable")
}

type harness struct {
	db          *database.DB
	processor   *Processor
	broadcaster *recordingBroadcaster
	cache       *cache.Memory
	registry    *device.Registry
	bus         *observer.Bus
	devices     *device.SQLRepository
	events      *event.SQLRepository
	audit       *audit.SQLRepository
}

func newHarness(t *testing.T, sink alert.Sink) *harness {
	t.Helper()
	db := dbtest.Open(t)

	h := &harness{
		db:          db,
		broadcaster: &recordingBroadcaster{},
		cache:       cache.NewMemory(),
		bus:         observer.NewBus(),
		devices:     device.NewSQLRepository(),
		events:      event.NewSQLRepository(),
		audit:       audit.NewSQLRepository(),
	}
	if sink == nil {
		sink = alert.NewSQLSink(time.Minute)
	}
	outboxRepo := outbox.NewSQLRepository()
	h.registry = device.NewRegistry(h.devices, db, h.cache, time.Minute)
	h.processor = New(Deps{
		DB:          db,
		Events:      h.events,
		Devices:     h.devices,
		Audit:       h.audit,
		Alerts:      sink,
		Outbox:      outboxRepo,
		DeadLetters: deadletter.NewService(h.events, h.audit, outboxRepo),
		Snapshots:   h.registry,
		Broadcaster: h.broadcaster,
		Bus:         h.bus,
	})
	return h
}

func incoming(key string, typ event.Type, payload map[string]any) event.IncomingEvent {
	if payload == nil {
		payload = map[string]any{}
	}
	return event.IncomingEvent{
		EventUUID:      "evt-" + key,
		IdempotencyKey: key,
		DeviceUUID:     "reader-1",
		EventType:      typ,
		Payload:        payload,
		Timestamp:      time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (h *harness) auditTypes(t *testing.T) []string {
	t.Helper()
	entries, err := h.audit.List(context.Background(), h.db, audit.Filter{Limit: 200})
	require.NoError(t, err)
	types := make([]string, 0, len(entries))
	for _, e := range entries {
		types = append(types, e.EventType)
	}
	return types
}

func TestProcess_ConnectUnknownDevice(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var registered []observer.DeviceRegistered
	var changed []observer.DeviceStatusChanged
	var mu sync.Mutex
	observer.Subscribe(h.bus, func(_ context.Context, e observer.DeviceRegistered) error {
		mu.Lock()
		registered = append(registered, e)
		mu.Unlock()
		return nil
	})
	observer.Subscribe(h.bus, func(_ context.Context, e observer.DeviceStatusChanged) error {
		mu.Lock()
		changed = append(changed, e)
		mu.Unlock()
		return nil
	})

	ok, err := h.processor.Process(ctx, incoming("k-1", event.TypeDeviceConnected,
		map[string]any{"name": "Lobby Reader", "location": "Lobby"}))
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, 1, dbtest.Count(t, h.db, "devices", ""))
	dev, err := h.devices.GetByUUID(ctx, h.db, "reader-1")
	require.NoError(t, err)
	assert.Equal(t, device.StatusOnline, dev.Status)
	assert.Equal(t, "Lobby Reader", dev.Name)
	assert.NotNil(t, dev.LastSeenAt)

	assert.Equal(t, 1, dbtest.Count(t, h.db, "events", ""))
	evt, err := h.events.FindByIdempotencyKey(ctx, h.db, "k-1")
	require.NoError(t, err)
	assert.Equal(t, event.StatusProcessed, evt.ProcessingStatus)
	assert.NotNil(t, evt.ProcessedAt)

	assert.Equal(t, []string{audit.EventDeviceAutoRegistered, audit.EventProcessed}, h.auditTypes(t))
	assert.Equal(t, []string{"DEVICE_CONNECTED"}, h.broadcaster.types)
	assert.Equal(t, "ONLINE", h.broadcaster.last["deviceStatus"])

	assert.Equal(t, 1, dbtest.Count(t, h.db, "outbox_events", "event_type = ?", outbox.EventDeviceRegistered))
	assert.Equal(t, 1, dbtest.Count(t, h.db, "outbox_events", "event_type = ?", outbox.EventDeviceStatusChanged))
	assert.Equal(t, 1, dbtest.Count(t, h.db, "device_status_history", ""))

	snap, err := h.registry.Snapshot(ctx, "reader-1")
	require.NoError(t, err)
	assert.Equal(t, device.StatusOnline, snap.Status)

	require.Len(t, registered, 1)
	assert.Equal(t, "reader-1", registered[0].DeviceUUID)
	require.Len(t, changed, 1)
	assert.Equal(t, "REGISTERED", changed[0].From)
	assert.Equal(t, "ONLINE", changed[0].To)
}

func TestProcess_DuplicateKey(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	ok, err := h.processor.Process(ctx, incoming("k-1", event.TypeTelemetry, map[string]any{"temperature": 21.0}))
	require.NoError(t, err)
	assert.True(t, ok)
	auditBefore := dbtest.Count(t, h.db, "audit_log", "")

	ok, err = h.processor.Process(ctx, incoming("k-1", event.TypeTelemetry, map[string]any{"temperature": 22.0}))
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 1, dbtest.Count(t, h.db, "events", ""))
	assert.Equal(t, auditBefore+1, dbtest.Count(t, h.db, "audit_log", ""))
	assert.Equal(t, 1, dbtest.Count(t, h.db, "audit_log", "event_type = ?", audit.EventDuplicateDetected))
	assert.Equal(t, 1, dbtest.Count(t, h.db, "event_processing_logs", "stage = ?", string(event.StageDuplicate)))
	assert.Len(t, h.broadcaster.types, 1, "duplicates are not broadcast")
}

// racingTx stores a competing event under the same idempotency key on the
// first unit of work, then fails it the way a unique violation surfaces.
type racingTx struct {
	db      *database.DB
	key     string
	devices *device.SQLRepository
	events  *event.SQLRepository
	raced   bool
}

func (r *racingTx) WithinTx(ctx context.Context, fn database.TxFunc) error {
	if r.raced {
		return r.db.WithinTx(ctx, fn)
	}
	r.raced = true

	if err := r.db.WithinTx(ctx, func(ctx context.Context, tx *database.Tx) error {
		dev := device.NewFromHints("reader-other", device.Hints{})
		if err := r.devices.Create(ctx, tx, dev); err != nil {
			return err
		}
		return r.events.Create(ctx, tx, &event.DomainEvent{
			EventUUID:      "evt-competitor",
			IdempotencyKey: r.key,
			DeviceID:       dev.ID,
			EventType:      event.TypeTelemetry,
		})
	}); err != nil {
		return err
	}
	return fmt.Errorf("storing event: %w", event.ErrDuplicateKey)
}

func TestProcess_LostInsertRaceIsDuplicate(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	outboxRepo := outbox.NewSQLRepository()
	racing := &racingTx{db: h.db, key: "k-race", devices: h.devices, events: h.events}
	processor := New(Deps{
		DB:          racing,
		Events:      h.events,
		Devices:     h.devices,
		Audit:       h.audit,
		Alerts:      alert.NewSQLSink(time.Minute),
		Outbox:      outboxRepo,
		DeadLetters: deadletter.NewService(h.events, h.audit, outboxRepo),
		Snapshots:   h.registry,
		Broadcaster: h.broadcaster,
		Bus:         h.bus,
	})

	var processed bool
	observer.Subscribe(h.bus, func(context.Context, observer.EventProcessed) error {
		processed = true
		return nil
	})

	ok, err := processor.Process(ctx, incoming("k-race", event.TypeTelemetry, map[string]any{"temperature": 21.0}))
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 1, dbtest.Count(t, h.db, "events", ""))
	assert.Equal(t, 1, dbtest.Count(t, h.db, "events", "event_uuid = ?", "evt-competitor"))
	assert.Equal(t, 1, dbtest.Count(t, h.db, "audit_log", "event_type = ?", audit.EventDuplicateDetected))
	assert.Equal(t, 1, dbtest.Count(t, h.db, "event_processing_logs", "stage = ?", string(event.StageDuplicate)))
	assert.Empty(t, h.broadcaster.types)
	assert.Zero(t, h.cache.Len())
	assert.False(t, processed)
}

func TestProcess_FailureMarkerDeadLetters(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var deadLettered []observer.EventDeadLettered
	observer.Subscribe(h.bus, func(_ context.Context, e observer.EventDeadLettered) error {
		deadLettered = append(deadLettered, e)
		return nil
	})

	ok, err := h.processor.Process(ctx, incoming("k-1", event.TypeTelemetry, map[string]any{event.FailureMarker: true}))
	require.NoError(t, err)
	assert.True(t, ok)

	evt, err := h.events.FindByIdempotencyKey(ctx, h.db, "k-1")
	require.NoError(t, err)
	assert.Equal(t, event.StatusDeadLettered, evt.ProcessingStatus)
	assert.Equal(t, 1, dbtest.Count(t, h.db, "dead_letter_events", "original_event_id = ?", evt.ID))
	assert.Empty(t, h.broadcaster.types)
	require.Len(t, deadLettered, 1)
	assert.Equal(t, evt.ID, deadLettered[0].EventID)
}

func TestProcess_RollbackSuppressesEffects(t *testing.T) {
	h := newHarness(t, failingSink{})
	ctx := context.Background()

	var emitted bool
	observer.Subscribe(h.bus, func(context.Context, observer.DeviceRegistered) error {
		emitted = true
		return nil
	})

	ok, err := h.processor.Process(ctx, incoming("k-1", event.TypeAlertTriggered, nil))
	require.Error(t, err)
	assert.False(t, ok)

	assert.Equal(t, 0, dbtest.Count(t, h.db, "events", ""))
	assert.Equal(t, 0, dbtest.Count(t, h.db, "devices", ""))
	assert.Equal(t, 0, dbtest.Count(t, h.db, "audit_log", ""))
	assert.Equal(t, 0, dbtest.Count(t, h.db, "outbox_events", ""))
	assert.Empty(t, h.broadcaster.types)
	assert.Zero(t, h.cache.Len())
	assert.False(t, emitted)
}

func TestProcess_StatusChangesOnKnownDevice(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.processor.Process(ctx, incoming("k-1", event.TypeDeviceConnected, nil))
	require.NoError(t, err)
	_, err = h.processor.Process(ctx, incoming("k-2", event.TypeDeviceDisconnected, nil))
	require.NoError(t, err)

	dev, err := h.devices.GetByUUID(ctx, h.db, "reader-1")
	require.NoError(t, err)
	assert.Equal(t, device.StatusOffline, dev.Status)

	entries, err := h.audit.List(ctx, h.db, audit.Filter{EventType: audit.EventDeviceStatusChanged})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ONLINE", entries[0].Before["status"])
	assert.Equal(t, "OFFLINE", entries[0].After["status"])

	history, err := h.devices.History(ctx, h.db, dev.ID, 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestProcess_RejectedTransitionStillProcesses(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.processor.Process(ctx, incoming("k-1", event.TypeDeviceConnected, nil))
	require.NoError(t, err)
	dev, err := h.devices.GetByUUID(ctx, h.db, "reader-1")
	require.NoError(t, err)
	require.NoError(t, h.devices.UpdateStatus(ctx, h.db, dev.ID, device.StatusDecommissioned))

	ok, err := h.processor.Process(ctx, incoming("k-2", event.TypeDeviceConnected, nil))
	require.NoError(t, err)
	assert.True(t, ok)

	dev, err = h.devices.GetByID(ctx, h.db, dev.ID)
	require.NoError(t, err)
	assert.Equal(t, device.StatusDecommissioned, dev.Status)

	evt, err := h.events.FindByIdempotencyKey(ctx, h.db, "k-2")
	require.NoError(t, err)
	assert.Equal(t, event.StatusProcessed, evt.ProcessingStatus)
}

func TestProcess_AlertDeduplicated(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var raised []observer.AlertRaised
	observer.Subscribe(h.bus, func(_ context.Context, e observer.AlertRaised) error {
		raised = append(raised, e)
		return nil
	})

	payload := map[string]any{"metric": "temperature", "value": 90.0, "threshold": 75.0}
	_, err := h.processor.Process(ctx, incoming("k-1", event.TypeAlertTriggered, payload))
	require.NoError(t, err)
	_, err = h.processor.Process(ctx, incoming("k-2", event.TypeAlertTriggered, payload))
	require.NoError(t, err)

	assert.Equal(t, 1, dbtest.Count(t, h.db, "alerts", ""))
	assert.Equal(t, 1, dbtest.Count(t, h.db, "outbox_events", "event_type = ?", outbox.EventAlertCreated))
	require.Len(t, raised, 1)
	assert.Equal(t, "temperature", raised[0].Metric)
	assert.Equal(t, 2, dbtest.Count(t, h.db, "events", "processing_status = ?", string(event.StatusProcessed)))
}

func TestProcess_TelemetryAndFirmware(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var telemetry []observer.TelemetryReceived
	observer.Subscribe(h.bus, func(_ context.Context, e observer.TelemetryReceived) error {
		telemetry = append(telemetry, e)
		return nil
	})

	_, err := h.processor.Process(ctx, incoming("k-1", event.TypeTelemetry,
		map[string]any{"temperature": 21.5, "unit": "C"}))
	require.NoError(t, err)
	require.Len(t, telemetry, 1)
	assert.Equal(t, map[string]float64{"temperature": 21.5}, telemetry[0].Fields)

	_, err = h.processor.Process(ctx, incoming("k-2", event.TypeFirmwareUpdated,
		map[string]any{"firmwareVersion": "3.1.0"}))
	require.NoError(t, err)

	dev, err := h.devices.GetByUUID(ctx, h.db, "reader-1")
	require.NoError(t, err)
	assert.Equal(t, "3.1.0", dev.FirmwareVersion)
}

func TestReprocess(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.processor.Process(ctx, incoming("k-1", event.TypeTelemetry, nil))
	require.NoError(t, err)
	evt, err := h.events.FindByIdempotencyKey(ctx, h.db, "k-1")
	require.NoError(t, err)

	err = h.processor.Reprocess(ctx, evt.ID)
	assert.ErrorIs(t, err, retry.ErrSkipped, "processed events are not eligible")

	require.NoError(t, h.events.UpdateStatus(ctx, h.db, evt.ID, event.StatusFailed, "broker hiccup"))
	require.NoError(t, h.processor.Reprocess(ctx, evt.ID))

	evt, err = h.events.GetByID(ctx, h.db, evt.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusProcessed, evt.ProcessingStatus)
	assert.Len(t, h.broadcaster.types, 2)

	assert.ErrorIs(t, h.processor.Reprocess(ctx, "missing"), retry.ErrSkipped)
}
