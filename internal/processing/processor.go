// Package processing turns validated incoming events into committed state:
// the stored event, device registration and status, alerts, audit trail
// and outbox entries, all in one unit of work per event.
package processing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/smartaccess-core/internal/alert"
	"github.com/nerrad567/smartaccess-core/internal/audit"
	"github.com/nerrad567/smartaccess-core/internal/deadletter"
	"github.com/nerrad567/smartaccess-core/internal/device"
	"github.com/nerrad567/smartaccess-core/internal/event"
	"github.com/nerrad567/smartaccess-core/internal/infrastructure/database"
	"github.com/nerrad567/smartaccess-core/internal/observer"
	"github.com/nerrad567/smartaccess-core/internal/outbox"
	"github.com/nerrad567/smartaccess-core/internal/retry"
)

// DeadLetterReason is recorded for events carrying the failure marker.
const DeadLetterReason = "unrecoverable failure flagged by device"

// Broadcaster fans processed events out to real-time listeners.
type Broadcaster interface {
	Broadcast(eventType string, payload any)
}

// SnapshotCache holds the latest device snapshot for fast reads.
type SnapshotCache interface {
	Refresh(ctx context.Context, d *device.Device)
}

// Logger is the logging interface used by the Processor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Deps are the collaborators of a Processor. All fields are required
// except Logger.
type Deps struct {
	DB          database.Transactor
	Events      *event.SQLRepository
	Devices     *device.SQLRepository
	Audit       audit.Repository
	Alerts      alert.Sink
	Outbox      *outbox.SQLRepository
	DeadLetters *deadletter.Service
	Snapshots   SnapshotCache
	Broadcaster Broadcaster
	Bus         *observer.Bus
	Logger      Logger
}

// Processor is the event processing orchestrator.
type Processor struct {
	db          database.Transactor
	events      *event.SQLRepository
	devices     *device.SQLRepository
	audit       audit.Repository
	alerts      alert.Sink
	outbox      *outbox.SQLRepository
	deadLetters *deadletter.Service
	snapshots   SnapshotCache
	broadcaster Broadcaster
	bus         *observer.Bus
	logger      Logger
	now         func() time.Time
}

// New creates a Processor from its collaborators.
func New(deps Deps) *Processor {
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Processor{
		db:          deps.DB,
		events:      deps.Events,
		devices:     deps.Devices,
		audit:       deps.Audit,
		alerts:      deps.Alerts,
		outbox:      deps.Outbox,
		deadLetters: deps.DeadLetters,
		snapshots:   deps.Snapshots,
		broadcaster: deps.Broadcaster,
		bus:         deps.Bus,
		logger:      logger,
		now:         time.Now,
	}
}

// Process stores and applies one incoming event.
//
// It returns true when the event was newly processed, including when it
// was diverted to the dead-letter store, and false when its idempotency
// key had already been seen. Any error means nothing was committed.
// Cache refreshes, broadcasts and observer events happen only after commit.
func (p *Processor) Process(ctx context.Context, in event.IncomingEvent) (bool, error) {
	var (
		fx        *effects
		duplicate bool
	)
	err := p.db.WithinTx(ctx, func(ctx context.Context, tx *database.Tx) error {
		fx = &effects{}
		var err error
		duplicate, err = p.process(ctx, tx, in, fx)
		return err
	})
	if errors.Is(err, event.ErrDuplicateKey) {
		// Another consumer stored the key between our check and insert.
		p.logger.Info("idempotency key stored concurrently", "idempotency_key", in.IdempotencyKey)
		if err := p.recordLateDuplicate(ctx, in); err != nil {
			return false, err
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}

	p.flush(ctx, fx)
	return !duplicate, nil
}

func (p *Processor) process(ctx context.Context, tx *database.Tx, in event.IncomingEvent, fx *effects) (bool, error) {
	existing, err := p.events.FindByIdempotencyKey(ctx, tx, in.IdempotencyKey)
	switch {
	case err == nil:
		return true, p.recordDuplicate(ctx, tx, in, existing)
	case !errors.Is(err, event.ErrNotFound):
		return false, err
	}

	dev, registered, err := p.resolveDevice(ctx, tx, in, fx)
	if err != nil {
		return false, err
	}

	evt := &event.DomainEvent{
		EventUUID:      in.EventUUID,
		IdempotencyKey: in.IdempotencyKey,
		DeviceID:       dev.ID,
		EventType:      in.EventType,
		Payload:        in.Payload,
		OccurredAt:     in.Timestamp,
	}
	if err := p.events.Create(ctx, tx, evt); err != nil {
		return false, err
	}
	if err := p.events.AppendLog(ctx, tx, evt.ID, event.StageReceived, string(evt.EventType)); err != nil {
		return false, err
	}

	if in.WantsDeadLetter() {
		if err := p.deadLetters.MoveToDeadLetter(ctx, tx, evt.ID, DeadLetterReason); err != nil {
			return false, err
		}
		fx.emit(observer.EventDeadLettered{EventID: evt.ID, Reason: DeadLetterReason})
		return false, nil
	}

	return false, p.apply(ctx, tx, evt, dev, registered, fx)
}

// Reprocess re-runs alerting, status, touch and completion for a stored
// event that is FAILED or RETRY_PENDING. Events that are not eligible, or
// are claimed by another scheduler, return an error wrapping retry.ErrSkipped.
func (p *Processor) Reprocess(ctx context.Context, eventID string) error {
	var fx *effects
	err := p.db.WithinTx(ctx, func(ctx context.Context, tx *database.Tx) error {
		fx = &effects{}
		evt, err := p.events.ClaimForRetry(ctx, tx, eventID)
		if err != nil {
			if errors.Is(err, event.ErrNotFound) {
				return fmt.Errorf("%w: %s", retry.ErrSkipped, eventID)
			}
			return err
		}
		dev, err := p.devices.GetByID(ctx, tx, evt.DeviceID)
		if err != nil {
			return fmt.Errorf("loading device for event %s: %w", eventID, err)
		}
		return p.apply(ctx, tx, evt, dev, false, fx)
	})
	if err != nil {
		return err
	}

	p.flush(ctx, fx)
	return nil
}

// resolveDevice finds the device for in, registering it when unknown.
func (p *Processor) resolveDevice(ctx context.Context, tx *database.Tx, in event.IncomingEvent, fx *effects) (*device.Device, bool, error) {
	dev, err := p.devices.GetByUUID(ctx, tx, in.DeviceUUID)
	if err == nil {
		return dev, false, nil
	}
	if !errors.Is(err, device.ErrDeviceNotFound) {
		return nil, false, err
	}

	dev = device.NewFromHints(in.DeviceUUID, device.HintsFromPayload(in.Payload))
	if err := p.devices.Create(ctx, tx, dev); err != nil {
		return nil, false, err
	}

	if err := p.audit.Create(ctx, tx, &audit.Entry{
		EventType:     audit.EventDeviceAutoRegistered,
		Category:      audit.CategoryDomain,
		AggregateType: outbox.AggregateDevice,
		AggregateID:   dev.ID,
		After:         deviceState(dev),
		CorrelationID: in.IdempotencyKey,
	}); err != nil {
		return nil, false, err
	}
	if _, err := p.outbox.Append(ctx, tx, outbox.AggregateDevice, dev.ID, outbox.EventDeviceRegistered, dev); err != nil {
		return nil, false, err
	}

	fx.emit(observer.DeviceRegistered{
		DeviceID:   dev.ID,
		DeviceUUID: dev.DeviceUUID,
		Name:       dev.Name,
		Location:   dev.Location,
	})
	p.logger.Info("device auto-registered", "device_id", dev.ID, "device_uuid", dev.DeviceUUID)
	return dev, true, nil
}

// apply runs the steps shared by first processing and reprocessing.
// registered is true when dev was created in this unit of work; its
// registration audit entry then stands for the initial status change.
func (p *Processor) apply(ctx context.Context, tx *database.Tx, evt *event.DomainEvent, dev *device.Device, registered bool, fx *effects) error {
	if err := p.evaluateAlert(ctx, tx, evt, dev, fx); err != nil {
		return err
	}
	if err := p.transition(ctx, tx, evt, dev, registered, fx); err != nil {
		return err
	}

	now := p.now().UTC()
	firmware := ""
	if evt.EventType == event.TypeFirmwareUpdated {
		firmware = firmwareFromPayload(evt.Payload)
	}
	if err := p.devices.Touch(ctx, tx, dev.ID, now, firmware); err != nil {
		return err
	}
	dev.LastSeenAt = &now
	if firmware != "" {
		dev.FirmwareVersion = firmware
	}

	if err := p.events.MarkProcessed(ctx, tx, evt.ID); err != nil {
		return err
	}
	if err := p.events.AppendLog(ctx, tx, evt.ID, event.StageProcessed, ""); err != nil {
		return err
	}
	if err := p.audit.Create(ctx, tx, &audit.Entry{
		EventType:     audit.EventProcessed,
		Category:      audit.CategoryDomain,
		AggregateType: outbox.AggregateEvent,
		AggregateID:   evt.ID,
		After: map[string]any{
			"eventType":        string(evt.EventType),
			"deviceId":         dev.ID,
			"processingStatus": string(event.StatusProcessed),
			"retryCount":       evt.RetryCount,
		},
		CorrelationID: evt.IdempotencyKey,
	}); err != nil {
		return err
	}

	fx.refresh(dev)
	fx.broadcast(string(evt.EventType), map[string]any{
		"eventId":      evt.ID,
		"eventUuid":    evt.EventUUID,
		"deviceId":     dev.ID,
		"deviceUuid":   dev.DeviceUUID,
		"deviceStatus": string(dev.Status),
		"eventType":    string(evt.EventType),
		"payload":      evt.Payload,
		"occurredAt":   evt.OccurredAt,
	})
	fx.emit(observer.EventProcessed{
		EventID:        evt.ID,
		IdempotencyKey: evt.IdempotencyKey,
		DeviceID:       dev.ID,
		EventType:      string(evt.EventType),
	})
	if evt.EventType == event.TypeTelemetry {
		if fields := numericFields(evt.Payload); len(fields) > 0 {
			fx.emit(observer.TelemetryReceived{
				DeviceID:   dev.ID,
				DeviceUUID: dev.DeviceUUID,
				Fields:     fields,
				OccurredAt: evt.OccurredAt,
			})
		}
	}
	return nil
}

func (p *Processor) evaluateAlert(ctx context.Context, tx *database.Tx, evt *event.DomainEvent, dev *device.Device, fx *effects) error {
	a := alert.FromEvent(dev.ID, evt.ID, evt.EventType, evt.Payload)
	if a == nil {
		return nil
	}

	created, err := p.alerts.CreateAlert(ctx, tx, a)
	if err != nil {
		return err
	}
	if !created {
		p.logger.Debug("alert suppressed inside dedup window", "device_id", dev.ID, "metric", a.Metric)
		return nil
	}

	if _, err := p.outbox.Append(ctx, tx, outbox.AggregateAlert, a.ID, outbox.EventAlertCreated, a); err != nil {
		return err
	}
	fx.emit(observer.AlertRaised{
		AlertID:    a.ID,
		DeviceID:   dev.ID,
		DeviceUUID: dev.DeviceUUID,
		Severity:   string(a.Severity),
		Metric:     a.Metric,
		Message:    a.Message,
	})
	return nil
}

// transition applies the status an event implies when the state machine
// allows it. Rejected transitions are skipped, not failed.
func (p *Processor) transition(ctx context.Context, tx *database.Tx, evt *event.DomainEvent, dev *device.Device, registered bool, fx *effects) error {
	target, ok := device.StatusForEvent(evt.EventType)
	if !ok {
		return nil
	}
	from := dev.Status
	if !device.IsValidTransition(from, target) {
		p.logger.Debug("status transition skipped",
			"device_id", dev.ID, "from", from, "to", target, "event_type", evt.EventType)
		return nil
	}

	if err := p.devices.UpdateStatus(ctx, tx, dev.ID, target); err != nil {
		return err
	}
	if err := p.devices.RecordTransition(ctx, tx, &device.StatusHistoryEntry{
		DeviceID:   dev.ID,
		FromStatus: from,
		ToStatus:   target,
		Reason:     string(evt.EventType),
		EventID:    evt.ID,
	}); err != nil {
		return err
	}

	before := deviceState(dev)
	dev.Status = target

	if !registered {
		if err := p.audit.Create(ctx, tx, &audit.Entry{
			EventType:     audit.EventDeviceStatusChanged,
			Category:      audit.CategoryDomain,
			AggregateType: outbox.AggregateDevice,
			AggregateID:   dev.ID,
			Before:        before,
			After:         deviceState(dev),
			CorrelationID: evt.IdempotencyKey,
		}); err != nil {
			return err
		}
	}

	change := map[string]any{
		"deviceId":   dev.ID,
		"deviceUuid": dev.DeviceUUID,
		"from":       string(from),
		"to":         string(target),
		"eventId":    evt.ID,
	}
	if _, err := p.outbox.Append(ctx, tx, outbox.AggregateDevice, dev.ID, outbox.EventDeviceStatusChanged, change); err != nil {
		return err
	}
	fx.emit(observer.DeviceStatusChanged{
		DeviceID:   dev.ID,
		DeviceUUID: dev.DeviceUUID,
		From:       string(from),
		To:         string(target),
		EventID:    evt.ID,
	})
	return nil
}

// recordDuplicate audits a redelivered idempotency key inside tx.
func (p *Processor) recordDuplicate(ctx context.Context, tx *database.Tx, in event.IncomingEvent, existing *event.DomainEvent) error {
	p.logger.Info("duplicate event skipped",
		"idempotency_key", in.IdempotencyKey, "event_id", existing.ID, "event_uuid", in.EventUUID)

	if err := p.events.AppendLog(ctx, tx, existing.ID, event.StageDuplicate, "redelivered as "+in.EventUUID); err != nil {
		return err
	}
	return p.audit.Create(ctx, tx, &audit.Entry{
		EventType:     audit.EventDuplicateDetected,
		Category:      audit.CategoryTechnical,
		AggregateType: outbox.AggregateEvent,
		AggregateID:   existing.ID,
		After: map[string]any{
			"eventUuid":        in.EventUUID,
			"processingStatus": string(existing.ProcessingStatus),
		},
		CorrelationID: in.IdempotencyKey,
	})
}

// recordLateDuplicate audits a key that lost the insert race, in a fresh
// unit of work after the original one rolled back.
func (p *Processor) recordLateDuplicate(ctx context.Context, in event.IncomingEvent) error {
	return p.db.WithinTx(ctx, func(ctx context.Context, tx *database.Tx) error {
		existing, err := p.events.FindByIdempotencyKey(ctx, tx, in.IdempotencyKey)
		if err != nil {
			return fmt.Errorf("loading concurrently stored event: %w", err)
		}
		return p.recordDuplicate(ctx, tx, in, existing)
	})
}

func deviceState(d *device.Device) map[string]any {
	return map[string]any{
		"deviceUuid":      d.DeviceUUID,
		"name":            d.Name,
		"location":        d.Location,
		"status":          string(d.Status),
		"firmwareVersion": d.FirmwareVersion,
	}
}

func firmwareFromPayload(payload map[string]any) string {
	for _, key := range []string{"firmwareVersion", "version"} {
		if v, ok := payload[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// numericFields returns the float-valued payload entries.
func numericFields(payload map[string]any) map[string]float64 {
	fields := make(map[string]float64)
	for k, v := range payload {
		if f, ok := v.(float64); ok {
			fields[k] = f
		}
	}
	return fields
}
