// Package deadletter moves events that can never be processed into the
// dead_letter_events store.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/smartaccess-core/internal/audit"
	"github.com/nerrad567/smartaccess-core/internal/event"
	"github.com/nerrad567/smartaccess-core/internal/infrastructure/database"
	"github.com/nerrad567/smartaccess-core/internal/outbox"
)

// Record is a permanently failed event.
type Record struct {
	ID              string         `json:"id"`
	OriginalEventID string         `json:"originalEventId"`
	Payload         map[string]any `json:"payload"`
	FailureReason   string         `json:"failureReason"`
	MovedAt         time.Time      `json:"movedAt"`
}

// Logger is the logging interface used by the Service.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Service dead-letters events inside the caller's transaction.
type Service struct {
	events *event.SQLRepository
	audit  audit.Repository
	outbox *outbox.SQLRepository
	now    func() time.Time
	logger Logger
}

// NewService creates a dead-letter service.
func NewService(events *event.SQLRepository, auditRepo audit.Repository, outboxRepo *outbox.SQLRepository) *Service {
	return &Service{
		events: events,
		audit:  auditRepo,
		outbox: outboxRepo,
		now:    time.Now,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the service.
func (s *Service) SetLogger(logger Logger) {
	s.logger = logger
}

// MoveToDeadLetter snapshots the event's payload into a dead-letter
// record, marks the event DEAD_LETTERED and writes a TECHNICAL audit entry
// with result FAILURE. A missing event is logged and ignored.
func (s *Service) MoveToDeadLetter(ctx context.Context, q database.Querier, eventID, reason string) error {
	evt, err := s.events.GetByID(ctx, q, eventID)
	if err != nil {
		if errors.Is(err, event.ErrNotFound) {
			s.logger.Warn("dead-letter requested for unknown event", "event_id", eventID, "reason", reason)
			return nil
		}
		return err
	}

	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("marshalling dead-letter payload: %w", err)
	}

	rec := Record{
		ID:              uuid.NewString(),
		OriginalEventID: evt.ID,
		Payload:         evt.Payload,
		FailureReason:   reason,
		MovedAt:         s.now().UTC(),
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO dead_letter_events (id, original_event_id, payload, failure_reason, moved_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.OriginalEventID, string(payload), rec.FailureReason, rec.MovedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrAlreadyDeadLettered, eventID)
		}
		return fmt.Errorf("inserting dead-letter record: %w", err)
	}

	if err := s.events.UpdateStatus(ctx, q, evt.ID, event.StatusDeadLettered, reason); err != nil {
		return err
	}
	if err := s.events.AppendLog(ctx, q, evt.ID, event.StageDeadLettered, reason); err != nil {
		return err
	}

	if err := s.audit.Create(ctx, q, &audit.Entry{
		EventType:     audit.EventDeadLettered,
		Category:      audit.CategoryTechnical,
		AggregateType: outbox.AggregateEvent,
		AggregateID:   evt.ID,
		Before:        map[string]any{"processingStatus": string(evt.ProcessingStatus)},
		After:         map[string]any{"processingStatus": string(event.StatusDeadLettered), "reason": reason},
		CorrelationID: evt.IdempotencyKey,
		Result:        audit.ResultFailure,
	}); err != nil {
		return err
	}

	_, err = s.outbox.Append(ctx, q, outbox.AggregateEvent, evt.ID, outbox.EventDeadLettered, map[string]any{
		"eventId":        evt.ID,
		"idempotencyKey": evt.IdempotencyKey,
		"eventType":      evt.EventType,
		"deviceId":       evt.DeviceID,
		"reason":         reason,
		"movedAt":        rec.MovedAt,
	})
	if err != nil {
		return err
	}

	s.logger.Error("event dead-lettered", "event_id", evt.ID, "reason", reason)
	return nil
}

// defaultListLimit applies when List is called without a limit.
const defaultListLimit = 50

// List returns the most recent dead-letter records.
func (s *Service) List(ctx context.Context, q database.Querier, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := q.QueryContext(ctx, `
		SELECT id, original_event_id, payload, failure_reason, moved_at
		FROM dead_letter_events ORDER BY moved_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying dead letters: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var payload string
		if err := rows.Scan(&rec.ID, &rec.OriginalEventID, &payload, &rec.FailureReason, &rec.MovedAt); err != nil {
			return nil, fmt.Errorf("scanning dead letter: %w", err)
		}
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
				return nil, fmt.Errorf("unmarshalling dead-letter payload: %w", err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
