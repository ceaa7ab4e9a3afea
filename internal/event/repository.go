package event

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/smartaccess-core/internal/infrastructure/database"
)

const eventColumns = `id, event_uuid, idempotency_key, device_id, event_type, payload,
	occurred_at, received_at, processing_status, retry_count, processed_at, last_error`

// SQLRepository persists DomainEvents and their processing logs.
//
// Every method takes the Querier to run on, normally the *database.Tx of
// the enclosing unit of work.
type SQLRepository struct {
	now func() time.Time
}

// defaultListLimit bounds ListByStatus when no limit is given.
const defaultListLimit = 50

// NewSQLRepository creates an event repository.
func NewSQLRepository() *SQLRepository {
	return &SQLRepository{now: time.Now}
}

// FindByIdempotencyKey returns the event stored under key, or ErrNotFound.
func (r *SQLRepository) FindByIdempotencyKey(ctx context.Context, q database.Querier, key string) (*DomainEvent, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE idempotency_key = ?", key)

	evt, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying event by idempotency key: %w", err)
	}
	return evt, nil
}

// GetByID returns the event with the given id, or ErrNotFound.
func (r *SQLRepository) GetByID(ctx context.Context, q database.Querier, id string) (*DomainEvent, error) {
	row := q.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM events WHERE id = ?", id)

	evt, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying event by id: %w", err)
	}
	return evt, nil
}

// Create inserts evt, filling ID, ReceivedAt and status when unset.
//
// A unique violation on idempotency_key is reported as ErrDuplicateKey.
func (r *SQLRepository) Create(ctx context.Context, q database.Querier, evt *DomainEvent) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.ReceivedAt.IsZero() {
		evt.ReceivedAt = r.now().UTC()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = evt.ReceivedAt
	}
	if evt.ProcessingStatus == "" {
		evt.ProcessingStatus = StatusReceived
	}
	if evt.Payload == nil {
		evt.Payload = map[string]any{}
	}

	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("marshalling event payload: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO events (id, event_uuid, idempotency_key, device_id, event_type, payload,
			occurred_at, received_at, processing_status, retry_count, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ID, evt.EventUUID, evt.IdempotencyKey, evt.DeviceID, string(evt.EventType), string(payload),
		evt.OccurredAt.UTC(), evt.ReceivedAt, string(evt.ProcessingStatus), evt.RetryCount, evt.LastError,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, evt.IdempotencyKey)
		}
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// ClaimForRetry returns the event if it is FAILED or RETRY_PENDING.
//
// On PostgreSQL the row is locked with SKIP LOCKED for the rest of the
// transaction, so an event being re-driven by another scheduler reports
// ErrNotFound instead of blocking.
func (r *SQLRepository) ClaimForRetry(ctx context.Context, q database.Querier, id string) (*DomainEvent, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE id = ? AND processing_status IN (?, ?)"+q.Dialect().LockClause(),
		id, string(StatusFailed), string(StatusRetryPending))

	evt, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("claiming event for retry: %w", err)
	}
	return evt, nil
}

// UpdateStatus sets the processing status and last error of an event.
func (r *SQLRepository) UpdateStatus(ctx context.Context, q database.Querier, id string, status ProcessingStatus, lastError string) error {
	res, err := q.ExecContext(ctx,
		"UPDATE events SET processing_status = ?, last_error = ? WHERE id = ?",
		string(status), lastError, id)
	if err != nil {
		return fmt.Errorf("updating event status: %w", err)
	}
	return requireOneRow(res)
}

// MarkProcessed sets PROCESSED and stamps processed_at.
func (r *SQLRepository) MarkProcessed(ctx context.Context, q database.Querier, id string) error {
	res, err := q.ExecContext(ctx,
		"UPDATE events SET processing_status = ?, processed_at = ?, last_error = '' WHERE id = ?",
		string(StatusProcessed), r.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("marking event processed: %w", err)
	}
	return requireOneRow(res)
}

// MarkRetryPending increments retry_count, sets RETRY_PENDING and returns
// the new count.
func (r *SQLRepository) MarkRetryPending(ctx context.Context, q database.Querier, id, lastError string) (int, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE events
		SET retry_count = retry_count + 1, processing_status = ?, last_error = ?
		WHERE id = ?`,
		string(StatusRetryPending), lastError, id)
	if err != nil {
		return 0, fmt.Errorf("scheduling event retry: %w", err)
	}
	if err := requireOneRow(res); err != nil {
		return 0, err
	}

	var count int
	if err := q.QueryRowContext(ctx, "SELECT retry_count FROM events WHERE id = ?", id).Scan(&count); err != nil {
		return 0, fmt.Errorf("reading retry count: %w", err)
	}
	return count, nil
}

// ListByStatus returns up to limit events in status, oldest first.
// A non-positive limit returns at most 50.
func (r *SQLRepository) ListByStatus(ctx context.Context, q database.Querier, status ProcessingStatus, limit int) ([]DomainEvent, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := q.QueryContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE processing_status = ? ORDER BY received_at LIMIT ?",
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("listing events by status: %w", err)
	}
	defer rows.Close()

	var events []DomainEvent
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, *evt)
	}
	return events, rows.Err()
}

// AppendLog adds a processing-log entry for an event.
func (r *SQLRepository) AppendLog(ctx context.Context, q database.Querier, eventID string, stage Stage, message string) error {
	_, err := q.ExecContext(ctx,
		"INSERT INTO event_processing_logs (id, event_id, stage, message, created_at) VALUES (?, ?, ?, ?, ?)",
		uuid.NewString(), eventID, string(stage), message, r.now().UTC())
	if err != nil {
		return fmt.Errorf("inserting processing log: %w", err)
	}
	return nil
}

// Logs returns the processing trail of an event in insertion order.
func (r *SQLRepository) Logs(ctx context.Context, q database.Querier, eventID string) ([]ProcessingLogEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, event_id, stage, message, created_at
		FROM event_processing_logs
		WHERE event_id = ?
		ORDER BY created_at, id`, eventID)
	if err != nil {
		return nil, fmt.Errorf("querying processing logs: %w", err)
	}
	defer rows.Close()

	var entries []ProcessingLogEntry
	for rows.Next() {
		var e ProcessingLogEntry
		var stage string
		if err := rows.Scan(&e.ID, &e.EventID, &stage, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning processing log: %w", err)
		}
		e.Stage = Stage(stage)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (*DomainEvent, error) {
	var (
		evt         DomainEvent
		eventType   string
		status      string
		payload     string
		processedAt sql.NullTime
	)

	err := s.Scan(&evt.ID, &evt.EventUUID, &evt.IdempotencyKey, &evt.DeviceID, &eventType, &payload,
		&evt.OccurredAt, &evt.ReceivedAt, &status, &evt.RetryCount, &processedAt, &evt.LastError)
	if err != nil {
		return nil, err
	}

	evt.EventType = Type(eventType)
	evt.ProcessingStatus = ProcessingStatus(status)
	if processedAt.Valid {
		t := processedAt.Time.UTC()
		evt.ProcessedAt = &t
	}
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &evt.Payload); err != nil {
			return nil, fmt.Errorf("unmarshalling payload: %w", err)
		}
	}
	return &evt, nil
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
