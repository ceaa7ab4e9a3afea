// Package audit records the append-only audit trail of processing
// decisions: registrations, status changes, duplicates and failures.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/smartaccess-core/internal/infrastructure/database"
)

// Category groups audit entries by concern.
type Category string

// Audit categories.
const (
	CategoryDomain    Category = "DOMAIN"
	CategoryTechnical Category = "TECHNICAL"
	CategorySecurity  Category = "SECURITY"
)

// Result is the outcome recorded on an entry.
type Result string

// Audit results.
const (
	ResultSuccess Result = "SUCCESS"
	ResultFailure Result = "FAILURE"
)

// Audit event types written by the processing pipeline.
const (
	EventDuplicateDetected    = "DUPLICATE_EVENT_DETECTED"
	EventDeviceAutoRegistered = "DEVICE_AUTO_REGISTERED"
	EventDeviceStatusChanged  = "DEVICE_STATUS_CHANGED"
	EventProcessed            = "EVENT_PROCESSED"
	EventDeadLettered         = "EVENT_DEAD_LETTERED"
)

// DefaultActor is recorded when no actor is set.
const DefaultActor = "system"

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Entry is a single audit trail record. Entries are never updated or deleted.
type Entry struct {
	ID            string         `json:"id"`
	EventType     string         `json:"eventType"`
	Category      Category       `json:"category"`
	AggregateType string         `json:"aggregateType"`
	AggregateID   string         `json:"aggregateId"`
	Before        map[string]any `json:"before,omitempty"`
	After         map[string]any `json:"after,omitempty"`
	Actor         string         `json:"actor"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Result        Result         `json:"result"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// Filter controls which audit entries to return.
type Filter struct {
	EventType     string // optional
	AggregateType string // optional
	AggregateID   string // optional
	CorrelationID string // optional
	Limit         int    // default 50, max 200
}

// Repository defines the audit operations used by the pipeline.
type Repository interface {
	Create(ctx context.Context, q database.Querier, entry *Entry) error
	List(ctx context.Context, q database.Querier, filter Filter) ([]Entry, error)
}

// SQLRepository stores audit entries in the audit_log table.
type SQLRepository struct{}

// NewSQLRepository creates a new audit repository.
func NewSQLRepository() *SQLRepository {
	return &SQLRepository{}
}

// Create appends an entry. ID, CreatedAt, Actor and Result are defaulted if empty.
func (r *SQLRepository) Create(ctx context.Context, q database.Querier, entry *Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Actor == "" {
		entry.Actor = DefaultActor
	}
	if entry.Result == "" {
		entry.Result = ResultSuccess
	}

	before, err := snapshotJSON(entry.Before)
	if err != nil {
		return fmt.Errorf("marshalling audit before state: %w", err)
	}
	after, err := snapshotJSON(entry.After)
	if err != nil {
		return fmt.Errorf("marshalling audit after state: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO audit_log (id, event_type, category, aggregate_type, aggregate_id,
			before_state, after_state, actor, correlation_id, result, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.EventType, string(entry.Category), entry.AggregateType, entry.AggregateID,
		before, after, entry.Actor, entry.CorrelationID, string(entry.Result), entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// snapshotJSON returns nil for an absent snapshot so the column stays NULL.
func snapshotJSON(state map[string]any) (any, error) {
	if state == nil {
		return nil, nil
	}
	b, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// List returns entries matching the filter, oldest first.
func (r *SQLRepository) List(ctx context.Context, q database.Querier, filter Filter) ([]Entry, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}

	var conditions []string
	var args []any
	add := func(column, value string) {
		if value != "" {
			conditions = append(conditions, column+" = ?")
			args = append(args, value)
		}
	}
	add("event_type", filter.EventType)
	add("aggregate_type", filter.AggregateType)
	add("aggregate_id", filter.AggregateID)
	add("correlation_id", filter.CorrelationID)

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions, not user input
		`SELECT id, event_type, category, aggregate_type, aggregate_id, before_state, after_state,
			actor, correlation_id, result, created_at
		FROM audit_log %s ORDER BY created_at, id LIMIT ?`, where)
	args = append(args, filter.Limit)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e             Entry
			category      string
			result        string
			before, after sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.EventType, &category, &e.AggregateType, &e.AggregateID,
			&before, &after, &e.Actor, &e.CorrelationID, &result, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Category = Category(category)
		e.Result = Result(result)
		if before.Valid && before.String != "" {
			_ = json.Unmarshal([]byte(before.String), &e.Before) //nolint:errcheck // malformed snapshots are left empty
		}
		if after.Valid && after.String != "" {
			_ = json.Unmarshal([]byte(after.String), &e.After) //nolint:errcheck // malformed snapshots are left empty
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit log: %w", err)
	}
	return entries, nil
}
