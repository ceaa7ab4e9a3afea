package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/smartaccess-core/internal/infrastructure/database"
)

// SQLRepository stores outbox entries in outbox_events.
type SQLRepository struct {
	now func() time.Time
}

// NewSQLRepository creates an outbox repository.
func NewSQLRepository() *SQLRepository {
	return &SQLRepository{now: time.Now}
}

// Append records a domain event to publish. payload is JSON-encoded.
func (r *SQLRepository) Append(ctx context.Context, q database.Querier, aggregateType, aggregateID, eventType string, payload any) (*Entry, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshalling outbox payload: %w", err)
	}

	e := &Entry{
		ID:            uuid.NewString(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       body,
		CreatedAt:     r.now().UTC(),
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO outbox_events (id, aggregate_type, aggregate_id, event_type, payload, published, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AggregateType, e.AggregateID, e.EventType, string(e.Payload), false, e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting outbox entry: %w", err)
	}
	return e, nil
}

// FetchUnpublished returns up to limit unpublished entries oldest first.
// On PostgreSQL the rows stay locked (SKIP LOCKED) until the enclosing
// transaction ends, so concurrent processors never select the same row.
func (r *SQLRepository) FetchUnpublished(ctx context.Context, q database.Querier, limit int) ([]Entry, error) {
	query := `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, published, published_at, created_at
		FROM outbox_events
		WHERE published = ?
		ORDER BY created_at, id
		LIMIT ?` + q.Dialect().LockClause()

	rows, err := q.QueryContext(ctx, query, false, limit)
	if err != nil {
		return nil, fmt.Errorf("querying unpublished outbox entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e           Entry
			payload     string
			publishedAt sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType,
			&payload, &e.Published, &publishedAt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning outbox entry: %w", err)
		}
		e.Payload = []byte(payload)
		if publishedAt.Valid {
			t := publishedAt.Time.UTC()
			e.PublishedAt = &t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkPublished flips the published flag of an entry.
func (r *SQLRepository) MarkPublished(ctx context.Context, q database.Querier, id string) error {
	res, err := q.ExecContext(ctx,
		"UPDATE outbox_events SET published = ?, published_at = ? WHERE id = ? AND published = ?",
		true, r.now().UTC(), id, false)
	if err != nil {
		return fmt.Errorf("marking outbox entry published: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrEntryNotPending, id)
	}
	return nil
}

// CountUnpublished returns the backlog size.
func (r *SQLRepository) CountUnpublished(ctx context.Context, q database.Querier) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM outbox_events WHERE published = ?", false).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting outbox backlog: %w", err)
	}
	return n, nil
}
