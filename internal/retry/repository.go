package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/smartaccess-core/internal/infrastructure/database"
)

// Record is one scheduled retry of an event.
type Record struct {
	ID           string    `json:"id"`
	EventID      string    `json:"eventId"`
	RetryAttempt int       `json:"retryAttempt"`
	NextRetryAt  time.Time `json:"nextRetryAt"`
	ErrorMessage string    `json:"errorMessage"`
	CreatedAt    time.Time `json:"createdAt"`
}

// SQLRepository stores retry records in event_retries.
type SQLRepository struct{}

// NewSQLRepository creates a retry repository.
func NewSQLRepository() *SQLRepository {
	return &SQLRepository{}
}

// Create appends a retry record.
func (r *SQLRepository) Create(ctx context.Context, q database.Querier, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO event_retries (id, event_id, retry_attempt, next_retry_at, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.EventID, rec.RetryAttempt, rec.NextRetryAt.UTC(), rec.ErrorMessage, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting retry record: %w", err)
	}
	return nil
}

// History returns the retry records of an event ordered by attempt.
func (r *SQLRepository) History(ctx context.Context, q database.Querier, eventID string) ([]Record, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, event_id, retry_attempt, next_retry_at, error_message, created_at
		FROM event_retries WHERE event_id = ? ORDER BY retry_attempt`, eventID)
	if err != nil {
		return nil, fmt.Errorf("querying retry history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.RetryAttempt, &rec.NextRetryAt,
			&rec.ErrorMessage, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning retry record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Due is an event eligible to be re-driven.
type Due struct {
	EventID    string
	RetryCount int
}

// Due selects up to limit events that are RETRY_PENDING with their latest
// retry due at or before now, or FAILED, oldest first. Selection takes no
// locks; the reprocessing step claims each event before touching it.
func (r *SQLRepository) Due(ctx context.Context, q database.Querier, now time.Time, limit int) ([]Due, error) {
	query := `
		SELECT e.id, e.retry_count
		FROM events e
		WHERE (e.processing_status = 'RETRY_PENDING' AND EXISTS (
				SELECT 1 FROM event_retries r
				WHERE r.event_id = e.id AND r.retry_attempt = e.retry_count AND r.next_retry_at <= ?))
			OR e.processing_status = 'FAILED'
		ORDER BY e.received_at
		LIMIT ?`

	rows, err := q.QueryContext(ctx, query, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("querying due retries: %w", err)
	}
	defer rows.Close()

	var due []Due
	for rows.Next() {
		var d Due
		if err := rows.Scan(&d.EventID, &d.RetryCount); err != nil {
			return nil, fmt.Errorf("scanning due retry: %w", err)
		}
		due = append(due, d)
	}
	return due, rows.Err()
}
