package device

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nerrad567/smartaccess-core/internal/infrastructure/database"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// RecordTransition appends a status history row. ID and CreatedAt are
// assigned when empty.
func (r *SQLRepository) RecordTransition(ctx context.Context, q database.Querier, entry *StatusHistoryEntry) error {
	if entry.DeviceID == "" {
		return fmt.Errorf("device id is required")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now().UTC()
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO device_status_history (id, device_id, from_status, to_status, reason, event_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.DeviceID, string(entry.FromStatus), string(entry.ToStatus),
		entry.Reason, entry.EventID, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting status history: %w", err)
	}
	return nil
}

// History returns recent transitions for a device, newest first.
// limit defaults to 50 and is clamped to 200.
func (r *SQLRepository) History(ctx context.Context, q database.Querier, deviceID string, limit int) ([]StatusHistoryEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, device_id, from_status, to_status, reason, event_id, created_at
		FROM device_status_history
		WHERE device_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying status history: %w", err)
	}
	defer rows.Close()

	var entries []StatusHistoryEntry
	for rows.Next() {
		var e StatusHistoryEntry
		var from, to string
		if err := rows.Scan(&e.ID, &e.DeviceID, &from, &to, &e.Reason, &e.EventID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning status history: %w", err)
		}
		e.FromStatus = Status(from)
		e.ToStatus = Status(to)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
