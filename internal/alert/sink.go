package alert

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/smartaccess-core/internal/infrastructure/database"
)

// DefaultDedupWindow suppresses repeats of the same device and metric.
const DefaultDedupWindow = 5 * time.Minute

// Sink stores alerts.
type Sink interface {
	// CreateAlert stores a and reports whether it was created. It returns
	// false without error when an equivalent alert is inside the dedup window.
	CreateAlert(ctx context.Context, q database.Querier, a *Alert) (bool, error)
}

// SQLSink writes alerts to the alerts table.
type SQLSink struct {
	window time.Duration
	now    func() time.Time
}

// NewSQLSink creates an alert sink. A non-positive window uses DefaultDedupWindow.
func NewSQLSink(window time.Duration) *SQLSink {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &SQLSink{window: window, now: time.Now}
}

// CreateAlert implements Sink.
func (s *SQLSink) CreateAlert(ctx context.Context, q database.Querier, a *Alert) (bool, error) {
	now := s.now().UTC()

	var existing int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM alerts
		WHERE device_id = ? AND metric = ? AND created_at > ?`,
		a.DeviceID, a.Metric, now.Add(-s.window),
	).Scan(&existing)
	if err != nil {
		return false, fmt.Errorf("checking recent alerts: %w", err)
	}
	if existing > 0 {
		return false, nil
	}

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = now

	_, err = q.ExecContext(ctx, `
		INSERT INTO alerts (id, device_id, event_id, severity, metric, value, threshold, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.DeviceID, a.EventID, string(a.Severity), a.Metric,
		nullableFloat(a.Value), nullableFloat(a.Threshold), a.Message, a.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("inserting alert: %w", err)
	}
	return true, nil
}

// Recent returns alerts for a device newest first. A non-positive limit
// returns at most 50.
func (s *SQLSink) Recent(ctx context.Context, q database.Querier, deviceID string, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.QueryContext(ctx, `
		SELECT id, device_id, event_id, severity, metric, value, threshold, message, created_at
		FROM alerts WHERE device_id = ? ORDER BY created_at DESC LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying alerts: %w", err)
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		var (
			a                Alert
			severity         string
			value, threshold sql.NullFloat64
		)
		if err := rows.Scan(&a.ID, &a.DeviceID, &a.EventID, &severity, &a.Metric,
			&value, &threshold, &a.Message, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning alert: %w", err)
		}
		a.Severity = Severity(severity)
		if value.Valid {
			a.Value = &value.Float64
		}
		if threshold.Valid {
			a.Threshold = &threshold.Float64
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
