package deadletter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/smartaccess-core/internal/audit"
	"github.com/nerrad567/smartaccess-core/internal/event"
	"github.com/nerrad567/smartaccess-core/internal/infrastructure/database"
	"github.com/nerrad567/smartaccess-core/internal/infrastructure/database/dbtest"
	"github.com/nerrad567/smartaccess-core/internal/outbox"
)

func seedEvent(t *testing.T, db *database.DB) *event.DomainEvent {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	_, err := db.ExecContext(ctx, `
		INSERT INTO devices (id, device_uuid, name, status, created_at, updated_at)
		VALUES ('dev-1', 'reader-1', 'Reader', 'ONLINE', ?, ?)`, now, now)
	require.NoError(t, err)

	evt := &event.DomainEvent{
		EventUUID:      "evt-1",
		IdempotencyKey: "key-1",
		DeviceID:       "dev-1",
		EventType:      event.TypeTelemetry,
		Payload:        map[string]any{"simulateFailure": true, "temperature": 40.0},
	}
	require.NoError(t, event.NewSQLRepository().Create(ctx, db, evt))
	return evt
}

func newService() *Service {
	return NewService(event.NewSQLRepository(), audit.NewSQLRepository(), outbox.NewSQLRepository())
}

func TestService_MoveToDeadLetter(t *testing.T) {
	db := dbtest.Open(t)
	evt := seedEvent(t, db)
	svc := newService()
	ctx := context.Background()

	err := db.WithinTx(ctx, func(ctx context.Context, tx *database.Tx) error {
		return svc.MoveToDeadLetter(ctx, tx, evt.ID, "simulated failure")
	})
	require.NoError(t, err)

	stored, err := event.NewSQLRepository().GetByID(ctx, db, evt.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusDeadLettered, stored.ProcessingStatus)

	assert.Equal(t, 1, dbtest.Count(t, db, "dead_letter_events", "original_event_id = ?", evt.ID))

	records, err := svc.List(ctx, db, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "simulated failure", records[0].FailureReason)
	assert.Equal(t, 40.0, records[0].Payload["temperature"])

	entries, err := audit.NewSQLRepository().List(ctx, db, audit.Filter{EventType: audit.EventDeadLettered})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.CategoryTechnical, entries[0].Category)
	assert.Equal(t, audit.ResultFailure, entries[0].Result)

	assert.Equal(t, 1, dbtest.Count(t, db, "outbox_events", "event_type = ?", outbox.EventDeadLettered))
}

func TestService_MoveToDeadLetterTwice(t *testing.T) {
	db := dbtest.Open(t)
	evt := seedEvent(t, db)
	svc := newService()
	ctx := context.Background()

	require.NoError(t, svc.MoveToDeadLetter(ctx, db, evt.ID, "first"))
	err := svc.MoveToDeadLetter(ctx, db, evt.ID, "second")
	assert.ErrorIs(t, err, ErrAlreadyDeadLettered)
	assert.Equal(t, 1, dbtest.Count(t, db, "dead_letter_events", ""))
}

func TestService_MoveToDeadLetterMissingEvent(t *testing.T) {
	db := dbtest.Open(t)
	svc := newService()

	err := svc.MoveToDeadLetter(context.Background(), db, "missing", "gone")
	require.NoError(t, err)
	assert.Equal(t, 0, dbtest.Count(t, db, "dead_letter_events", ""))
}
