package device

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/smartaccess-core/internal/infrastructure/database/dbtest"
)

func TestSQLRepository_CreateAndGet(t *testing.T) {
	db := dbtest.Open(t)
	repo := NewSQLRepository()
	ctx := context.Background()

	d := NewFromHints("reader-1", Hints{Location: "Lobby", FirmwareVersion: "1.2.0"})
	require.NoError(t, repo.Create(ctx, db, d))
	assert.NotEmpty(t, d.ID)
	assert.Equal(t, "Device reader-1", d.Name)

	got, err := repo.GetByUUID(ctx, db, "reader-1")
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, StatusRegistered, got.Status)
	assert.Equal(t, "Lobby", got.Location)
	assert.Equal(t, "1.2.0", got.FirmwareVersion)
	assert.Nil(t, got.LastSeenAt)

	byID, err := repo.GetByID(ctx, db, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "reader-1", byID.DeviceUUID)

	_, err = repo.GetByUUID(ctx, db, "missing")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestSQLRepository_CreateDuplicateUUID(t *testing.T) {
	db := dbtest.Open(t)
	repo := NewSQLRepository()
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, db, NewFromHints("reader-1", Hints{})))
	err := repo.Create(ctx, db, NewFromHints("reader-1", Hints{}))
	assert.ErrorIs(t, err, ErrDeviceExists)
}

func TestSQLRepository_UpdateStatusAndTouch(t *testing.T) {
	db := dbtest.Open(t)
	repo := NewSQLRepository()
	ctx := context.Background()

	d := NewFromHints("reader-1", Hints{FirmwareVersion: "1.0.0"})
	require.NoError(t, repo.Create(ctx, db, d))

	require.NoError(t, repo.UpdateStatus(ctx, db, d.ID, StatusOnline))

	seen := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Touch(ctx, db, d.ID, seen, ""))

	got, err := repo.GetByID(ctx, db, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, got.Status)
	require.NotNil(t, got.LastSeenAt)
	assert.True(t, seen.Equal(*got.LastSeenAt))
	assert.Equal(t, "1.0.0", got.FirmwareVersion)

	require.NoError(t, repo.Touch(ctx, db, d.ID, seen.Add(time.Minute), "2.0.0"))
	got, err = repo.GetByID(ctx, db, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", got.FirmwareVersion)

	assert.ErrorIs(t, repo.UpdateStatus(ctx, db, "missing", StatusOnline), ErrDeviceNotFound)
	assert.ErrorIs(t, repo.Touch(ctx, db, "missing", seen, ""), ErrDeviceNotFound)
}

func TestSQLRepository_List(t *testing.T) {
	db := dbtest.Open(t)
	repo := NewSQLRepository()
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, db, NewFromHints("b", Hints{Name: "Side Door"})))
	require.NoError(t, repo.Create(ctx, db, NewFromHints("a", Hints{Name: "Front Door"})))

	devices, err := repo.List(ctx, db)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "Front Door", devices[0].Name)
	assert.Equal(t, "Side Door", devices[1].Name)
}

func TestSQLRepository_StatusHistory(t *testing.T) {
	db := dbtest.Open(t)
	repo := NewSQLRepository()
	ctx := context.Background()

	d := NewFromHints("reader-1", Hints{})
	require.NoError(t, repo.Create(ctx, db, d))

	base := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, repo.RecordTransition(ctx, db, &StatusHistoryEntry{
		DeviceID: d.ID, FromStatus: StatusRegistered, ToStatus: StatusOnline,
		Reason: "DEVICE_CONNECTED", EventID: "evt-1", CreatedAt: base,
	}))
	require.NoError(t, repo.RecordTransition(ctx, db, &StatusHistoryEntry{
		DeviceID: d.ID, FromStatus: StatusOnline, ToStatus: StatusOffline,
		Reason: "DEVICE_DISCONNECTED", EventID: "evt-2", CreatedAt: base.Add(time.Minute),
	}))

	history, err := repo.History(ctx, db, d.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, StatusOffline, history[0].ToStatus)
	assert.Equal(t, StatusOnline, history[1].ToStatus)
	assert.Equal(t, "evt-1", history[1].EventID)

	history, err = repo.History(ctx, db, d.ID, 1)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	err = repo.RecordTransition(ctx, db, &StatusHistoryEntry{ToStatus: StatusOnline})
	assert.Error(t, err)
}
