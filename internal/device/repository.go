package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/smartaccess-core/internal/infrastructure/database"
)

const deviceColumns = `id, device_uuid, name, location, status, firmware_version,
	last_seen_at, created_at, updated_at`

// SQLRepository persists devices.
//
// Methods take the Querier to run on so that device writes share the
// transaction of the event being processed.
type SQLRepository struct {
	now func() time.Time
}

// NewSQLRepository creates a device repository.
func NewSQLRepository() *SQLRepository {
	return &SQLRepository{now: time.Now}
}

// GetByID retrieves a device by its internal identifier.
// Returns ErrDeviceNotFound if the device does not exist.
func (r *SQLRepository) GetByID(ctx context.Context, q database.Querier, id string) (*Device, error) {
	row := q.QueryRowContext(ctx, "SELECT "+deviceColumns+" FROM devices WHERE id = ?", id)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return d, nil
}

// GetByUUID retrieves a device by the UUID it reports on the wire.
// Returns ErrDeviceNotFound if the device does not exist.
func (r *SQLRepository) GetByUUID(ctx context.Context, q database.Querier, deviceUUID string) (*Device, error) {
	row := q.QueryRowContext(ctx, "SELECT "+deviceColumns+" FROM devices WHERE device_uuid = ?", deviceUUID)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by uuid: %w", err)
	}
	return d, nil
}

// List retrieves all devices ordered by name.
func (r *SQLRepository) List(ctx context.Context, q database.Querier) ([]Device, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+deviceColumns+" FROM devices ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

// Create inserts a new device, assigning ID and timestamps.
// Returns ErrDeviceExists if the UUID is already registered.
func (r *SQLRepository) Create(ctx context.Context, q database.Querier, d *Device) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = StatusRegistered
	}
	now := r.now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	_, err := q.ExecContext(ctx, `
		INSERT INTO devices (id, device_uuid, name, location, status, firmware_version,
			last_seen_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.DeviceUUID, d.Name, d.Location, string(d.Status), d.FirmwareVersion,
		nullableTime(d.LastSeenAt), d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDeviceExists, d.DeviceUUID)
		}
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

// UpdateStatus sets the status column. The caller is responsible for
// checking the transition with ValidateTransition first.
func (r *SQLRepository) UpdateStatus(ctx context.Context, q database.Querier, id string, status Status) error {
	res, err := q.ExecContext(ctx,
		"UPDATE devices SET status = ?, updated_at = ? WHERE id = ?",
		string(status), r.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating device status: %w", err)
	}
	return requireOneRow(res)
}

// Touch records that the device was heard from at seenAt. A non-empty
// firmware replaces the stored firmware version.
func (r *SQLRepository) Touch(ctx context.Context, q database.Querier, id string, seenAt time.Time, firmware string) error {
	var (
		res sql.Result
		err error
	)
	if firmware != "" {
		res, err = q.ExecContext(ctx,
			"UPDATE devices SET last_seen_at = ?, firmware_version = ?, updated_at = ? WHERE id = ?",
			seenAt.UTC(), firmware, r.now().UTC(), id)
	} else {
		res, err = q.ExecContext(ctx,
			"UPDATE devices SET last_seen_at = ?, updated_at = ? WHERE id = ?",
			seenAt.UTC(), r.now().UTC(), id)
	}
	if err != nil {
		return fmt.Errorf("touching device: %w", err)
	}
	return requireOneRow(res)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(s scanner) (*Device, error) {
	var (
		d        Device
		status   string
		lastSeen sql.NullTime
	)
	err := s.Scan(&d.ID, &d.DeviceUUID, &d.Name, &d.Location, &status, &d.FirmwareVersion,
		&lastSeen, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}

	d.Status = Status(status)
	if lastSeen.Valid {
		t := lastSeen.Time.UTC()
		d.LastSeenAt = &t
	}
	return &d, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}
