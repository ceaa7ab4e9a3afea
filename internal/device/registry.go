package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/smartaccess-core/internal/infrastructure/cache"
	"github.com/nerrad567/smartaccess-core/internal/infrastructure/database"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

const snapshotKeyPrefix = "device:"

// Registry serves device snapshots from a shared cache and falls back to
// the repository on a miss.
//
// The cache is only ever written after a unit of work has committed, so a
// snapshot never shows state that was rolled back. Cache failures are
// logged and otherwise ignored: the database stays authoritative.
//
// All public methods are thread-safe.
type Registry struct {
	repo   *SQLRepository
	db     database.Querier
	cache  cache.Cache
	ttl    time.Duration
	logger Logger
}

// NewRegistry creates a device registry over the given cache.
func NewRegistry(repo *SQLRepository, db database.Querier, c cache.Cache, ttl time.Duration) *Registry {
	return &Registry{
		repo:   repo,
		db:     db,
		cache:  c,
		ttl:    ttl,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// Snapshot returns the device reporting as deviceUUID.
// Returns ErrDeviceNotFound if no such device has been registered.
func (r *Registry) Snapshot(ctx context.Context, deviceUUID string) (*Device, error) {
	data, err := r.cache.Get(ctx, snapshotKey(deviceUUID))
	switch {
	case err == nil:
		var d Device
		if jsonErr := json.Unmarshal(data, &d); jsonErr == nil {
			return &d, nil
		}
		r.logger.Warn("discarding unreadable device snapshot", "device_uuid", deviceUUID)
	case !errors.Is(err, cache.ErrMiss):
		r.logger.Warn("device cache read failed", "device_uuid", deviceUUID, "error", err)
	}

	d, err := r.repo.GetByUUID(ctx, r.db, deviceUUID)
	if err != nil {
		return nil, err
	}
	r.Refresh(ctx, d)
	return d, nil
}

// Refresh stores d as the current snapshot for its UUID.
func (r *Registry) Refresh(ctx context.Context, d *Device) {
	if d == nil {
		return
	}
	data, err := json.Marshal(d)
	if err != nil {
		r.logger.Error("encoding device snapshot", "device_id", d.ID, "error", err)
		return
	}
	if err := r.cache.Set(ctx, snapshotKey(d.DeviceUUID), data, r.ttl); err != nil {
		r.logger.Warn("device cache write failed", "device_id", d.ID, "error", err)
		// The previous snapshot is now stale; readers must fall back.
		if invErr := r.Invalidate(ctx, d.DeviceUUID); invErr != nil {
			r.logger.Warn("device cache invalidate failed", "device_id", d.ID, "error", invErr)
		}
		return
	}
	r.logger.Debug("device snapshot refreshed", "device_id", d.ID, "status", d.Status)
}

// Invalidate drops the snapshot for deviceUUID.
func (r *Registry) Invalidate(ctx context.Context, deviceUUID string) error {
	if err := r.cache.Delete(ctx, snapshotKey(deviceUUID)); err != nil {
		return fmt.Errorf("invalidating device snapshot: %w", err)
	}
	return nil
}

func snapshotKey(deviceUUID string) string {
	return snapshotKeyPrefix + deviceUUID
}
