package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/smartaccess-core/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second

	// failureWindowFlushes is how many flush intervals a batch failure
	// keeps HealthCheck reporting ErrWriteFailed.
	failureWindowFlushes = 3
)

// Client writes pipeline measurements to an InfluxDB v2 bucket.
//
// Points are queued and sent in batches by the library, so write methods
// never block the observer handlers that call them. Batch failures arrive
// asynchronously; they are counted, passed to the SetOnError callback and
// surfaced by HealthCheck for a few flush intervals.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI

	failureWindow time.Duration
	now           func() time.Time

	mu        sync.RWMutex
	connected bool
	onError   func(err error)
	lastErr   error
	lastErrAt time.Time

	points   atomic.Uint64
	failures atomic.Uint64
}

// WriteStats summarises what the client has queued and what failed.
type WriteStats struct {
	Points        uint64    `json:"points"`
	FailedBatches uint64    `json:"failedBatches"`
	LastError     string    `json:"lastError,omitempty"`
	LastErrorAt   time.Time `json:"lastErrorAt,omitempty"`
}

// Connect pings the server and opens a batched write API for the
// configured org and bucket. It returns ErrDisabled when the integration
// is switched off.
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batchSize, flushInterval := batching(cfg)
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batchSize).
			SetFlushInterval(uint(flushInterval.Milliseconds())), //nolint:gosec // positive by construction
	)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := ping(ctx, client); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c := &Client{
		client:        client,
		writeAPI:      client.WriteAPI(cfg.Org, cfg.Bucket),
		failureWindow: failureWindowFlushes * flushInterval,
		now:           time.Now,
		connected:     true,
	}
	go c.watchWriteErrors(c.writeAPI.Errors())
	return c, nil
}

// batching resolves the batch size and flush interval, falling back to
// defaults for unset or negative values.
func batching(cfg config.InfluxDBConfig) (uint, time.Duration) {
	size := uint(defaultBatchSize)
	if cfg.BatchSize > 0 {
		size = uint(cfg.BatchSize)
	}
	interval := defaultFlushInterval
	if cfg.FlushInterval > 0 {
		interval = time.Duration(cfg.FlushInterval) * time.Second
	}
	return size, interval
}

func ping(ctx context.Context, client influxdb2.Client) error {
	healthy, err := client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	if !healthy {
		return errUnhealthy
	}
	return nil
}

// watchWriteErrors records every failed batch until the write API closes
// its error channel.
func (c *Client) watchWriteErrors(errs <-chan error) {
	for err := range errs {
		c.failures.Add(1)

		c.mu.Lock()
		c.lastErr = err
		c.lastErrAt = c.now()
		callback := c.onError
		c.mu.Unlock()

		if callback != nil {
			callback(fmt.Errorf("%w: %w", ErrWriteFailed, err))
		}
	}
}

// writePoint queues p unless the client is closed.
func (c *Client) writePoint(p *write.Point) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected {
		return
	}
	c.writeAPI.WritePoint(p)
	c.points.Add(1)
}

// Stats returns the write counters.
func (c *Client) Stats() WriteStats {
	st := WriteStats{
		Points:        c.points.Load(),
		FailedBatches: c.failures.Load(),
	}
	c.mu.RLock()
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
		st.LastErrorAt = c.lastErrAt
	}
	c.mu.RUnlock()
	return st
}

// HealthCheck pings the server and reports ErrWriteFailed while a batch
// failure is recent.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	checkCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := ping(checkCtx, c.client); err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}

	c.mu.RLock()
	lastErr, lastErrAt := c.lastErr, c.lastErrAt
	c.mu.RUnlock()
	if lastErr != nil && c.now().Sub(lastErrAt) < c.failureWindow {
		return fmt.Errorf("%w: %w", ErrWriteFailed, lastErr)
	}
	return nil
}

// IsConnected reports whether Close has not been called yet. Use
// HealthCheck to ping the server.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// SetOnError sets a callback for failed batches. Errors wrap ErrWriteFailed.
func (c *Client) SetOnError(callback func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = callback
}

// Flush sends queued points and waits for the batch. It is a no-op once
// the client is closed.
func (c *Client) Flush() {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.Flush()
}

// Close flushes queued points and releases the client. Later calls, and
// calls on a zero Client, do nothing.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()
	if !wasConnected {
		return nil
	}

	c.writeAPI.Flush()
	c.client.Close()
	return nil
}
