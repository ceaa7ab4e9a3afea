package outbox

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/smartaccess-core/internal/infrastructure/database"
)

const (
	// DefaultInterval is the poll interval of the Processor.
	DefaultInterval = 5 * time.Second

	// DefaultBatchSize is the most entries published per poll.
	DefaultBatchSize = 50
)

// Logger is the logging interface used by the Processor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config holds configuration for the Processor.
type Config struct {
	// Interval between polls. Default: 5 seconds.
	Interval time.Duration

	// BatchSize is the most entries selected per poll. Default: 50.
	BatchSize int
}

// Processor publishes unpublished outbox entries on a fixed interval.
//
// Each poll selects a batch in one transaction, publishes every entry and
// marks the successful ones published. A failed publish is logged and the
// entry stays pending for the next poll; it never rolls back the entries
// already marked.
type Processor struct {
	db        database.Transactor
	repo      *SQLRepository
	publisher Publisher
	interval  time.Duration
	batchSize int
	logger    Logger

	running  atomic.Bool
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewProcessor creates an outbox processor. Call Start to begin polling.
func NewProcessor(db database.Transactor, repo *SQLRepository, publisher Publisher, cfg Config) *Processor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Processor{
		db:        db,
		repo:      repo,
		publisher: publisher,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		logger:    noopLogger{},
		done:      make(chan struct{}),
	}
}

// SetLogger sets the logger for the processor.
func (p *Processor) SetLogger(logger Logger) {
	p.logger = logger
}

// Start begins polling until ctx is cancelled or Stop is called.
func (p *Processor) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop halts polling and waits for an in-progress poll to finish.
// Safe to call multiple times.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
	})
}

func (p *Processor) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil {
				p.logger.Error("outbox poll failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single poll and returns how many entries were
// published. A poll already running in this process makes it return 0.
func (p *Processor) RunOnce(ctx context.Context) (int, error) {
	if !p.running.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer p.running.Store(false)

	published := 0
	err := p.db.WithinTx(ctx, func(ctx context.Context, tx *database.Tx) error {
		entries, err := p.repo.FetchUnpublished(ctx, tx, p.batchSize)
		if err != nil {
			return err
		}

		for i := range entries {
			e := &entries[i]
			msg := Message{
				ID:          e.ID,
				RoutingKey:  e.RoutingKey(),
				AggregateID: e.AggregateID,
				Payload:     e.Payload,
			}
			if err := p.publisher.Publish(ctx, msg); err != nil {
				p.logger.Warn("outbox publish failed",
					"entry_id", e.ID, "routing_key", msg.RoutingKey, "error", err)
				continue
			}
			if err := p.repo.MarkPublished(ctx, tx, e.ID); err != nil {
				return err
			}
			published++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if published > 0 {
		p.logger.Debug("outbox batch published", "count", published)
	}
	return published, nil
}
