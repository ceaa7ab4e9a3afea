package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/smartaccess-core/internal/infrastructure/database"
)

// ExhaustedReason is the dead-letter reason recorded once retries run out.
const ExhaustedReason = "max retries exceeded"

const (
	defaultSchedulerInterval = 10 * time.Second
	defaultSchedulerBatch    = 20
)

// Reprocessor re-runs processing for a stored event in its own transaction.
// It returns an error wrapping ErrSkipped when the event is no longer
// eligible (already processed or claimed elsewhere).
type Reprocessor interface {
	Reprocess(ctx context.Context, eventID string) error
}

// DeadLetterer moves an event to permanent failure inside a transaction.
type DeadLetterer interface {
	MoveToDeadLetter(ctx context.Context, q database.Querier, eventID, reason string) error
}

// ErrSkipped is wrapped by Reprocessor errors that are not failures.
var ErrSkipped = errors.New("retry: event not eligible")

// Logger is the logging interface used by the Scheduler.
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

// SchedulerConfig holds configuration for the Scheduler.
type SchedulerConfig struct {
	// Interval between polls. Default: 10 seconds.
	Interval time.Duration

	// BatchSize is the most events re-driven per poll. Default: 20.
	BatchSize int
}

// Scheduler periodically re-drives events whose retry is due.
//
// A failed re-drive records the next retry; once the service reports the
// event exhausted it is dead-lettered with ExhaustedReason.
type Scheduler struct {
	db          database.Transactor
	records     *SQLRepository
	service     *Service
	reprocessor Reprocessor
	deadLetters DeadLetterer
	interval    time.Duration
	batchSize   int
	now         func() time.Time
	logger      Logger

	// onDeadLettered runs after the dead-letter move has committed.
	onDeadLettered func(ctx context.Context, eventID, reason string)

	running  atomic.Bool
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewScheduler creates a retry scheduler. Call Start to begin polling.
func NewScheduler(db database.Transactor, service *Service, reprocessor Reprocessor, deadLetters DeadLetterer, cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSchedulerInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultSchedulerBatch
	}
	return &Scheduler{
		db:          db,
		records:     service.records,
		service:     service,
		reprocessor: reprocessor,
		deadLetters: deadLetters,
		interval:    cfg.Interval,
		batchSize:   cfg.BatchSize,
		now:         time.Now,
		logger:      noopLogger{},
		done:        make(chan struct{}),
	}
}

// SetLogger sets the logger for the scheduler.
func (s *Scheduler) SetLogger(logger Logger) {
	s.logger = logger
}

// SetOnDeadLettered registers a callback invoked after an exhausted
// event's dead-letter move commits.
func (s *Scheduler) SetOnDeadLettered(fn func(ctx context.Context, eventID, reason string)) {
	s.onDeadLettered = fn
}

// Start begins polling until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop halts polling and waits for an in-progress poll to finish.
// Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("retry poll failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single poll and returns how many events were
// re-driven successfully. Overlapping calls return immediately.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	if !s.running.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer s.running.Store(false)

	var due []Due
	err := s.db.WithinTx(ctx, func(ctx context.Context, tx *database.Tx) error {
		var err error
		due, err = s.records.Due(ctx, tx, s.now(), s.batchSize)
		return err
	})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, d := range due {
		if ctx.Err() != nil {
			return recovered, ctx.Err()
		}

		err := s.reprocessor.Reprocess(ctx, d.EventID)
		switch {
		case err == nil:
			recovered++
			s.logger.Info("retried event processed", "event_id", d.EventID, "attempt", d.RetryCount)
		case errors.Is(err, ErrSkipped):
			s.logger.Debug("retry skipped", "event_id", d.EventID, "reason", err)
		default:
			deadLettered, ferr := s.fail(ctx, d, err)
			if ferr != nil {
				s.logger.Error("recording retry failure", "event_id", d.EventID, "error", ferr)
				continue
			}
			if deadLettered && s.onDeadLettered != nil {
				s.onDeadLettered(ctx, d.EventID, ExhaustedReason)
			}
		}
	}
	return recovered, nil
}

// fail schedules the next retry, or dead-letters the event once exhausted.
func (s *Scheduler) fail(ctx context.Context, d Due, cause error) (bool, error) {
	deadLettered := false
	err := s.db.WithinTx(ctx, func(ctx context.Context, tx *database.Tx) error {
		res, err := s.service.RecordRetry(ctx, tx, d.EventID, d.RetryCount, cause)
		if err != nil {
			return err
		}
		if !res.Exhausted {
			s.logger.Warn("event retry scheduled",
				"event_id", d.EventID, "attempt", res.Attempt, "next_retry_at", res.NextRetryAt, "error", cause)
			return nil
		}

		s.logger.Warn("event retries exhausted",
			"event_id", d.EventID, "max_retries", s.service.MaxRetries(), "error", cause)
		if err := s.deadLetters.MoveToDeadLetter(ctx, tx, d.EventID, ExhaustedReason); err != nil {
			return fmt.Errorf("dead-lettering exhausted event: %w", err)
		}
		deadLettered = true
		return nil
	})
	return deadLettered && err == nil, err
}
