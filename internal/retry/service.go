package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/smartaccess-core/internal/event"
	"github.com/nerrad567/smartaccess-core/internal/infrastructure/database"
)

// DefaultMaxRetries bounds how many times one event is retried before it
// is dead-lettered.
const DefaultMaxRetries = 5

// Result describes the outcome of RecordRetry.
type Result struct {
	// Exhausted is true when the next attempt would exceed the maximum;
	// nothing was written and the caller should dead-letter the event.
	Exhausted bool

	Attempt     int
	NextRetryAt time.Time
}

// Service schedules retries for events that failed processing.
type Service struct {
	records    *SQLRepository
	events     *event.SQLRepository
	strategy   Strategy
	maxRetries int
	now        func() time.Time
}

// NewService creates a retry service. A non-positive maxRetries uses
// DefaultMaxRetries.
func NewService(records *SQLRepository, events *event.SQLRepository, strategy Strategy, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Service{
		records:    records,
		events:     events,
		strategy:   strategy,
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

// MaxRetries returns the configured attempt bound.
func (s *Service) MaxRetries() int {
	return s.maxRetries
}

// CanRetry reports whether an event with currentCount retries may be
// retried again.
func (s *Service) CanRetry(currentCount int) bool {
	return currentCount+1 <= s.maxRetries
}

// RecordRetry schedules the next attempt for eventID inside the caller's
// transaction. It appends a retry record due at now + strategy delay,
// increments the event's retry count and sets it RETRY_PENDING.
//
// The failure itself is always appended to the processing log. When the
// next attempt would exceed the maximum it returns Result{Exhausted: true}
// and schedules nothing.
func (s *Service) RecordRetry(ctx context.Context, q database.Querier, eventID string, currentCount int, cause error) (Result, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := s.events.AppendLog(ctx, q, eventID, event.StageFailed, msg); err != nil {
		return Result{}, err
	}

	if !s.CanRetry(currentCount) {
		return Result{Exhausted: true, Attempt: currentCount}, nil
	}

	attempt := currentCount + 1
	now := s.now().UTC()
	next := now.Add(s.strategy.Delay(attempt))

	if err := s.records.Create(ctx, q, &Record{
		EventID:      eventID,
		RetryAttempt: attempt,
		NextRetryAt:  next,
		ErrorMessage: msg,
		CreatedAt:    now,
	}); err != nil {
		return Result{}, err
	}
	if _, err := s.events.MarkRetryPending(ctx, q, eventID, msg); err != nil {
		return Result{}, fmt.Errorf("marking event retry pending: %w", err)
	}
	logMsg := fmt.Sprintf("attempt %d/%d at %s", attempt, s.maxRetries, next.Format(time.RFC3339))
	if err := s.events.AppendLog(ctx, q, eventID, event.StageRetryScheduled, logMsg); err != nil {
		return Result{}, err
	}

	return Result{Attempt: attempt, NextRetryAt: next}, nil
}
