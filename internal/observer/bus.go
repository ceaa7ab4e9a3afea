// Package observer is the in-process domain event bus used for side
// effects that must not block or fail event processing.
package observer

import (
	"context"
	"fmt"
	"sync"
)

// Logger is the logging interface used by the Bus.
type Logger interface {
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Error(string, ...any) {}

// Handler handles one event variant.
type Handler[E Event] func(ctx context.Context, e E) error

// Registration identifies a subscribed handler for Unsubscribe.
type Registration struct {
	kind Kind
	id   uint64
}

type subscriber struct {
	id uint64
	fn func(ctx context.Context, e Event) error
}

// Bus dispatches domain events to typed handlers.
//
// All methods are safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind][]subscriber
	nextID   uint64
	logger   Logger
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[Kind][]subscriber),
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger used for handler failures.
func (b *Bus) SetLogger(logger Logger) {
	b.mu.Lock()
	b.logger = logger
	b.mu.Unlock()
}

// Subscribe registers h for every event of type E.
func Subscribe[E Event](b *Bus, h Handler[E]) Registration {
	var zero E
	kind := zero.Kind()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[kind] = append(b.handlers[kind], subscriber{
		id: id,
		fn: func(ctx context.Context, e Event) error {
			typed, ok := e.(E)
			if !ok {
				return fmt.Errorf("observer: %T delivered to %s handler", e, kind)
			}
			return h(ctx, typed)
		},
	})
	return Registration{kind: kind, id: id}
}

// Unsubscribe removes a handler. It reports whether it was registered.
func (b *Bus) Unsubscribe(reg Registration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[reg.kind]
	for i, s := range subs {
		if s.id != reg.id {
			continue
		}
		kept := make([]subscriber, 0, len(subs)-1)
		kept = append(kept, subs[:i]...)
		kept = append(kept, subs[i+1:]...)
		if len(kept) == 0 {
			delete(b.handlers, reg.kind)
		} else {
			b.handlers[reg.kind] = kept
		}
		return true
	}
	return false
}

// Registrations returns the number of handlers per kind.
func (b *Bus) Registrations() map[Kind]int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	counts := make(map[Kind]int, len(b.handlers))
	for kind, subs := range b.handlers {
		counts[kind] = len(subs)
	}
	return counts
}

// Emit runs every handler for e concurrently and waits for all of them.
// Handler errors and panics are logged; they never reach the caller or
// stop the other handlers.
func (b *Bus) Emit(ctx context.Context, e Event) {
	b.mu.RLock()
	subs := b.handlers[e.Kind()]
	logger := b.logger
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(s subscriber) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("observer handler panicked", "kind", e.Kind(), "panic", r)
				}
			}()
			if err := s.fn(ctx, e); err != nil {
				logger.Error("observer handler failed", "kind", e.Kind(), "error", err)
			}
		}(s)
	}
	wg.Wait()
}
