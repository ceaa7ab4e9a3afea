package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/smartaccess-core/internal/event"
	"github.com/nerrad567/smartaccess-core/internal/infrastructure/mqtt"
)

// Outcome is how a delivery was settled.
type Outcome int

const (
	// OutcomeAck means the message was processed (or was a duplicate).
	OutcomeAck Outcome = iota
	// OutcomeDrop means the message can never succeed and was discarded.
	OutcomeDrop
	// OutcomeRequeue means processing failed transiently and the message
	// goes back to the queue.
	OutcomeRequeue
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeDrop:
		return "drop"
	case OutcomeRequeue:
		return "requeue"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Delivery is a received message awaiting settlement.
// *mqtt.Delivery satisfies it.
type Delivery interface {
	Body() []byte
	Ack() error
	Nack(requeue bool) error
}

// Processor applies a parsed event. processing.Processor satisfies it.
type Processor interface {
	Process(ctx context.Context, in event.IncomingEvent) (bool, error)
}

// Source is the broker connection the consumer reads from and, for
// rejected messages, writes to. *mqtt.Client satisfies it.
type Source interface {
	Consume(topic string, qos byte, handler mqtt.DeliveryHandler) error
	Unsubscribe(topic string) error
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Logger is the logging interface used by the consumer.
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

// Config holds consumer settings.
type Config struct {
	// Topic is the subscription filter, normally a shared subscription.
	Topic string
	QoS   byte

	// RejectedTopic, when set, receives the raw body of dropped messages.
	RejectedTopic string
}

// Stats counts settled deliveries since start.
type Stats struct {
	Acked    int64
	Dropped  int64
	Requeued int64
}

// Consumer reads wire events from the broker, hands them to the
// processor and settles each delivery according to the result:
//
//	not JSON, or invalid envelope  -> drop
//	processed or duplicate         -> ack
//	any other error                -> requeue
//	panic                          -> drop
type Consumer struct {
	source    Source
	processor Processor
	cfg       Config
	logger    Logger
	now       func() time.Time

	acked    atomic.Int64
	dropped  atomic.Int64
	requeued atomic.Int64

	mu      sync.Mutex
	running bool
}

// New creates a consumer. Call Start to begin receiving.
func New(source Source, processor Processor, cfg Config) *Consumer {
	return &Consumer{
		source:    source,
		processor: processor,
		cfg:       cfg,
		logger:    noopLogger{},
		now:       time.Now,
	}
}

// SetLogger sets the logger for the consumer.
func (c *Consumer) SetLogger(logger Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Start subscribes to the configured topic. Handlers run with ctx, so
// cancelling it makes in-flight processing fail and requeue.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	err := c.source.Consume(c.cfg.Topic, c.cfg.QoS, func(d *mqtt.Delivery) {
		c.Handle(ctx, d)
	})
	if err != nil {
		return fmt.Errorf("consuming %s: %w", c.cfg.Topic, err)
	}
	c.running = true
	c.logger.Info("consumer started", "topic", c.cfg.Topic, "qos", c.cfg.QoS)
	return nil
}

// Stop unsubscribes. Messages already handed over still settle normally.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	c.running = false

	if err := c.source.Unsubscribe(c.cfg.Topic); err != nil {
		return fmt.Errorf("unsubscribing %s: %w", c.cfg.Topic, err)
	}
	s := c.Stats()
	c.logger.Info("consumer stopped", "acked", s.Acked, "dropped", s.Dropped, "requeued", s.Requeued)
	return nil
}

// Stats returns delivery counters.
func (c *Consumer) Stats() Stats {
	return Stats{
		Acked:    c.acked.Load(),
		Dropped:  c.dropped.Load(),
		Requeued: c.requeued.Load(),
	}
}

// Handle processes and settles one delivery.
func (c *Consumer) Handle(ctx context.Context, d Delivery) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = OutcomeDrop
			c.settle(d, outcome, fmt.Errorf("panic: %v", r))
		}
	}()

	outcome, err := c.handle(ctx, d.Body())
	c.settle(d, outcome, err)
	return outcome
}

func (c *Consumer) handle(ctx context.Context, body []byte) (Outcome, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return OutcomeDrop, &MalformedError{Err: err}
	}

	in, err := event.ParseEnvelope(raw, c.now())
	if err != nil {
		return classify(err), err
	}

	processed, err := c.processor.Process(ctx, in)
	if err != nil {
		return classify(err), fmt.Errorf("processing %s: %w", in.IdempotencyKey, err)
	}
	if !processed {
		c.logger.Debug("duplicate event acknowledged", "idempotency_key", in.IdempotencyKey)
	}
	return OutcomeAck, nil
}

// classify maps a failure to drop for errors that can never succeed and
// requeue for everything else.
func classify(err error) Outcome {
	var malformed *MalformedError
	var invalid *event.ValidationError
	if errors.As(err, &malformed) || errors.As(err, &invalid) {
		return OutcomeDrop
	}
	return OutcomeRequeue
}

func (c *Consumer) settle(d Delivery, outcome Outcome, cause error) {
	switch outcome {
	case OutcomeAck:
		c.acked.Add(1)
		if err := d.Ack(); err != nil {
			c.logger.Error("ack failed", "error", err)
		}

	case OutcomeDrop:
		c.dropped.Add(1)
		c.logger.Warn("dropping message", "error", cause)
		c.reject(d.Body())
		if err := d.Nack(false); err != nil && !errors.Is(err, mqtt.ErrAlreadySettled) {
			c.logger.Error("drop failed", "error", err)
		}

	case OutcomeRequeue:
		c.requeued.Add(1)
		c.logger.Warn("requeueing message", "error", cause)
		if err := d.Nack(true); err != nil {
			c.logger.Error("requeue failed, leaving message unacknowledged", "error", err)
		}
	}
}

// reject copies a dropped body to the rejected topic. Best effort.
func (c *Consumer) reject(body []byte) {
	if c.cfg.RejectedTopic == "" {
		return
	}
	if err := c.source.Publish(c.cfg.RejectedTopic, body, c.cfg.QoS, false); err != nil {
		c.logger.Warn("publishing rejected message failed", "topic", c.cfg.RejectedTopic, "error", err)
	}
}
