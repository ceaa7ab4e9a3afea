package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/smartaccess-core/internal/event"
	"github.com/nerrad567/smartaccess-core/internal/infrastructure/mqtt"
)

type fakeDelivery struct {
	body     []byte
	acked    bool
	nacked   bool
	requeued bool
	nackErr  error
}

func (d *fakeDelivery) Body() []byte { return d.body }

func (d *fakeDelivery) Ack() error {
	d.acked = true
	return nil
}

func (d *fakeDelivery) Nack(requeue bool) error {
	if d.nackErr != nil {
		return d.nackErr
	}
	d.nacked = true
	d.requeued = requeue
	return nil
}

type fakeProcessor struct {
	mu       sync.Mutex
	seen     map[string]bool
	received []event.IncomingEvent
	err      error
	panicMsg string
}

func (p *fakeProcessor) Process(_ context.Context, in event.IncomingEvent) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panicMsg != "" {
		panic(p.panicMsg)
	}
	if p.err != nil {
		return false, p.err
	}
	if p.seen == nil {
		p.seen = make(map[string]bool)
	}
	p.received = append(p.received, in)
	if p.seen[in.IdempotencyKey] {
		return false, nil
	}
	p.seen[in.IdempotencyKey] = true
	return true, nil
}

type fakeSource struct {
	topic     string
	handler   mqtt.DeliveryHandler
	unsubbed  []string
	published map[string][][]byte
	pubErr    error
}

func (s *fakeSource) Consume(topic string, _ byte, h mqtt.DeliveryHandler) error {
	s.topic, s.handler = topic, h
	return nil
}

func (s *fakeSource) Unsubscribe(topic string) error {
	s.unsubbed = append(s.unsubbed, topic)
	return nil
}

func (s *fakeSource) Publish(topic string, payload []byte, _ byte, _ bool) error {
	if s.pubErr != nil {
		return s.pubErr
	}
	if s.published == nil {
		s.published = make(map[string][][]byte)
	}
	s.published[topic] = append(s.published[topic], payload)
	return nil
}

const validBody = `{
	"eventUuid": "e-1",
	"idempotencyKey": "k-1",
	"deviceUuid": "d-1",
	"eventType": "DEVICE_CONNECTED",
	"payload": {"name": "Front door"},
	"timestamp": "2024-01-01T00:00:00Z"
}`

func newTestConsumer(p Processor, cfg Config) (*Consumer, *fakeSource) {
	src := &fakeSource{}
	return New(src, p, cfg), src
}

func TestHandleValidEventAcks(t *testing.T) {
	proc := &fakeProcessor{}
	c, _ := newTestConsumer(proc, Config{})
	d := &fakeDelivery{body: []byte(validBody)}

	outcome := c.Handle(context.Background(), d)

	assert.Equal(t, OutcomeAck, outcome)
	assert.True(t, d.acked)
	require.Len(t, proc.received, 1)
	assert.Equal(t, event.TypeDeviceConnected, proc.received[0].EventType)
	assert.Equal(t, "Front door", proc.received[0].Payload["name"])
}

func TestHandleDuplicateAcks(t *testing.T) {
	proc := &fakeProcessor{}
	c, _ := newTestConsumer(proc, Config{})

	first := &fakeDelivery{body: []byte(validBody)}
	second := &fakeDelivery{body: []byte(validBody)}
	c.Handle(context.Background(), first)
	outcome := c.Handle(context.Background(), second)

	assert.Equal(t, OutcomeAck, outcome)
	assert.True(t, second.acked)
	assert.Equal(t, Stats{Acked: 2}, c.Stats())
}

func TestHandleMalformedJSONDrops(t *testing.T) {
	proc := &fakeProcessor{}
	c, _ := newTestConsumer(proc, Config{})
	d := &fakeDelivery{body: []byte(`{not json`)}

	outcome := c.Handle(context.Background(), d)

	assert.Equal(t, OutcomeDrop, outcome)
	assert.True(t, d.nacked)
	assert.False(t, d.requeued)
	assert.Empty(t, proc.received)
}

func TestHandleInvalidEnvelopeDrops(t *testing.T) {
	tests := map[string]string{
		"array":        `[1,2,3]`,
		"missing key":  `{"eventUuid":"e","deviceUuid":"d","eventType":"TELEMETRY","payload":{}}`,
		"unknown type": `{"eventUuid":"e","idempotencyKey":"k","deviceUuid":"d","eventType":"NOPE","payload":{}}`,
		"bad payload":  `{"eventUuid":"e","idempotencyKey":"k","deviceUuid":"d","eventType":"TELEMETRY","payload":"x"}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			proc := &fakeProcessor{}
			c, _ := newTestConsumer(proc, Config{})
			d := &fakeDelivery{body: []byte(body)}

			assert.Equal(t, OutcomeDrop, c.Handle(context.Background(), d))
			assert.True(t, d.nacked)
			assert.False(t, d.requeued)
			assert.Empty(t, proc.received)
		})
	}
}

func TestHandleTransientErrorRequeues(t *testing.T) {
	proc := &fakeProcessor{err: errors.New("database is locked")}
	c, _ := newTestConsumer(proc, Config{})
	d := &fakeDelivery{body: []byte(validBody)}

	outcome := c.Handle(context.Background(), d)

	assert.Equal(t, OutcomeRequeue, outcome)
	assert.True(t, d.nacked)
	assert.True(t, d.requeued)
	assert.Equal(t, int64(1), c.Stats().Requeued)
}

func TestHandleValidationErrorFromProcessorDrops(t *testing.T) {
	proc := &fakeProcessor{err: &event.ValidationError{Reason: "payload"}}
	c, _ := newTestConsumer(proc, Config{})
	d := &fakeDelivery{body: []byte(validBody)}

	assert.Equal(t, OutcomeDrop, c.Handle(context.Background(), d))
	assert.False(t, d.requeued)
}

func TestHandlePanicDropsWithoutRequeue(t *testing.T) {
	proc := &fakeProcessor{panicMsg: "boom"}
	c, _ := newTestConsumer(proc, Config{})
	d := &fakeDelivery{body: []byte(validBody)}

	outcome := c.Handle(context.Background(), d)

	assert.Equal(t, OutcomeDrop, outcome)
	assert.True(t, d.nacked)
	assert.False(t, d.requeued)
	assert.False(t, d.acked)
}

func TestHandleRequeueFailureIsLoggedNotFatal(t *testing.T) {
	proc := &fakeProcessor{err: errors.New("timeout")}
	c, _ := newTestConsumer(proc, Config{})
	d := &fakeDelivery{body: []byte(validBody), nackErr: mqtt.ErrRequeueFailed}

	assert.Equal(t, OutcomeRequeue, c.Handle(context.Background(), d))
	assert.False(t, d.acked)
}

func TestDropRepublishesToRejectedTopic(t *testing.T) {
	c, src := newTestConsumer(&fakeProcessor{}, Config{RejectedTopic: "smartaccess.rejected"})
	d := &fakeDelivery{body: []byte(`nope`)}

	c.Handle(context.Background(), d)

	require.Len(t, src.published["smartaccess.rejected"], 1)
	assert.Equal(t, "nope", string(src.published["smartaccess.rejected"][0]))
	assert.True(t, d.nacked)
}

func TestDropStillSettlesWhenRejectPublishFails(t *testing.T) {
	c, src := newTestConsumer(&fakeProcessor{}, Config{RejectedTopic: "smartaccess.rejected"})
	src.pubErr = mqtt.ErrNotConnected
	d := &fakeDelivery{body: []byte(`nope`)}

	assert.Equal(t, OutcomeDrop, c.Handle(context.Background(), d))
	assert.True(t, d.nacked)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, OutcomeDrop, classify(&MalformedError{Err: errors.New("x")}))
	assert.Equal(t, OutcomeDrop, classify(fmt.Errorf("wrapped: %w", &event.ValidationError{Reason: "r"})))
	assert.Equal(t, OutcomeRequeue, classify(event.ErrDuplicateKey))
	assert.Equal(t, OutcomeRequeue, classify(context.Canceled))
}

func TestStartStop(t *testing.T) {
	c, src := newTestConsumer(&fakeProcessor{}, Config{Topic: "$share/core/smartaccess.events/#", QoS: 1})

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, "$share/core/smartaccess.events/#", src.topic)
	require.NotNil(t, src.handler)

	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())
	assert.Equal(t, []string{"$share/core/smartaccess.events/#"}, src.unsubbed)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "ack", OutcomeAck.String())
	assert.Equal(t, "drop", OutcomeDrop.String())
	assert.Equal(t, "requeue", OutcomeRequeue.String())
	assert.Equal(t, "outcome(9)", Outcome(9).String())
}
