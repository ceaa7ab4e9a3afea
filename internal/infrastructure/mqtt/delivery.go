package mqtt

import (
	"fmt"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Delivery is one received message awaiting settlement.
//
// Exactly one of Ack or Nack takes effect. MQTT has no broker-side
// negative acknowledgement, so Nack(true) republishes the body to the
// original topic before acknowledging; if that republish fails the
// message is left unacknowledged and the broker redelivers it on the
// next session.
type Delivery struct {
	msg       pahomqtt.Message
	republish func(topic string, payload []byte, qos byte) error
	settled   atomic.Bool
	attempted atomic.Bool
}

func newDelivery(msg pahomqtt.Message, republish func(string, []byte, byte) error) *Delivery {
	return &Delivery{msg: msg, republish: republish}
}

// Topic returns the topic the message arrived on.
func (d *Delivery) Topic() string { return d.msg.Topic() }

// Body returns the raw payload.
func (d *Delivery) Body() []byte { return d.msg.Payload() }

// Redelivered reports whether the broker flagged the message as a resend.
func (d *Delivery) Redelivered() bool { return d.msg.Duplicate() }

// Settled reports whether Ack or Nack has already taken effect.
func (d *Delivery) Settled() bool { return d.settled.Load() }

// Ack acknowledges the message to the broker.
func (d *Delivery) Ack() error {
	d.attempted.Store(true)
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	d.msg.Ack()
	return nil
}

// Nack rejects the message. With requeue the body is published again on
// the same topic so another consumer (or this one) picks it up later.
func (d *Delivery) Nack(requeue bool) error {
	d.attempted.Store(true)
	if d.settled.Load() {
		return ErrAlreadySettled
	}
	if requeue {
		if err := d.republish(d.msg.Topic(), d.msg.Payload(), d.msg.Qos()); err != nil {
			return fmt.Errorf("%w: %w", ErrRequeueFailed, err)
		}
	}
	return d.Ack()
}
