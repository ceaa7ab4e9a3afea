package mqtt

import (
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Subscribe registers a handler for messages on the specified topic.
//
// Topics can include MQTT wildcards (+ and #) and shared-subscription
// prefixes ($share/group/...). Each message is acknowledged once the
// handler returns. Subscriptions are restored after a reconnect.
//
// Example:
//
//	err := client.Subscribe(mqtt.Topics{}.AllDomainEvents("smartaccess.domain"), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("%s: %s", topic, payload)
//	        return nil
//	    })
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	return c.subscribe(topic, qos, c.wrapHandler(handler), nil)
}

// Consume registers a handler that settles each delivery itself.
//
// Messages are queued in arrival order and a single worker goroutine hands
// them to the handler one at a time. The worker stops on Unsubscribe or
// Close.
func (c *Client) Consume(topic string, qos byte, handler DeliveryHandler) error {
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}

	q := newDeliveryQueue()
	go c.runDeliveries(q, handler)

	if err := c.subscribe(topic, qos, c.enqueueDelivery(q), q); err != nil {
		q.close()
		return err
	}
	return nil
}

func (c *Client) subscribe(topic string, qos byte, handler pahomqtt.MessageHandler, q *deliveryQueue) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subMu.Lock()
	if prev, ok := c.subscriptions[topic]; ok && prev.queue != nil {
		prev.queue.close()
	}
	c.subscriptions[topic] = subscription{topic: topic, qos: qos, handler: handler, queue: q}
	c.subMu.Unlock()

	token := c.client.Subscribe(topic, qos, handler)
	if !token.WaitTimeout(defaultPublishTimeout) {
		c.forget(topic)
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		c.forget(topic)
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

func (c *Client) forget(topic string) {
	c.subMu.Lock()
	if sub, ok := c.subscriptions[topic]; ok && sub.queue != nil {
		sub.queue.close()
	}
	delete(c.subscriptions, topic)
	c.subMu.Unlock()
}

// Unsubscribe removes a subscription and stops receiving messages for a
// topic. Messages already in flight may still be delivered.
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.forget(topic)

	token := c.client.Unsubscribe(topic)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrUnsubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsubscribeFailed, err)
	}
	return nil
}
