// Package mqtt provides the MQTT transport for SmartAccess Core.
//
// This package manages:
//   - Connection to the broker with auto-reconnect and a persistent session
//   - Publishing with QoS guarantees
//   - Auto-acknowledged subscriptions (Subscribe)
//   - Manually settled consumption with Ack/Nack (Consume)
//   - Last Will and Testament for offline detection
//
// # Acknowledgement model
//
// The client disables paho's automatic acknowledgement. Consume queues each
// message in arrival order and a single worker hands it to the handler as
// a *Delivery, one at a time. The handler decides its fate:
//
//	Ack()        processed or deliberately ignored
//	Nack(false)  dropped (malformed, poison)
//	Nack(true)   requeued: republished to the same topic, then acked
//
// With clean_session disabled and a broker inflight limit of one per
// client, a crashed consumer's unacknowledged message is redelivered when
// a member of the shared subscription group reconnects.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Consume(cfg.SubscriptionTopic(), 1, func(d *mqtt.Delivery) {
//	    if err := handle(d.Body()); err != nil {
//	        d.Nack(true)
//	        return
//	    }
//	    d.Ack()
//	})
package mqtt
