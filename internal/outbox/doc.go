// Package outbox implements the transactional outbox.
//
// Services append an Entry in the same transaction as the state change it
// describes. The Processor later publishes pending entries to the broker
// under the routing key "<aggregateType>.<eventType>" (lower-cased) and
// marks them published, so a broker outage delays domain events but never
// loses them.
//
// Two transports are provided: MQTTPublisher, which maps the routing key
// onto a topic below a prefix, and KafkaPublisher, which uses it as the
// message key and repeats it in a header.
package outbox
