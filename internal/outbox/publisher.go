package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Message is an outbox entry ready for a transport.
type Message struct {
	ID          string
	RoutingKey  string
	AggregateID string
	Payload     []byte
}

// Publisher delivers outbox messages to the broker.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// MQTTClient is the subset of the MQTT client used for publishing.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// MQTTPublisher publishes each message to "<prefix>/<routing key>".
//
// MQTT 3.1.1 carries no headers; subscribers recover the routing key from
// the topic and the aggregate from the payload.
type MQTTPublisher struct {
	client MQTTClient
	prefix string
	qos    byte
}

// NewMQTTPublisher creates a publisher over an MQTT client.
func NewMQTTPublisher(client MQTTClient, prefix string, qos byte) *MQTTPublisher {
	return &MQTTPublisher{client: client, prefix: prefix, qos: qos}
}

// Topic returns the topic a routing key is published to.
func (p *MQTTPublisher) Topic(routingKey string) string {
	return p.prefix + "/" + routingKey
}

// Publish implements Publisher.
func (p *MQTTPublisher) Publish(_ context.Context, msg Message) error {
	return p.client.Publish(p.Topic(msg.RoutingKey), msg.Payload, p.qos, false)
}

// Kafka header names set on every outbox message.
const (
	HeaderRoutingKey  = "routing_key"
	HeaderMessageID   = "message_id"
	HeaderAggregateID = "aggregate_id"
)

// MessageWriter is the subset of *kafka.Writer used for publishing.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes outbox messages to one Kafka topic keyed by
// routing key, so entries of one kind stay ordered within a partition.
type KafkaPublisher struct {
	writer MessageWriter
}

// NewKafkaWriter builds a synchronous hash-balanced writer.
func NewKafkaWriter(brokers []string, topic string, batchTimeout time.Duration) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}
}

// NewKafkaPublisher creates a publisher over a Kafka writer.
func NewKafkaPublisher(writer MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.RoutingKey),
		Value: msg.Payload,
		Headers: []kafka.Header{
			{Key: HeaderRoutingKey, Value: []byte(msg.RoutingKey)},
			{Key: HeaderMessageID, Value: []byte(msg.ID)},
			{Key: HeaderAggregateID, Value: []byte(msg.AggregateID)},
		},
	})
	if err != nil {
		return fmt.Errorf("writing kafka message: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
