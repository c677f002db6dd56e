package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the gateway needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig holds producer settings for the Kafka gateway.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" json:"brokers"`
	Topic   string   `yaml:"topic" json:"topic"`
}

// NewKafkaWriter creates a synchronous writer so Send only returns after
// the broker acknowledged the event.
func NewKafkaWriter(cfg KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// EmailEvent is the payload published for an external mailer to deliver.
type EmailEvent struct {
	DeliveryID string `json:"delivery_id"`
	To         string `json:"to"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
}

// KafkaGateway publishes each message as an EmailEvent keyed by recipient,
// so all mail for one patient lands on one partition in order.
type KafkaGateway struct {
	writer MessageWriter
}

// NewKafkaGateway wraps a writer. The gateway owns it from here on.
func NewKafkaGateway(writer MessageWriter) *KafkaGateway {
	return &KafkaGateway{writer: writer}
}

func (g *KafkaGateway) Send(ctx context.Context, msg Message) (string, error) {
	event := EmailEvent{
		DeliveryID: uuid.Must(uuid.NewV7()).String(),
		To:         msg.To,
		Subject:    msg.Subject,
		Body:       msg.Body,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal email event: %w", err)
	}

	err = g.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.To),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "delivery_id", Value: []byte(event.DeliveryID)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("kafka publish: %w", err)
	}
	return event.DeliveryID, nil
}

// Close closes the underlying writer.
func (g *KafkaGateway) Close() error {
	return g.writer.Close()
}
