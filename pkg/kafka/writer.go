package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/datapipe/datapipe/pkg/config"
)

// Event is the unit of data published to a topic. Key drives partition
// hashing; Value is JSON-serialised.
type Event struct {
	Key     string
	Value   any
	Headers map[string]string
}

// Writer publishes JSON-encoded events to one topic with acks from all
// replicas. It serves both the producer service and the dead-letter router.
type Writer struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewWriter creates a Writer for the given topic.
func NewWriter(cfg config.KafkaConfig, topic string) *Writer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}
	return &Writer{
		writer: w,
		logger: slog.Default().With("component", "kafka-writer", "topic", topic),
	}
}

// Publish serialises one event and writes it synchronously, blocking until
// the broker acknowledges it.
func (w *Writer) Publish(ctx context.Context, event Event) error {
	msg, err := toMessage(event)
	if err != nil {
		return err
	}
	if err := w.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publishing to kafka: %w", err)
	}
	w.logger.Debug("message published", "key", event.Key, "value_size", len(msg.Value))
	return nil
}

// PublishBatch writes multiple events in a single write call.
func (w *Writer) PublishBatch(ctx context.Context, events []Event) error {
	messages := make([]kafka.Message, 0, len(events))
	for _, event := range events {
		msg, err := toMessage(event)
		if err != nil {
			return err
		}
		messages = append(messages, msg)
	}
	if err := w.writer.WriteMessages(ctx, messages...); err != nil {
		return fmt.Errorf("publishing batch to kafka: %w", err)
	}
	w.logger.Debug("batch published", "count", len(messages))
	return nil
}

// Close flushes pending writes and closes the underlying Kafka writer.
func (w *Writer) Close() error {
	return w.writer.Close()
}

func toMessage(event Event) (kafka.Message, error) {
	value, err := json.Marshal(event.Value)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshaling event value: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.Key),
		Value: value,
	}
	for k, v := range event.Headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return msg, nil
}
