package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// DispatchPublisher publishes send instructions to the dispatch topic.
type DispatchPublisher struct {
	writer *kafka.Writer
}

// NewDispatchPublisher constructs a publisher for the given topic.
func NewDispatchPublisher(k *Kafka, topic string) *DispatchPublisher {
	return &DispatchPublisher{writer: k.NewWriter(topic)}
}

// Publish writes the dispatch message, keyed by contact so that retries of
// the same contact stay ordered within a partition.
func (p *DispatchPublisher) Publish(ctx context.Context, msg DispatchMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("dispatch publisher: marshal message: %w", err)
	}

	record := kafka.Message{
		Key:   msg.ContactID[:],
		Value: value,
		Time:  time.Now().UTC(),
	}

	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("dispatch publisher: write message: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (p *DispatchPublisher) Close() error {
	return p.writer.Close()
}
