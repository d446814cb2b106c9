package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// DeadLetterPublisher parks unprocessable events for manual review.
// Ambiguous correlations are never guessed; they land here instead.
type DeadLetterPublisher struct {
	writer *kafka.Writer
}

// NewDeadLetterPublisher constructs a publisher for the dead-letter topic.
func NewDeadLetterPublisher(k *Kafka, topic string) *DeadLetterPublisher {
	return &DeadLetterPublisher{writer: k.NewWriter(topic)}
}

// Publish records the failed event with its reason.
func (p *DeadLetterPublisher) Publish(ctx context.Context, msg DeadLetterMessage) error {
	if msg.OccurredAt.IsZero() {
		msg.OccurredAt = time.Now().UTC()
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("dead letter: marshal message: %w", err)
	}
	record := kafka.Message{
		Key:   []byte(msg.Reason),
		Value: value,
		Time:  msg.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("dead letter: write message: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *DeadLetterPublisher) Close() error {
	return p.writer.Close()
}
