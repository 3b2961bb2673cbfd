package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
)

const kafkaMaxRetryInterval = 2 * time.Second

// KafkaBus publishes events to a single topic with the event type as the
// message key. Writes require acknowledgement from all in-sync replicas,
// so a nil return means the broker confirmed the message.
type KafkaBus struct {
	writer *kafka.Writer
}

func NewKafkaBus(brokers []string, topic string) *KafkaBus {
	return &KafkaBus{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Publish serializes the payload and writes it synchronously. Transient
// transport errors are retried with exponential backoff until the context
// deadline; the caller's outbox retry handles anything beyond that.
func (b *KafkaBus) Publish(ctx context.Context, eventType string, payload any) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("serialize %s: %w", eventType, err)
	}

	msg := kafka.Message{
		Key:   []byte(eventType),
		Value: value,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
		},
	}

	retry := backoff.NewExponentialBackOff()
	retry.MaxInterval = kafkaMaxRetryInterval

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, b.writer.WriteMessages(ctx, msg)
	}, backoff.WithBackOff(retry))
	if err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	return nil
}

func (b *KafkaBus) Close() error {
	return b.writer.Close()
}
