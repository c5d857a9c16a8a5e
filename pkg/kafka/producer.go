// Package kafka publishes viewer analytics events to Kafka via
// segmentio/kafka-go. The engine only ever produces; downstream analytics
// consume the topic out-of-band.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/caselens/viewercore/pkg/config"
)

// Event is one analytics record. Key hashes to a partition, so events keyed
// by viewer session stay ordered per session. Value is JSON-serialised.
type Event struct {
	Key   string
	Value any
}

// Producer writes batched events to the configured events topic.
type Producer struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.EventsTopic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  3,
		RequiredAcks: kafka.RequireOne,
	}
	return &Producer{
		writer: w,
		logger: slog.Default().With("component", "kafka-producer", "topic", cfg.EventsTopic),
	}
}

// PublishBatch writes events in a single broker round trip. An event whose
// value fails to marshal is dropped with a warning rather than sinking the
// whole batch; analytics delivery is best-effort.
func (p *Producer) PublishBatch(ctx context.Context, events []Event) error {
	messages := make([]kafka.Message, 0, len(events))
	for _, event := range events {
		value, err := json.Marshal(event.Value)
		if err != nil {
			p.logger.Warn("dropping unmarshalable event", "key", event.Key, "error", err)
			continue
		}
		messages = append(messages, kafka.Message{Key: []byte(event.Key), Value: value})
	}
	if len(messages) == 0 {
		return nil
	}

	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		p.logger.Error("failed to publish batch", "count", len(messages), "error", err)
		return fmt.Errorf("publishing batch to kafka: %w", err)
	}
	p.logger.Debug("batch published", "count", len(messages))
	return nil
}

// Close flushes pending writes and closes the underlying writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
