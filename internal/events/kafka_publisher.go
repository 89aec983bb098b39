package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/meepleai/meeple-backend/internal/models"
	"github.com/meepleai/meeple-backend/internal/rulebook/interfaces"
	"github.com/meepleai/meeple-backend/pkg/logger"

	"github.com/segmentio/kafka-go"
)

// PipelineEvent is the message published on every document status
// transition. The n8n workflow intake consumes these to drive user
// notifications and admin alerting.
type PipelineEvent struct {
	DocumentID string                 `json:"documentId"`
	GameID     string                 `json:"gameId"`
	Status     string                 `json:"status"`
	Error      string                 `json:"error,omitempty"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
	OccurredAt time.Time              `json:"occurredAt"`
}

// KafkaPublisher publishes pipeline events to the configured topic.
type KafkaPublisher struct {
	writer *kafka.Writer
	log    *logger.Logger
}

// NewKafkaPublisher creates a KafkaPublisher.
func NewKafkaPublisher(brokers []string, topic string, log *logger.Logger) *KafkaPublisher {
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	})
	return &KafkaPublisher{writer: writer, log: log}
}

// Publish sends one event keyed by document id, so all events for a
// document land on the same partition in order.
func (p *KafkaPublisher) Publish(ctx context.Context, key string, value interface{}) error {
	msgBytes, err := json.Marshal(value)
	if err != nil {
		p.log.WithError(models.ErrorInfo{Message: err.Error()}).Error("Failed to marshal pipeline event")
		return err
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: msgBytes,
	}); err != nil {
		p.log.WithError(models.ErrorInfo{Message: err.Error()}).WithPayload(map[string]interface{}{"topic": p.writer.Topic}).Error("Failed to write pipeline event to Kafka")
		return err
	}
	return nil
}

// Close closes the underlying Kafka writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

var _ interfaces.EventPublisher = (*KafkaPublisher)(nil)
