// Package kafka publishes entity change events with segmentio/kafka-go
package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/tracing"
)

// Producer handles Kafka event emission
type Producer struct {
	writer *kafka.Writer
	logger *zap.Logger
	topic  string
}

// ProducerConfig holds Kafka producer configuration
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks int
	Compression  string
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg ProducerConfig, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}

	compression := kafka.Snappy
	switch cfg.Compression {
	case "gzip":
		compression = kafka.Gzip
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	case "none":
		compression = 0
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:            compression,
		AllowAutoTopicCreation: true,
	}

	return &Producer{
		writer: writer,
		logger: logger.Named("kafka"),
		topic:  cfg.Topic,
	}
}

// Close flushes pending messages and closes the writer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// EntityEvent describes a committed change to a canonical entity
type EntityEvent struct {
	EventType     string          `json:"event_type"` // entity.created, entity.updated, entity.merged
	SchemaVersion string          `json:"schema_version"`
	EntityID      string          `json:"entity_id"`
	ExternalKey   string          `json:"external_key,omitempty"`
	MergedInto    string          `json:"merged_into,omitempty"`
	TxID          string          `json:"tx_id,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// PublishEntityEvents publishes multiple entity events in a batch
func (p *Producer) PublishEntityEvents(ctx context.Context, events []*EntityEvent) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.PublishEntityEvents")
	defer span.End()

	if len(events) == 0 {
		return nil
	}

	messages, err := p.messages(events)
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}

	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		tracing.RecordError(span, err)
		p.logger.Error("Failed to publish entity events batch",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
		return err
	}

	p.logger.Debug("Published entity events batch", zap.Int("batch_size", len(events)))
	return nil
}

// messages keys every event by entity id so one entity's changes stay ordered
func (p *Producer) messages(events []*EntityEvent) ([]kafka.Message, error) {
	messages := make([]kafka.Message, len(events))
	for i, event := range events {
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now().UTC()
		}

		data, err := json.Marshal(event)
		if err != nil {
			return nil, err
		}

		messages[i] = kafka.Message{
			Topic: p.topic,
			Key:   []byte(event.EntityID),
			Value: data,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(event.EventType)},
				{Key: "schema_version", Value: []byte(event.SchemaVersion)},
			},
		}
	}
	return messages, nil
}
