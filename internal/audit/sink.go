// Package audit delivers security events to durable sinks.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"credguard/internal/models"

	"go.uber.org/zap"
)

// Sink accepts one security event. Implementations must be safe for
// concurrent use.
type Sink interface {
	Publish(ctx context.Context, event *models.SecurityEvent) error
}

// messageProducer is the part of the Kafka producer the sink uses.
type messageProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaSink keys messages by credential id, falling back to identity, so
// one account's events stay ordered on one partition.
type KafkaSink struct {
	producer messageProducer
	topic    string
}

func NewKafkaSink(producer messageProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Publish(ctx context.Context, event *models.SecurityEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode security event: %w", err)
	}

	key := event.CredentialID
	if key == "" {
		key = event.Identity
	}

	return s.producer.ProduceMessage(ctx, s.topic, []byte(key), value, map[string]string{
		"event_type": string(event.EventType),
		"event_id":   event.EventID,
	})
}

// documentIndexer is the part of the Elasticsearch client the sink uses.
type documentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document any) error
}

// ElasticSink indexes events by event id, so a redelivered event
// overwrites rather than duplicates.
type ElasticSink struct {
	indexer documentIndexer
	index   string
}

func NewElasticSink(indexer documentIndexer, index string) *ElasticSink {
	return &ElasticSink{indexer: indexer, index: index}
}

func (s *ElasticSink) Publish(ctx context.Context, event *models.SecurityEvent) error {
	return s.indexer.IndexDocument(ctx, s.index, event.EventID, event)
}

// LogSink writes events to the service log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(_ context.Context, event *models.SecurityEvent) error {
	fields := []zap.Field{
		zap.String("event_id", event.EventID),
		zap.String("event_type", string(event.EventType)),
		zap.Time("event_time", event.EventTime),
	}
	if event.CredentialID != "" {
		fields = append(fields, zap.String("credential_id", event.CredentialID))
	}
	if event.IPAddress != "" {
		fields = append(fields, zap.String("ip", event.IPAddress))
	}
	for k, v := range event.Details {
		fields = append(fields, zap.String("detail_"+k, v))
	}
	s.logger.Info("Security event", fields...)
	return nil
}

// MultiSink publishes to every sink and joins their errors. One failing
// sink does not stop the others.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &MultiSink{sinks: out}
}

func (m *MultiSink) Len() int {
	return len(m.sinks)
}

func (m *MultiSink) Publish(ctx context.Context, event *models.SecurityEvent) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Publish(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", s, err))
		}
	}
	return errors.Join(errs...)
}
