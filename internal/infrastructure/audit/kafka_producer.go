// Package audit delivers policy audit events to Kafka, a SQL database or the
// log stream.
package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/turtacn/arena-realtime/internal/config"
	"github.com/turtacn/arena-realtime/internal/domain/models"
	"github.com/turtacn/arena-realtime/pkg/logger"
)

// signatureHeader carries the HMAC of the message value when signing is on.
const signatureHeader = "x-audit-signature"

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes audit events as JSON to a Kafka topic, keyed by
// remote IP so one client's events stay ordered within a partition.
type KafkaSink struct {
	writer     messageWriter
	signingKey string
	logger     logger.Logger
}

// NewKafkaSink creates a KafkaSink.
//
// Parameters:
//   - cfg: Kafka brokers, topic and batching
//   - signingKey: HMAC key added as a message header, empty to skip signing
//   - log: Logger instance
//
// Returns:
//   - *KafkaSink: Sink publishing one message per event
func NewKafkaSink(cfg config.KafkaConfig, signingKey string, log logger.Logger) *KafkaSink {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: cfg.WriteTimeout,
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	return newKafkaSink(writer, signingKey, log)
}

func newKafkaSink(w messageWriter, signingKey string, log logger.Logger) *KafkaSink {
	return &KafkaSink{
		writer:     w,
		signingKey: signingKey,
		logger:     log.WithComponent("audit_kafka"),
	}
}

// Record writes one event to the topic.
func (s *KafkaSink) Record(ctx context.Context, event *models.AuditEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.RemoteIP),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}
	if s.signingKey != "" {
		msg.Headers = append(msg.Headers, kafka.Header{
			Key:   signatureHeader,
			Value: []byte(Sign(value, s.signingKey)),
		})
	}

	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.logger.Error(ctx, "Failed to write audit event to Kafka", err,
			logger.String("event_id", event.EventID))
		return err
	}
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
