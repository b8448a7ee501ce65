package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/venuescout/accessguard/pkg/config"
)

// MessageWriter is the part of kafka.Writer the sink uses
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter builds a writer for the incident topic. Messages are
// keyed by identity so one identity's events stay ordered.
func NewKafkaWriter(cfg config.KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
	}
}

// KafkaSink publishes audit events to the incident pipeline
type KafkaSink struct {
	writer MessageWriter
	now    func() time.Time
}

// NewKafkaSink creates a sink over writer
func NewKafkaSink(writer MessageWriter) *KafkaSink {
	return &KafkaSink{writer: writer, now: time.Now}
}

type kafkaEnvelope struct {
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
}

// LogEvent writes one message
func (s *KafkaSink) LogEvent(ctx context.Context, name string, payload map[string]interface{}) error {
	ts := timestampOf(payload, s.now)
	value, err := json.Marshal(kafkaEnvelope{
		ID:        eventID(payload),
		Name:      name,
		Timestamp: ts,
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	key, _ := payload[KeyIdentity].(string)
	if key == "" {
		key, _ = payload[KeyOrigin].(string)
	}

	msg := kafka.Message{
		Key:     []byte(key),
		Value:   value,
		Time:    ts,
		Headers: []kafka.Header{{Key: "event", Value: []byte(name)}},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish audit event: %w", err)
	}
	return nil
}
