package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/venuescout/accessguard/pkg/access"
	"github.com/venuescout/accessguard/pkg/config"
	"github.com/venuescout/accessguard/pkg/database"
	"github.com/venuescout/accessguard/pkg/logger"
)

// Backend names accepted in audit.backend
const (
	BackendNone     = "none"
	BackendLog      = "log"
	BackendPostgres = "postgres"
	BackendKafka    = "kafka"
)

// Payload keys set by the forwarder on every event
const (
	KeyEventID   = "event_id"
	KeyIdentity  = "identity"
	KeyOrigin    = "origin"
	KeyTimestamp = "timestamp"
)

// LogSink writes audit events through the structured logger
type LogSink struct {
	logger *logger.Logger
}

// NewLogSink creates a sink backed by log
func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{logger: log}
}

// LogEvent emits one audit line. Denials and blocks are logged at warn.
func (s *LogSink) LogEvent(_ context.Context, name string, payload map[string]interface{}) error {
	identity, _ := payload[KeyIdentity].(string)
	origin, _ := payload[KeyOrigin].(string)
	s.logger.Audit(identity, name, origin, succeeded(payload), payload)
	return nil
}

func succeeded(payload map[string]interface{}) bool {
	result, ok := payload["result"].(string)
	return !ok || result != string(access.AttemptDenied)
}

// MultiSink fans an event out to several sinks and joins their errors
type MultiSink []access.AuditSink

// LogEvent calls every sink even when an earlier one fails
func (m MultiSink) LogEvent(ctx context.Context, name string, payload map[string]interface{}) error {
	var errs []error
	for _, sink := range m {
		if err := sink.LogEvent(ctx, name, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MeteredSink reports the outcome of every write to Record
type MeteredSink struct {
	Next   access.AuditSink
	Record func(name string, ok bool)
}

// LogEvent writes to Next and reports the result
func (m MeteredSink) LogEvent(ctx context.Context, name string, payload map[string]interface{}) error {
	err := m.Next.LogEvent(ctx, name, payload)
	if m.Record != nil {
		m.Record(name, err == nil)
	}
	return err
}

type nopSink struct{}

func (nopSink) LogEvent(context.Context, string, map[string]interface{}) error { return nil }

type closers []io.Closer

func (c closers) Close() error {
	var errs []error
	for _, closer := range c {
		errs = append(errs, closer.Close())
	}
	return errors.Join(errs...)
}

// Open builds the configured sink. Remote sinks are wrapped in a
// ResilientSink and always mirrored to the log sink. The closer releases
// any connections.
func Open(ctx context.Context, cfg *config.Config, log *logger.Logger) (access.AuditSink, io.Closer, error) {
	logSink := NewLogSink(log)
	breaker := func(name string, sink access.AuditSink) access.AuditSink {
		return NewResilientSink(name, sink, cfg.Audit.Timeout, cfg.Audit.Breaker, log.Logger)
	}

	switch cfg.Audit.Backend {
	case BackendNone:
		return nopSink{}, closers{}, nil
	case "", BackendLog:
		return logSink, closers{}, nil
	case BackendPostgres:
		db, err := database.NewConnection(ctx, cfg.Database, log.Logger)
		if err != nil {
			return nil, nil, err
		}
		if err := db.CreateSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return MultiSink{logSink, breaker("audit-postgres", NewPostgresSink(db))}, closers{db}, nil
	case BackendKafka:
		if len(cfg.Kafka.Brokers) == 0 {
			return nil, nil, fmt.Errorf("kafka audit backend requires brokers")
		}
		writer := NewKafkaWriter(cfg.Kafka)
		return MultiSink{logSink, breaker("audit-kafka", NewKafkaSink(writer))}, closers{writer}, nil
	default:
		return nil, nil, fmt.Errorf("unknown audit backend %q", cfg.Audit.Backend)
	}
}

func timestampOf(payload map[string]interface{}, now func() time.Time) time.Time {
	switch ts := payload[KeyTimestamp].(type) {
	case time.Time:
		return ts.UTC()
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			return parsed.UTC()
		}
	}
	return now().UTC()
}

func eventID(payload map[string]interface{}) string {
	id, _ := payload[KeyEventID].(string)
	return id
}
