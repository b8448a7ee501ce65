package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/venuescout/accessguard/internal/monitor"
	"github.com/venuescout/accessguard/pkg/config"
	"github.com/venuescout/accessguard/pkg/database"
	"github.com/venuescout/accessguard/pkg/logger"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

type recordingSink struct {
	mu     sync.Mutex
	events []string
	last   map[string]interface{}
	err    error
}

func (r *recordingSink) LogEvent(_ context.Context, name string, payload map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, name)
	r.last = payload
	return nil
}

func (r *recordingSink) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(logger.NewWithOutput("info", &buf))

	require.NoError(t, sink.LogEvent(context.Background(), "attempt.recorded", map[string]interface{}{
		KeyIdentity: "u1",
		KeyOrigin:   "10.0.0.1",
		"result":    "denied",
	}))

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, true, line["audit"])
	assert.Equal(t, "u1", line["identity"])
	assert.Equal(t, "attempt.recorded", line["action"])
	assert.Equal(t, "10.0.0.1", line["resource"])
	assert.Equal(t, "warning", line["level"])
}

func TestMultiSink_CallsEverySink(t *testing.T) {
	failing := &recordingSink{err: errors.New("down")}
	ok := &recordingSink{}

	err := MultiSink{failing, ok}.LogEvent(context.Background(), "identity.blocked", map[string]interface{}{})
	assert.ErrorContains(t, err, "down")
	assert.Equal(t, []string{"identity.blocked"}, ok.names())
}

func TestMeteredSink(t *testing.T) {
	inner := &recordingSink{err: errors.New("down")}
	results := map[string]bool{}
	sink := MeteredSink{Next: inner, Record: func(name string, ok bool) { results[name] = ok }}

	err := sink.LogEvent(context.Background(), "identity.blocked", map[string]interface{}{})
	require.Error(t, err)
	assert.Equal(t, map[string]bool{"identity.blocked": false}, results)

	inner.err = nil
	require.NoError(t, sink.LogEvent(context.Background(), "identity.blocked", map[string]interface{}{}))
	assert.True(t, results["identity.blocked"])
}

func TestPostgresSink_LogEvent(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	sink := NewPostgresSink(database.Wrap(sqlDB, quietLogger()))

	mock.ExpectExec("INSERT INTO access_audit_events").
		WithArgs("evt-1", "identity.blocked", "u1", nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = sink.LogEvent(context.Background(), "identity.blocked", map[string]interface{}{
		KeyEventID:  "evt-1",
		KeyIdentity: "u1",
		"reason":    "manual",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSink_LogEventError(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	sink := NewPostgresSink(database.Wrap(sqlDB, quietLogger()))

	mock.ExpectExec("INSERT INTO access_audit_events").WillReturnError(errors.New("connection reset"))

	err = sink.LogEvent(context.Background(), "origin.blocked", map[string]interface{}{KeyOrigin: "10.0.0.1"})
	assert.ErrorContains(t, err, "connection reset")
}

func TestPostgresSink_Events(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	sink := NewPostgresSink(database.Wrap(sqlDB, quietLogger()))

	occurred := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "event_name", "identity", "origin", "occurred_at", "payload"}).
		AddRow("evt-1", "identity.blocked", "u1", "", occurred, []byte(`{"reason":"manual"}`))

	mock.ExpectQuery(`AND event_name = \$1 AND identity = \$2 ORDER BY occurred_at DESC LIMIT \$3`).
		WithArgs("identity.blocked", "u1", 10).
		WillReturnRows(rows)

	records, err := sink.Events(context.Background(), Filter{Name: "identity.blocked", Identity: "u1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "evt-1", records[0].ID)
	assert.Equal(t, "manual", records[0].Payload["reason"])
	assert.True(t, occurred.Equal(records[0].OccurredAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

type fakeWriter struct {
	messages []kafka.Message
	err      error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func TestKafkaSink(t *testing.T) {
	writer := &fakeWriter{}
	sink := NewKafkaSink(writer)

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, sink.LogEvent(context.Background(), "activity.flagged", map[string]interface{}{
		KeyEventID:   "evt-9",
		KeyOrigin:    "203.0.113.7",
		KeyTimestamp: ts,
		"score":      11,
	}))

	require.Len(t, writer.messages, 1)
	msg := writer.messages[0]
	assert.Equal(t, "203.0.113.7", string(msg.Key), "origin keys the message when no identity is present")
	assert.Equal(t, ts, msg.Time)
	assert.Equal(t, "activity.flagged", string(msg.Headers[0].Value))

	var envelope kafkaEnvelope
	require.NoError(t, json.Unmarshal(msg.Value, &envelope))
	assert.Equal(t, "evt-9", envelope.ID)
	assert.Equal(t, "activity.flagged", envelope.Name)
	assert.EqualValues(t, 11, envelope.Payload["score"])

	writer.err = errors.New("leader not available")
	assert.Error(t, sink.LogEvent(context.Background(), "activity.flagged", map[string]interface{}{}))
}

func TestResilientSink_Opens(t *testing.T) {
	next := &recordingSink{err: errors.New("down")}
	sink := NewResilientSink("test", next, time.Second, config.BreakerConfig{MaxFailures: 2, OpenTimeout: time.Minute}, quietLogger())

	for i := 0; i < 2; i++ {
		assert.Error(t, sink.LogEvent(context.Background(), "x", nil))
	}
	assert.Equal(t, gobreaker.StateOpen, sink.State())
	assert.ErrorIs(t, sink.LogEvent(context.Background(), "x", nil), gobreaker.ErrOpenState)
}

func TestForwarder(t *testing.T) {
	bus := monitor.NewBus(16, quietLogger())
	defer bus.Close()

	sink := &recordingSink{}
	fwd := NewForwarder(sink, time.Second, quietLogger(), OnlyTypes(monitor.EventIdentityBlocked, monitor.EventOriginBlocked))
	fwd.Attach(bus, "audit")

	bus.Publish(monitor.Event{Type: monitor.EventAttemptRecorded, Identity: "u1"})
	bus.Publish(monitor.Event{
		Type:     monitor.EventIdentityBlocked,
		Identity: "u1",
		Origin:   "10.0.0.1",
		Payload:  map[string]interface{}{"reason": "risk_threshold_exceeded"},
	})

	require.Eventually(t, func() bool { return fwd.Forwarded() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"identity.blocked"}, sink.names())

	sink.mu.Lock()
	payload := sink.last
	sink.mu.Unlock()
	assert.Equal(t, "u1", payload[KeyIdentity])
	assert.Equal(t, "10.0.0.1", payload[KeyOrigin])
	assert.Equal(t, "risk_threshold_exceeded", payload["reason"])
	assert.NotEmpty(t, payload[KeyEventID])
}

func TestForwarder_CountsFailures(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)

	fwd := NewForwarder(&recordingSink{err: errors.New("down")}, time.Second, log, ErrorLogInterval(time.Hour))
	for i := 0; i < 5; i++ {
		fwd.Handle(monitor.Event{Type: monitor.EventOriginBlocked, Origin: "10.0.0.1"})
	}

	assert.Equal(t, int64(5), fwd.Failures())
	assert.Equal(t, int64(0), fwd.Forwarded())
	assert.Equal(t, 1, strings.Count(buf.String(), "Failed to deliver audit event"), "error logs are throttled")
}

func TestOpen(t *testing.T) {
	log := logger.Discard()

	for _, backend := range []string{BackendNone, BackendLog, ""} {
		cfg := &config.Config{}
		cfg.Audit.Backend = backend
		sink, closer, err := Open(context.Background(), cfg, log)
		require.NoError(t, err, backend)
		assert.NoError(t, sink.LogEvent(context.Background(), "x", map[string]interface{}{}))
		assert.NoError(t, closer.Close())
	}

	cfg := &config.Config{}
	cfg.Audit.Backend = BackendKafka
	_, _, err := Open(context.Background(), cfg, log)
	assert.Error(t, err, "kafka requires brokers")

	cfg.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Kafka.Topic = "incidents"
	sink, closer, err := Open(context.Background(), cfg, log)
	require.NoError(t, err)
	assert.IsType(t, MultiSink{}, sink)
	assert.NoError(t, closer.Close())

	cfg.Audit.Backend = "splunk"
	_, _, err = Open(context.Background(), cfg, log)
	assert.Error(t, err)
}
