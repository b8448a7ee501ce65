package logger

import (
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// Logger wraps logrus.Logger with additional functionality
type Logger struct {
	*logrus.Logger
}

// New creates a new logger instance
func New(level string) *Logger {
	return NewWithOutput(level, os.Stdout)
}

// NewWithOutput creates a logger writing JSON lines to out.
func NewWithOutput(level string, out io.Writer) *Logger {
	log := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	log.SetLevel(logLevel)

	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	log.SetOutput(out)

	return &Logger{Logger: log}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	l := NewWithOutput("panic", io.Discard)
	return l
}

// WithIdentity creates a new logger entry with identity field
func (l *Logger) WithIdentity(identity string) *logrus.Entry {
	return l.Logger.WithField("identity", identity)
}

// WithComponent creates a new logger entry with component name field
func (l *Logger) WithComponent(component string) *logrus.Entry {
	return l.Logger.WithField("component", component)
}

// WithContext adds trace and span ids from the active span, if any.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithContext(ctx)
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		entry = entry.WithFields(logrus.Fields{
			"trace_id": sc.TraceID().String(),
			"span_id":  sc.SpanID().String(),
		})
	}
	return entry
}

// Audit logs audit events with structured format
func (l *Logger) Audit(identity, action, resource string, success bool, details map[string]interface{}) {
	entry := l.Logger.WithFields(logrus.Fields{
		"audit":    true,
		"identity": identity,
		"action":   action,
		"resource": resource,
		"success":  success,
		"details":  details,
	})

	if success {
		entry.Info("Audit event")
	} else {
		entry.Warn("Audit event failed")
	}
}

// Security logs security-related events
func (l *Logger) Security(event string, subject string, details map[string]interface{}) {
	l.Logger.WithFields(logrus.Fields{
		"security": true,
		"event":    event,
		"subject":  subject,
		"details":  details,
	}).Warn("Security event")
}

// HTTPRequest logs HTTP request events
func (l *Logger) HTTPRequest(ctx context.Context, method, path, clientIP string, statusCode int, durationMs int64) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"http_request": true,
		"method":       method,
		"path":         path,
		"client_ip":    clientIP,
		"status_code":  statusCode,
		"duration_ms":  durationMs,
	})

	if statusCode >= 500 {
		entry.Error("HTTP request failed")
	} else if statusCode >= 400 {
		entry.Warn("HTTP request completed with error")
	} else {
		entry.Info("HTTP request completed")
	}
}
