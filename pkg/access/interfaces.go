package access

import (
	"context"
)

// Store persists JSON records across restarts.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

// AuditSink receives structured audit events. Callers treat it as
// fire-and-forget and only log its errors.
type AuditSink interface {
	LogEvent(ctx context.Context, name string, payload map[string]interface{}) error
}

// Pinger is implemented by backends that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}
