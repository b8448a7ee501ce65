package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/venuescout/accessguard/pkg/access"
	"github.com/venuescout/accessguard/pkg/config"
)

// Backend names accepted in store.backend
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Backend is a store that owns a connection
type Backend interface {
	access.Store
	access.Pinger
	io.Closer
}

// Open builds the configured backend. The returned store is wrapped in a
// ResilientStore; the Backend must be closed by the caller.
func Open(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*ResilientStore, Backend, error) {
	var (
		backend Backend
		err     error
	)
	switch cfg.Store.Backend {
	case "", BackendMemory:
		backend = NewMemoryStore()
	case BackendRedis:
		backend, err = NewRedisStore(ctx, cfg.Redis)
	case BackendSQLite:
		backend, err = OpenSQLite(ctx, cfg.SQLite.Path)
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	if err != nil {
		return nil, nil, err
	}

	logger.WithField("backend", cfg.Store.Backend).Info("Opened snapshot store")
	return NewResilientStore(backend, cfg.Store.Timeout, cfg.Store.Breaker, logger), backend, nil
}
