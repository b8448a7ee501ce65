//go:build integration

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/venuescout/accessguard/pkg/config"
)

func startRedis(t *testing.T) config.RedisConfig {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	return config.RedisConfig{Host: host, Port: port.Int(), KeyPrefix: "it:"}
}

func TestRedisStore_Integration(t *testing.T) {
	cfg := startRedis(t)

	store, err := NewRedisStore(context.Background(), cfg)
	require.NoError(t, err)
	defer store.Close()

	exerciseStore(t, store)
}

func TestOpen_Redis_Integration(t *testing.T) {
	cfg := &config.Config{Redis: startRedis(t)}
	cfg.Store.Backend = BackendRedis
	cfg.Store.Timeout = time.Second

	store, backend, err := Open(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer backend.Close()

	require.NoError(t, store.Ping(context.Background()))
	exerciseStore(t, store)
}
