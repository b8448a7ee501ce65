//go:build integration

package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/venuescout/accessguard/pkg/config"
	"github.com/venuescout/accessguard/pkg/database"
)

func startPostgres(t *testing.T) config.DatabaseConfig {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_DB":       "accessguard_test",
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "testpass",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return config.DatabaseConfig{
		Host:     host,
		Port:     port.Int(),
		Name:     "accessguard_test",
		User:     "test",
		Password: "testpass",
		SSLMode:  "disable",
	}
}

func TestPostgresSink_Integration(t *testing.T) {
	ctx := context.Background()
	db, err := database.NewConnection(ctx, startPostgres(t), quietLogger())
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.CreateSchema(ctx))
	require.NoError(t, db.CreateSchema(ctx), "schema creation is idempotent")

	sink := NewPostgresSink(db)
	at := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	require.NoError(t, sink.LogEvent(ctx, "identity.blocked", map[string]interface{}{
		KeyEventID:   "evt-1",
		KeyIdentity:  "mallory",
		KeyTimestamp: at,
		"reason":     "administrative_block",
	}))
	require.NoError(t, sink.LogEvent(ctx, "identity.blocked", map[string]interface{}{
		KeyEventID:  "evt-1",
		KeyIdentity: "mallory",
	}), "duplicate event IDs are ignored")
	require.NoError(t, sink.LogEvent(ctx, "origin.blocked", map[string]interface{}{
		KeyEventID:   "evt-2",
		KeyOrigin:    "198.51.100.0/24",
		KeyTimestamp: at.Add(time.Minute),
	}))

	all, err := sink.Events(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "evt-2", all[0].ID)

	mine, err := sink.Events(ctx, Filter{Identity: "mallory"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "administrative_block", mine[0].Payload["reason"])
	assert.True(t, mine[0].OccurredAt.Equal(at))
}
