package guard

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/venuescout/accessguard/internal/policy"
	"github.com/venuescout/accessguard/internal/session"
	"github.com/venuescout/accessguard/internal/storage"
	"github.com/venuescout/accessguard/pkg/access"
	"github.com/venuescout/accessguard/pkg/logger"
)

func TestSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	clock := &fakeClock{t: start}

	g := New(testConfig(), store, logger.Discard(), WithClock(clock.Now))
	defer g.Close()
	require.NoError(t, g.ReplacePolicies(ctx, testPolicies()))

	_, err := g.RegisterDevice(ctx, session.DeviceRequest{ID: "laptop", Identity: "u1"})
	require.NoError(t, err)
	live, err := g.CreateSession(ctx, session.CreateRequest{Identity: "u1", DeviceID: "laptop"})
	require.NoError(t, err)
	_, err = g.BlockIdentity(ctx, "mallory", "fraud", "alice", time.Hour)
	require.NoError(t, err)
	_, err = g.BlockOrigin(ctx, "198.51.100.0/24", "abuse", "alice", 0)
	require.NoError(t, err)
	g.Evaluate(ctx, access.Request{Identity: "u1", Action: "view", DeviceID: "laptop", Authenticated: true})
	g.CheckRateLimit(ctx, access.EndpointLogin, "u2")

	require.NoError(t, g.Snapshot(ctx))

	restored := New(testConfig(), store, logger.Discard(), WithClock(clock.Now))
	defer restored.Close()
	require.NoError(t, restored.Restore(ctx))

	assert.Len(t, restored.Policies(), 3)
	_, blocked := restored.IdentityBlock("mallory")
	assert.True(t, blocked)
	_, blocked = restored.OriginBlock("198.51.100.7")
	assert.True(t, blocked)

	s, err := restored.ValidateSession(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", s.Identity)

	dev, err := restored.Device("laptop")
	require.NoError(t, err)
	assert.True(t, dev.Trusted)

	_, ok := restored.Profile("u1")
	assert.True(t, ok)
	assert.Equal(t, 4, restored.RateLimitStatus(access.EndpointLogin, "u2").Remaining)
}

func TestRestore_EmptyStore(t *testing.T) {
	g := New(testConfig(), storage.NewMemoryStore(), logger.Discard())
	defer g.Close()
	assert.NoError(t, g.Restore(context.Background()))
	assert.Empty(t, g.Policies())
}

type brokenStore struct {
	sets atomic.Int32
}

func (b *brokenStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("store offline")
}

func (b *brokenStore) Set(context.Context, string, []byte) error {
	b.sets.Add(1)
	return errors.New("store offline")
}

func TestStoreFailuresDoNotAffectDecisions(t *testing.T) {
	ctx := context.Background()
	store := &brokenStore{}
	g := New(testConfig(), store, logger.Discard())
	defer g.Close()

	require.NoError(t, g.ReplacePolicies(ctx, testPolicies()), "persisting is best effort")
	d := g.Evaluate(ctx, access.Request{Identity: "u1", Action: "view", Authenticated: true})
	assert.True(t, d.Allowed)

	assert.Error(t, g.Snapshot(ctx))
	assert.Error(t, g.Restore(ctx))
	assert.Greater(t, store.sets.Load(), int32(1))
	assert.Len(t, g.Policies(), 3, "a failed restore keeps in-memory state")
}

func TestApplyDocument(t *testing.T) {
	ctx := context.Background()
	g := New(testConfig(), nil, logger.Discard())
	defer g.Close()

	doc, err := policy.LoadFile("../../configs/policies.yaml")
	require.NoError(t, err)
	require.NoError(t, g.ApplyDocument(ctx, doc))

	assert.Len(t, g.Policies(), len(doc.Policies))
	assert.Len(t, g.rules.DetectionRules(), len(doc.DetectionRules))

	endpoints := map[string]bool{}
	for _, rule := range g.RateLimitRules() {
		endpoints[rule.Endpoint] = true
	}
	for endpoint := range doc.RateLimits {
		assert.True(t, endpoints[endpoint], endpoint)
	}

	d := g.Evaluate(ctx, access.Request{Identity: "u1", Origin: "198.51.100.4", Action: access.EndpointLogin, Authenticated: true})
	assert.Equal(t, "deny_known_bad_origins", d.Reason)
}

func TestSweeps(t *testing.T) {
	ctx := context.Background()
	g, clock := newTestGuard(t)

	_, err := g.CreateSession(ctx, session.CreateRequest{Identity: "u1"})
	require.NoError(t, err)
	_, err = g.BlockIdentity(ctx, "u2", "", "alice", time.Minute)
	require.NoError(t, err)
	_, err = g.BlockOrigin(ctx, "203.0.113.1", "", "alice", time.Minute)
	require.NoError(t, err)

	clock.Advance(31 * time.Minute)

	assert.Equal(t, 1, g.SweepSessions(ctx))
	assert.Equal(t, 2, g.SweepBlocks(ctx))
	assert.Equal(t, 0, g.SweepBlocks(ctx))
	assert.Zero(t, g.GetStatistics().ActiveSessions)
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.Sweep.Sessions = 5 * time.Millisecond
	cfg.Engine.Sweep.Blocks = 5 * time.Millisecond

	var sweeps atomic.Int32
	g := New(cfg, nil, logger.Discard(), WithSweepObserver(func(string, time.Duration, int) {
		sweeps.Add(1)
	}))
	defer g.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	require.Eventually(t, func() bool { return sweeps.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
