package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/venuescout/accessguard/pkg/access"
)

func TestTighten(t *testing.T) {
	base := access.RateLimitRule{Endpoint: "login", MaxRequests: 10, BlockDuration: 10 * time.Minute}

	tests := []struct {
		risk      int
		tightened bool
		max       int
		block     time.Duration
	}{
		{risk: 95, tightened: true, max: 2, block: 50 * time.Minute},
		{risk: 81, tightened: true, max: 2, block: 50 * time.Minute},
		{risk: 80, tightened: true, max: 5, block: 20 * time.Minute},
		{risk: 61, tightened: true, max: 5, block: 20 * time.Minute},
		{risk: 45, tightened: true, max: 7, block: 15 * time.Minute},
		{risk: 40, tightened: false, max: 10, block: 10 * time.Minute},
		{risk: 0, tightened: false, max: 10, block: 10 * time.Minute},
	}

	for _, tt := range tests {
		rule, ok := Tighten(base, tt.risk)
		assert.Equal(t, tt.tightened, ok, "risk %d", tt.risk)
		assert.Equal(t, tt.max, rule.MaxRequests, "risk %d", tt.risk)
		assert.Equal(t, tt.block, rule.BlockDuration, "risk %d", tt.risk)
	}
}

func TestTighten_NeverBelowOne(t *testing.T) {
	rule, ok := Tighten(access.RateLimitRule{MaxRequests: 2, BlockDuration: time.Minute}, 99)
	require.True(t, ok)
	assert.Equal(t, 1, rule.MaxRequests)
}

func TestApplyDynamicLimit_DoesNotMutateSharedRule(t *testing.T) {
	clock := newTestClock()
	l := newLimiter(clock, map[string]access.RateLimitRule{
		"login": {Window: time.Minute, MaxRequests: 10, BlockDuration: time.Minute},
	}, WithOverrideTTL(time.Hour))

	rule, ok := l.ApplyDynamicLimit("login", "u1", 90)
	require.True(t, ok)
	assert.Equal(t, 2, rule.MaxRequests)

	shared, _ := l.Rule("login")
	assert.Equal(t, 10, shared.MaxRequests)

	for i := 0; i < 2; i++ {
		require.True(t, l.Check(Request{Endpoint: "login", Identity: "u1"}).Allowed)
	}
	assert.False(t, l.Check(Request{Endpoint: "login", Identity: "u1"}).Allowed)

	// another identity still uses the shared rule
	for i := 0; i < 10; i++ {
		require.True(t, l.Check(Request{Endpoint: "login", Identity: "u2"}).Allowed)
	}
}

func TestApplyDynamicLimit_Expires(t *testing.T) {
	clock := newTestClock()
	l := newLimiter(clock, map[string]access.RateLimitRule{
		"login": {Window: time.Minute, MaxRequests: 10, BlockDuration: time.Minute},
	}, WithOverrideTTL(time.Hour))

	l.ApplyDynamicLimit("login", "u1", 70)
	eff, _ := l.EffectiveRule(Key{Endpoint: "login", Identity: "u1"})
	assert.Equal(t, 5, eff.MaxRequests)

	clock.Advance(time.Hour)
	eff, _ = l.EffectiveRule(Key{Endpoint: "login", Identity: "u1"})
	assert.Equal(t, 10, eff.MaxRequests)

	l.Sweep()
	l.overridesMux.RLock()
	assert.Empty(t, l.overrides)
	l.overridesMux.RUnlock()
}

func TestApplyDynamicLimit_KeepsStricterOverride(t *testing.T) {
	clock := newTestClock()
	l := newLimiter(clock, map[string]access.RateLimitRule{
		"login": {Window: time.Minute, MaxRequests: 10, BlockDuration: time.Minute},
	})

	l.ApplyDynamicLimit("login", "u1", 90)
	rule, ok := l.ApplyDynamicLimit("login", "u1", 50)
	require.True(t, ok)
	assert.Equal(t, 2, rule.MaxRequests)
}

func TestApplyDynamicLimit_UnknownEndpoint(t *testing.T) {
	l := newLimiter(newTestClock(), apiRule())
	_, ok := l.ApplyDynamicLimit("nope", "u1", 99)
	assert.False(t, ok)
}

func TestApplyGeographicLimit(t *testing.T) {
	l := newLimiter(newTestClock(), map[string]access.RateLimitRule{
		"login": {Window: time.Minute, MaxRequests: 10, BlockDuration: time.Minute},
	})

	rule, ok := l.ApplyGeographicLimit("login", "u1", "kp")
	require.True(t, ok)
	assert.Equal(t, 2, rule.MaxRequests)

	_, ok = l.ApplyGeographicLimit("login", "u2", "NZ")
	assert.False(t, ok)
}

func TestApplyTimeBasedLimit(t *testing.T) {
	l := newLimiter(newTestClock(), map[string]access.RateLimitRule{
		"login": {Window: time.Minute, MaxRequests: 10, BlockDuration: time.Minute},
	})

	night := time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)
	rule, ok := l.ApplyTimeBasedLimit("login", "u1", night)
	require.True(t, ok)
	assert.Equal(t, 5, rule.MaxRequests)

	late := time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC)
	rule, ok = l.ApplyTimeBasedLimit("login", "u2", late)
	require.True(t, ok)
	assert.Equal(t, 7, rule.MaxRequests)

	noon := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	_, ok = l.ApplyTimeBasedLimit("login", "u3", noon)
	assert.False(t, ok)
}

func TestCheck_ExpiredOverrideDoesNotShortenNextBlock(t *testing.T) {
	clock := newTestClock()
	var durations []time.Duration
	l := newLimiter(clock, map[string]access.RateLimitRule{
		"login": {Window: 15 * time.Minute, MaxRequests: 5, BlockDuration: 30 * time.Minute},
	}, WithOverrideTTL(time.Hour), WithTripHook(func(tr Trip) { durations = append(durations, tr.Duration) }))
	req := Request{Endpoint: "login", Identity: "u1"}

	_, ok := l.ApplyDynamicLimit("login", "u1", 90)
	require.True(t, ok)
	require.True(t, l.Check(req).Allowed)
	require.False(t, l.Check(req).Allowed)

	clock.Advance(2*time.Hour + 31*time.Minute)
	eff, _ := l.EffectiveRule(Key{Endpoint: "login", Identity: "u1"})
	require.Equal(t, 5, eff.MaxRequests, "override has expired")

	for i := 0; i < 5; i++ {
		require.True(t, l.Check(req).Allowed, "request %d", i+1)
	}
	res := l.Check(req)
	require.False(t, res.Allowed)

	require.Len(t, durations, 2)
	assert.Equal(t, 150*time.Minute, durations[0])
	assert.Equal(t, 150*time.Minute, durations[1])
	assert.Equal(t, clock.Now().Add(150*time.Minute), res.RetryAfter)

	records := l.Snapshot()
	require.Len(t, records, 1)
	assert.Equal(t, 150*time.Minute, records[0].LastBlock)
}
