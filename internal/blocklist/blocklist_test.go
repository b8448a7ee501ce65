package blocklist

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/venuescout/accessguard/pkg/access"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)}
}

func TestBlock_Idempotent(t *testing.T) {
	clock := newClock()
	l := New(access.BlockIdentity, WithClock(clock.Now))

	first, err := l.Block("u1", "manual", "admin", clock.t.Add(time.Hour))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	second, err := l.Block("u1", "manual", "admin", clock.t.Add(2*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 1, l.Active())
	assert.Equal(t, first.BlockedAt, second.BlockedAt)
	assert.Equal(t, clock.t.Add(2*time.Hour), second.UnblockAt)

	rec, ok := l.Lookup("u1")
	require.True(t, ok)
	assert.Equal(t, second.UnblockAt, rec.UnblockAt)
}

func TestBlock_EmptySubject(t *testing.T) {
	l := New(access.BlockIdentity)
	_, err := l.Block("  ", "r", "a", time.Time{})
	assert.True(t, errors.Is(err, access.ErrInvalidSubject))
}

func TestUnblock_NotBlocked(t *testing.T) {
	l := New(access.BlockIdentity)

	_, err := l.Unblock("ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, access.ErrNotBlocked))
	assert.True(t, access.IsNotFound(err))
	assert.Equal(t, 0, l.Active())
}

func TestLookup_LazyExpiry(t *testing.T) {
	clock := newClock()
	l := New(access.BlockIdentity, WithClock(clock.Now))

	_, err := l.Block("u1", "r", "a", clock.t.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, l.IsBlocked("u1"))

	clock.Advance(time.Minute)
	assert.False(t, l.IsBlocked("u1"), "expired block must not apply before the sweep runs")

	expired := l.Sweep()
	require.Len(t, expired, 1)
	assert.Equal(t, "u1", expired[0].Subject)
}

func TestPermanentBlock(t *testing.T) {
	clock := newClock()
	l := New(access.BlockIdentity, WithClock(clock.Now))

	_, err := l.Block("u1", "r", "a", time.Time{})
	require.NoError(t, err)

	clock.Advance(365 * 24 * time.Hour)
	assert.True(t, l.IsBlocked("u1"))
	assert.Empty(t, l.Sweep())
}

func TestOriginList_CIDR(t *testing.T) {
	l := New(access.BlockOrigin)

	_, err := l.Block("10.1.2.3/16", "scan", "admin", time.Time{})
	require.NoError(t, err)

	rec, ok := l.Lookup("10.1.200.7")
	require.True(t, ok)
	assert.Equal(t, "10.1.0.0/16", rec.Subject)

	assert.True(t, l.IsBlocked("10.1.9.9:4431"))
	assert.True(t, l.IsBlocked("::ffff:10.1.0.1"))
	assert.False(t, l.IsBlocked("10.2.0.1"))

	_, err = l.Unblock("10.1.0.0/16")
	require.NoError(t, err)
	assert.False(t, l.IsBlocked("10.1.200.7"))
}

func TestOriginList_NoStringPrefixMatching(t *testing.T) {
	l := New(access.BlockOrigin)

	_, err := l.Block("192.168.1.1", "r", "a", time.Time{})
	require.NoError(t, err)

	assert.True(t, l.IsBlocked("192.168.1.1"))
	assert.False(t, l.IsBlocked("192.168.1.10"))
	assert.False(t, l.IsBlocked("192.168.1.100"))
}

func TestOriginList_OpaqueSubjects(t *testing.T) {
	l := New(access.BlockOrigin)

	_, err := l.Block("u1", "rate_limit_exceeded", access.ActorSystem, time.Time{})
	require.NoError(t, err)

	assert.True(t, l.IsBlocked("u1"))
	assert.False(t, l.IsBlocked("u10"))
}

func TestCovers(t *testing.T) {
	l := New(access.BlockOrigin)

	assert.True(t, l.Covers("10.0.0.0/8", "10.4.4.4"))
	assert.True(t, l.Covers("10.0.0.1", "10.0.0.1:9000"))
	assert.False(t, l.Covers("10.0.0.1", "10.0.0.2"))
	assert.False(t, l.Covers("10.0.0.0/8", "device-token"))
}

func TestRestore_SkipsExpired(t *testing.T) {
	clock := newClock()
	l := New(access.BlockOrigin, WithClock(clock.Now))

	l.Restore([]access.BlockRecord{
		{Subject: "10.0.0.0/8", UnblockAt: clock.t.Add(time.Hour)},
		{Subject: "1.1.1.1", UnblockAt: clock.t.Add(-time.Hour)},
	})

	assert.Equal(t, 1, l.Active())
	assert.True(t, l.IsBlocked("10.9.9.9"))
	assert.False(t, l.IsBlocked("1.1.1.1"))
	assert.Equal(t, access.BlockOrigin, l.Records()[0].Kind)
}

func TestMatchOrigin(t *testing.T) {
	cases := []struct {
		pattern string
		origin  string
		want    bool
	}{
		{"10.0.0.0/8", "10.4.5.6", true},
		{"10.0.0.0/8", "11.0.0.1", false},
		{"10.0.0.1", "10.0.0.1:443", true},
		{"2001:db8::/32", "2001:db8::1", true},
		{"10.0.0.1", "10.0.0.10", false},
		{"vpn-gateway", "vpn-gateway", true},
		{"", "10.0.0.1", false},
	}
	for _, tc := range cases {
		t.Run(tc.pattern+"_"+tc.origin, func(t *testing.T) {
			assert.Equal(t, tc.want, MatchOrigin(tc.pattern, tc.origin))
		})
	}
}
