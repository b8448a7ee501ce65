package session

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/venuescout/accessguard/pkg/access"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(opts ...Option) (*Manager, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewManager(log, append([]Option{WithClock(clock.Now)}, opts...)...), clock
}

func TestCreate_DefaultTimeout(t *testing.T) {
	m, clock := newTestManager()

	s, err := m.Create(CreateRequest{Identity: "u1", DeviceID: "d1", Origin: "10.0.0.1"})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, clock.Now().Add(30*time.Minute), s.ExpiresAt)
	assert.Equal(t, access.SessionCreated, s.State)
	assert.True(t, s.Active)

	_, err = m.Create(CreateRequest{})
	assert.ErrorIs(t, err, access.ErrInvalidSubject)
}

func TestValidate_ExpiryBoundary(t *testing.T) {
	starts := []time.Time{
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 6, 3, 23, 59, 59, 999000000, time.UTC),
		time.Date(2030, 12, 31, 12, 30, 0, 123456789, time.UTC),
	}
	for _, start := range starts {
		t.Run(start.Format(time.RFC3339Nano), func(t *testing.T) {
			m, clock := newTestManager()
			clock.Set(start)
			s, err := m.Create(CreateRequest{Identity: "u1"})
			require.NoError(t, err)

			clock.Set(s.ExpiresAt.Add(-time.Millisecond))
			got, err := m.Validate(s.ID)
			require.NoError(t, err)
			assert.Equal(t, access.SessionActive, got.State)

			clock.Set(s.ExpiresAt.Add(time.Millisecond))
			_, err = m.Validate(s.ID)
			assert.ErrorIs(t, err, access.ErrSessionExpired)

			got, err = m.Get(s.ID)
			require.NoError(t, err)
			assert.False(t, got.Active)
			assert.Equal(t, access.SessionExpired, got.State)
		})
	}
}

func TestValidate_Errors(t *testing.T) {
	m, _ := newTestManager()

	_, err := m.Validate("missing")
	assert.ErrorIs(t, err, access.ErrSessionNotFound)

	s, err := m.Create(CreateRequest{Identity: "u1"})
	require.NoError(t, err)
	_, err = m.Terminate(s.ID, access.TerminationLogout)
	require.NoError(t, err)

	_, err = m.Validate(s.ID)
	assert.ErrorIs(t, err, access.ErrSessionTerminated)
}

func TestTerminate(t *testing.T) {
	m, _ := newTestManager()

	_, err := m.Terminate("missing", access.TerminationLogout)
	assert.ErrorIs(t, err, access.ErrSessionNotFound)

	s, err := m.Create(CreateRequest{Identity: "u1"})
	require.NoError(t, err)

	ended, err := m.Terminate(s.ID, access.TerminationLogout)
	require.NoError(t, err)
	assert.Equal(t, access.SessionTerminated, ended.State)
	assert.Equal(t, access.TerminationLogout, ended.TerminationReason)

	again, err := m.Terminate(s.ID, "other")
	require.NoError(t, err)
	assert.Equal(t, access.TerminationLogout, again.TerminationReason, "first reason is kept")
}

func TestExtend(t *testing.T) {
	m, clock := newTestManager(WithTimeout(10 * time.Minute))
	s, err := m.Create(CreateRequest{Identity: "u1"})
	require.NoError(t, err)

	clock.Advance(8 * time.Minute)
	ext, err := m.Extend(s.ID)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(10*time.Minute), ext.ExpiresAt)

	clock.Advance(9 * time.Minute)
	_, err = m.Validate(s.ID)
	assert.NoError(t, err)
}

func TestTerminateIdentityAndMatching(t *testing.T) {
	m, _ := newTestManager()
	a, _ := m.Create(CreateRequest{Identity: "u1", Origin: "10.0.0.1"})
	_, _ = m.Create(CreateRequest{Identity: "u1", Origin: "10.0.0.2"})
	c, _ := m.Create(CreateRequest{Identity: "u2", Origin: "10.0.0.1"})

	ended := m.TerminateMatching(func(s *access.Session) bool { return s.Origin == "10.0.0.1" }, access.TerminationOriginBlock)
	assert.Len(t, ended, 2)
	ids := []string{ended[0].ID, ended[1].ID}
	assert.ElementsMatch(t, []string{a.ID, c.ID}, ids)

	ended = m.TerminateIdentity("u1", access.TerminationIdentityBlock)
	assert.Len(t, ended, 1)
	assert.Zero(t, m.ActiveCount())

	assert.Empty(t, m.TerminateIdentity("u1", access.TerminationIdentityBlock), "second call ends nothing")
}

func TestSweep(t *testing.T) {
	m, clock := newTestManager(WithTimeout(time.Minute))
	s, _ := m.Create(CreateRequest{Identity: "u1"})
	clock.Advance(30 * time.Second)
	live, _ := m.Create(CreateRequest{Identity: "u2"})

	clock.Advance(45 * time.Second)
	expired := m.Sweep()
	require.Len(t, expired, 1)
	assert.Equal(t, s.ID, expired[0].ID)
	assert.Equal(t, 1, m.ActiveCount())

	clock.Advance(70 * time.Second)
	m.Sweep()
	_, err := m.Get(s.ID)
	assert.ErrorIs(t, err, access.ErrSessionNotFound, "ended sessions are forgotten after one timeout")
	_, err = m.Get(live.ID)
	assert.NoError(t, err)
}

func TestDevices(t *testing.T) {
	m, _ := newTestManager()

	_, err := m.RegisterDevice(DeviceRequest{Name: "laptop"})
	assert.ErrorIs(t, err, access.ErrInvalidSubject)

	dev, err := m.RegisterDevice(DeviceRequest{ID: "d1", Identity: "u1", Name: "laptop"})
	require.NoError(t, err)
	assert.True(t, dev.Trusted)
	assert.True(t, m.IsTrusted("d1", "u1"))
	assert.False(t, m.IsTrusted("d1", "u2"))
	assert.Equal(t, 1, m.TrustedCount())

	_, err = m.RegisterDevice(DeviceRequest{ID: "d1", Identity: "u2"})
	assert.ErrorIs(t, err, access.ErrDeviceOwned)

	_, _, err = m.RevokeDevice("missing", "lost", "admin")
	assert.ErrorIs(t, err, access.ErrDeviceNotFound)

	revoked, _, err := m.RevokeDevice("d1", "lost", "admin")
	require.NoError(t, err)
	assert.False(t, revoked.Trusted)
	assert.Equal(t, "admin", revoked.RevokedBy)
	require.NotNil(t, revoked.RevokedAt)

	_, err = m.Create(CreateRequest{Identity: "u1", DeviceID: "d1"})
	assert.ErrorIs(t, err, access.ErrDeviceRevoked)

	again, err := m.RegisterDevice(DeviceRequest{ID: "d1", Identity: "u1"})
	require.NoError(t, err)
	assert.True(t, again.Trusted)
	assert.Nil(t, again.RevokedAt)
}

func TestRevokeDevice_CascadeUnderConcurrentCreates(t *testing.T) {
	for round := 0; round < 20; round++ {
		m, _ := newTestManager()
		_, err := m.RegisterDevice(DeviceRequest{ID: "d1", Identity: "u1"})
		require.NoError(t, err)

		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for j := 0; j < 20; j++ {
					_, _ = m.Create(CreateRequest{Identity: "u1", DeviceID: "d1"})
				}
			}()
		}

		var ended []access.Session
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, ended, err = m.RevokeDevice("d1", "stolen", "admin")
		}()
		close(start)
		wg.Wait()
		require.NoError(t, err)

		for _, s := range ended {
			assert.Equal(t, access.TerminationDeviceRevoked, s.TerminationReason)
		}
		for _, s := range m.Sessions("u1") {
			assert.NotEqual(t, "d1", s.DeviceID, "no session on a revoked device survives")
		}
	}
}

func TestSnapshotRestore(t *testing.T) {
	m, clock := newTestManager()
	_, _ = m.RegisterDevice(DeviceRequest{ID: "d1", Identity: "u1"})
	_, _ = m.RegisterDevice(DeviceRequest{ID: "d2", Identity: "u1"})
	s1, _ := m.Create(CreateRequest{Identity: "u1", DeviceID: "d1"})
	s2, _ := m.Create(CreateRequest{Identity: "u1", DeviceID: "d2"})

	sessions, devices := m.Snapshot()
	require.Len(t, sessions, 2)
	require.Len(t, devices, 2)

	// a device revoked in the persisted copy ends its sessions on restore
	for i := range devices {
		if devices[i].ID == "d2" {
			devices[i].Trusted = false
		}
	}
	restored := NewManager(m.logger, WithClock(clock.Now))
	restored.Restore(sessions, devices)

	_, err := restored.Validate(s1.ID)
	assert.NoError(t, err)
	_, err = restored.Validate(s2.ID)
	assert.ErrorIs(t, err, access.ErrSessionTerminated)

	_, ended, err := restored.RevokeDevice("d1", "lost", "admin")
	require.NoError(t, err)
	assert.Len(t, ended, 1, "device index is rebuilt")
}
