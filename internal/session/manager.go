package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/venuescout/accessguard/pkg/access"
)

// DefaultTimeout is the session lifetime when none is configured
const DefaultTimeout = 30 * time.Minute

// CreateRequest describes a new session
type CreateRequest struct {
	Identity string `json:"identity"`
	DeviceID string `json:"device_id,omitempty"`
	Origin   string `json:"origin,omitempty"`
}

// DeviceRequest describes a device to trust
type DeviceRequest struct {
	ID       string `json:"id,omitempty"`
	Identity string `json:"identity"`
	Name     string `json:"name,omitempty"`
}

// Manager owns sessions and trusted devices. Both live under one lock so a
// device revoke and the termination of its sessions are a single step.
type Manager struct {
	sessions map[string]*access.Session
	byDevice map[string]map[string]struct{}
	devices  map[string]*access.TrustedDevice
	mu       sync.RWMutex

	timeout time.Duration
	logger  *logrus.Logger
	now     func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithTimeout sets the session lifetime
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// NewManager creates a session manager
func NewManager(logger *logrus.Logger, opts ...Option) *Manager {
	m := &Manager{
		sessions: make(map[string]*access.Session),
		byDevice: make(map[string]map[string]struct{}),
		devices:  make(map[string]*access.TrustedDevice),
		timeout:  DefaultTimeout,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Timeout returns the configured session lifetime
func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

// Create issues a session expiring after the configured timeout. Sessions on
// a revoked device are refused.
func (m *Manager) Create(req CreateRequest) (access.Session, error) {
	if req.Identity == "" {
		return access.Session{}, access.ErrInvalidSubject
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if req.DeviceID != "" {
		if dev, ok := m.devices[req.DeviceID]; ok && !dev.Trusted {
			return access.Session{}, access.ErrDeviceRevoked.WithSubject(req.DeviceID)
		}
	}

	s := &access.Session{
		ID:           uuid.New().String(),
		Identity:     req.Identity,
		DeviceID:     req.DeviceID,
		Origin:       req.Origin,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(m.timeout),
		Active:       true,
		State:        access.SessionCreated,
	}
	m.sessions[s.ID] = s
	if s.DeviceID != "" {
		if m.byDevice[s.DeviceID] == nil {
			m.byDevice[s.DeviceID] = make(map[string]struct{})
		}
		m.byDevice[s.DeviceID][s.ID] = struct{}{}
	}

	m.logger.WithFields(logrus.Fields{
		"session_id": s.ID,
		"identity":   s.Identity,
		"device_id":  s.DeviceID,
	}).Debug("Created session")
	return *s, nil
}

// Validate confirms a session is usable and records activity. Expiry is
// checked against the clock regardless of whether a sweep has run.
func (m *Manager) Validate(id string) (access.Session, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.usable(id, now)
	if err != nil {
		return access.Session{}, err
	}
	s.LastActivity = now
	s.State = access.SessionActive
	return *s, nil
}

// Extend pushes the expiry of a usable session to now plus the timeout
func (m *Manager) Extend(id string) (access.Session, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.usable(id, now)
	if err != nil {
		return access.Session{}, err
	}
	s.LastActivity = now
	s.ExpiresAt = now.Add(m.timeout)
	s.State = access.SessionActive
	return *s, nil
}

// Get returns a session without recording activity
func (m *Manager) Get(id string) (access.Session, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return access.Session{}, access.ErrSessionNotFound.WithSubject(id)
	}
	m.expireIfDue(s, now)
	return *s, nil
}

// Terminate ends a session. Ending an already ended session is not an error.
func (m *Manager) Terminate(id, reason string) (access.Session, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return access.Session{}, access.ErrSessionNotFound.WithSubject(id)
	}
	m.expireIfDue(s, now)
	m.terminate(s, reason)
	return *s, nil
}

// TerminateIdentity ends every live session of identity
func (m *Manager) TerminateIdentity(identity, reason string) []access.Session {
	return m.TerminateMatching(func(s *access.Session) bool { return s.Identity == identity }, reason)
}

// TerminateMatching ends every live session for which match returns true
func (m *Manager) TerminateMatching(match func(*access.Session) bool, reason string) []access.Session {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var ended []access.Session
	for _, s := range m.sessions {
		if !s.Active {
			continue
		}
		if m.expireIfDue(s, now) {
			continue
		}
		if match(s) {
			m.terminate(s, reason)
			ended = append(ended, *s)
		}
	}
	return ended
}

// Sessions returns the live sessions of identity, or all live sessions when
// identity is empty
func (m *Manager) Sessions(identity string) []access.Session {
	now := m.now()

	m.mu.RLock()
	out := make([]access.Session, 0)
	for _, s := range m.sessions {
		if !s.Active || !now.Before(s.ExpiresAt) {
			continue
		}
		if identity == "" || s.Identity == identity {
			out = append(out, *s)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ActiveCount returns the number of live sessions
func (m *Manager) ActiveCount() int {
	now := m.now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, s := range m.sessions {
		if s.Active && now.Before(s.ExpiresAt) {
			n++
		}
	}
	return n
}

// Sweep expires overdue sessions and forgets ended sessions older than one
// timeout. It returns the sessions it expired.
func (m *Manager) Sweep() []access.Session {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []access.Session
	for id, s := range m.sessions {
		if m.expireIfDue(s, now) {
			expired = append(expired, *s)
		}
		if s.Active {
			continue
		}
		ended := s.ExpiresAt
		if s.LastActivity.After(ended) {
			ended = s.LastActivity
		}
		if now.Sub(ended) > m.timeout {
			m.forget(id, s)
		}
	}
	return expired
}

// RegisterDevice trusts a device for one identity. Registering a revoked
// device again restores trust.
func (m *Manager) RegisterDevice(req DeviceRequest) (access.TrustedDevice, error) {
	if req.Identity == "" {
		return access.TrustedDevice{}, access.ErrInvalidSubject
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if dev, ok := m.devices[req.ID]; ok {
		if dev.Identity != req.Identity {
			return access.TrustedDevice{}, access.ErrDeviceOwned.WithSubject(req.ID)
		}
		dev.Trusted = true
		dev.RevokedAt = nil
		dev.RevokedBy = ""
		dev.RevokeReason = ""
		if req.Name != "" {
			dev.Name = req.Name
		}
		return *dev, nil
	}

	dev := &access.TrustedDevice{
		ID:           req.ID,
		Identity:     req.Identity,
		Name:         req.Name,
		Trusted:      true,
		RegisteredAt: now,
	}
	m.devices[dev.ID] = dev

	m.logger.WithFields(logrus.Fields{
		"device_id": dev.ID,
		"identity":  dev.Identity,
	}).Info("Registered trusted device")
	return *dev, nil
}

// RevokeDevice withdraws trust and ends every session bound to the device
// before releasing the lock, so no session on it survives the call.
func (m *Manager) RevokeDevice(id, reason, actor string) (access.TrustedDevice, []access.Session, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	dev, ok := m.devices[id]
	if !ok {
		return access.TrustedDevice{}, nil, access.ErrDeviceNotFound.WithSubject(id)
	}
	dev.Trusted = false
	dev.RevokedAt = &now
	dev.RevokedBy = actor
	dev.RevokeReason = reason

	var ended []access.Session
	for sid := range m.byDevice[id] {
		s, ok := m.sessions[sid]
		if !ok || !s.Active {
			continue
		}
		m.terminate(s, access.TerminationDeviceRevoked)
		ended = append(ended, *s)
	}

	m.logger.WithFields(logrus.Fields{
		"device_id":  id,
		"identity":   dev.Identity,
		"actor":      actor,
		"reason":     reason,
		"terminated": len(ended),
	}).Warn("Revoked device trust")
	return *dev, ended, nil
}

// Device returns a registered device
func (m *Manager) Device(id string) (access.TrustedDevice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dev, ok := m.devices[id]
	if !ok {
		return access.TrustedDevice{}, access.ErrDeviceNotFound.WithSubject(id)
	}
	return *dev, nil
}

// IsTrusted reports whether deviceID is a trusted device of identity
func (m *Manager) IsTrusted(deviceID, identity string) bool {
	if deviceID == "" {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	dev, ok := m.devices[deviceID]
	return ok && dev.Trusted && dev.Identity == identity
}

// TrustedCount returns the number of trusted devices
func (m *Manager) TrustedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, dev := range m.devices {
		if dev.Trusted {
			n++
		}
	}
	return n
}

// Snapshot copies all sessions and devices
func (m *Manager) Snapshot() ([]access.Session, []access.TrustedDevice) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]access.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, *s)
	}
	devices := make([]access.TrustedDevice, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, *d)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return sessions, devices
}

// Restore replaces all sessions and devices
func (m *Manager) Restore(sessions []access.Session, devices []access.TrustedDevice) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions = make(map[string]*access.Session, len(sessions))
	m.byDevice = make(map[string]map[string]struct{})
	m.devices = make(map[string]*access.TrustedDevice, len(devices))

	for i := range devices {
		d := devices[i]
		m.devices[d.ID] = &d
	}
	for i := range sessions {
		s := sessions[i]
		if s.Active && s.DeviceID != "" {
			if dev, ok := m.devices[s.DeviceID]; ok && !dev.Trusted {
				m.terminate(&s, access.TerminationDeviceRevoked)
			}
		}
		m.sessions[s.ID] = &s
		if s.DeviceID != "" {
			if m.byDevice[s.DeviceID] == nil {
				m.byDevice[s.DeviceID] = make(map[string]struct{})
			}
			m.byDevice[s.DeviceID][s.ID] = struct{}{}
		}
	}
}

// usable returns the session if it is live at now. Caller holds m.mu.
func (m *Manager) usable(id string, now time.Time) (*access.Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, access.ErrSessionNotFound.WithSubject(id)
	}
	if s.State == access.SessionTerminated {
		return nil, access.ErrSessionTerminated.WithSubject(id)
	}
	if m.expireIfDue(s, now) || s.State == access.SessionExpired {
		return nil, access.ErrSessionExpired.WithSubject(id)
	}
	return s, nil
}

// expireIfDue flips a live session past its expiry. Caller holds m.mu.
func (m *Manager) expireIfDue(s *access.Session, now time.Time) bool {
	if !s.Active || now.Before(s.ExpiresAt) {
		return false
	}
	s.Active = false
	s.State = access.SessionExpired
	s.TerminationReason = access.TerminationExpired
	return true
}

func (m *Manager) terminate(s *access.Session, reason string) {
	if !s.Active {
		return
	}
	s.Active = false
	s.State = access.SessionTerminated
	s.TerminationReason = reason
}

func (m *Manager) forget(id string, s *access.Session) {
	delete(m.sessions, id)
	if s.DeviceID == "" {
		return
	}
	if set := m.byDevice[s.DeviceID]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(m.byDevice, s.DeviceID)
		}
	}
}
