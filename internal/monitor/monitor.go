package monitor

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/venuescout/accessguard/pkg/access"
)

// Config holds monitor limits
type Config struct {
	MaxRecentAttempts int
	Retention         time.Duration
	// MaxFailuresPerKey caps the failure timestamps kept per identity or
	// origin. Counts from FailuresSince saturate at the cap.
	MaxFailuresPerKey int
}

// Monitor keeps the attempt log, suspicious activities and counters
type Monitor struct {
	config Config
	bus    *Bus
	logger *logrus.Logger
	now    func() time.Time

	attemptsMux sync.RWMutex
	recent      []access.Attempt
	next        int
	failures    map[string][]time.Time
	failureTTL  time.Duration
	byReason    map[string]int64

	activitiesMux sync.RWMutex
	activities    map[string]*access.SuspiciousActivity

	total   atomic.Int64
	allowed atomic.Int64
	denied  atomic.Int64
}

// Option configures a Monitor
type Option func(*Monitor)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New creates a monitor publishing on bus
func New(config Config, bus *Bus, logger *logrus.Logger, opts ...Option) *Monitor {
	if config.MaxRecentAttempts <= 0 {
		config.MaxRecentAttempts = 10000
	}
	if config.Retention <= 0 {
		config.Retention = 24 * time.Hour
	}
	if config.MaxFailuresPerKey <= 0 {
		config.MaxFailuresPerKey = 1000
	}
	m := &Monitor{
		config:     config,
		bus:        bus,
		logger:     logger,
		now:        time.Now,
		recent:     make([]access.Attempt, 0, 64),
		failures:   make(map[string][]time.Time),
		failureTTL: config.Retention,
		byReason:   make(map[string]int64),
		activities: make(map[string]*access.SuspiciousActivity),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RecordAttempt appends an attempt to the log and publishes it
func (m *Monitor) RecordAttempt(a access.Attempt) access.Attempt {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = m.now()
	}

	m.total.Add(1)
	if a.Result == access.AttemptAllowed {
		m.allowed.Add(1)
	} else {
		m.denied.Add(1)
	}

	m.attemptsMux.Lock()
	if len(m.recent) < m.config.MaxRecentAttempts {
		m.recent = append(m.recent, a)
	} else {
		m.recent[m.next] = a
		m.next = (m.next + 1) % m.config.MaxRecentAttempts
	}
	if a.Result == access.AttemptDenied {
		m.byReason[a.Reason]++
		for _, key := range []string{a.Identity, a.Origin} {
			if key != "" {
				m.failures[key] = m.trimFailures(append(m.failures[key], a.Timestamp), a.Timestamp)
			}
		}
	}
	m.attemptsMux.Unlock()

	if m.bus != nil {
		m.bus.Publish(Event{
			Type:      EventAttemptRecorded,
			Timestamp: a.Timestamp,
			Identity:  a.Identity,
			Origin:    a.Origin,
			Payload: map[string]interface{}{
				"attempt_id": a.ID,
				"result":     string(a.Result),
				"reason":     a.Reason,
				"endpoint":   a.Endpoint,
				"action":     a.Action,
				"resource":   a.Resource,
				"device_id":  a.DeviceID,
				"risk_score": a.RiskScore,
			},
		})
	}
	return a
}

// SetFailureWindow bounds how far back failure timestamps are kept. Zero
// falls back to the retention period.
func (m *Monitor) SetFailureWindow(window time.Duration) {
	if window <= 0 || window > m.config.Retention {
		window = m.config.Retention
	}
	m.attemptsMux.Lock()
	m.failureTTL = window
	m.attemptsMux.Unlock()
}

// trimFailures drops stamps older than the failure window before now and
// keeps at most MaxFailuresPerKey of the newest. Callers hold attemptsMux.
func (m *Monitor) trimFailures(stamps []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-m.failureTTL)
	i := 0
	for i < len(stamps) && stamps[i].Before(cutoff) {
		i++
	}
	if excess := len(stamps) - i - m.config.MaxFailuresPerKey; excess > 0 {
		i += excess
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[i:]...)
}

// FailuresSince counts denied attempts attributed to key (identity or
// origin) at or after since
func (m *Monitor) FailuresSince(key string, since time.Time) int {
	m.attemptsMux.RLock()
	defer m.attemptsMux.RUnlock()

	n := 0
	for _, ts := range m.failures[key] {
		if !ts.Before(since) {
			n++
		}
	}
	return n
}

// AttemptFilter narrows RecentAttempts
type AttemptFilter struct {
	Identity string
	Origin   string
	Result   access.AttemptResult
	Limit    int
}

// RecentAttempts returns matching attempts, newest first
func (m *Monitor) RecentAttempts(filter AttemptFilter) []access.Attempt {
	m.attemptsMux.RLock()
	ordered := make([]access.Attempt, 0, len(m.recent))
	ordered = append(ordered, m.recent[m.next:]...)
	ordered = append(ordered, m.recent[:m.next]...)
	m.attemptsMux.RUnlock()

	var out []access.Attempt
	for i := len(ordered) - 1; i >= 0; i-- {
		a := ordered[i]
		if filter.Identity != "" && a.Identity != filter.Identity {
			continue
		}
		if filter.Origin != "" && a.Origin != filter.Origin {
			continue
		}
		if filter.Result != "" && a.Result != filter.Result {
			continue
		}
		out = append(out, a)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// Counters returns attempt totals and denials by reason
func (m *Monitor) Counters() (total, allowed, denied int64, byReason map[string]int64) {
	m.attemptsMux.RLock()
	byReason = make(map[string]int64, len(m.byReason))
	for k, v := range m.byReason {
		byReason[k] = v
	}
	m.attemptsMux.RUnlock()
	return m.total.Load(), m.allowed.Load(), m.denied.Load(), byReason
}

// Sweep drops failure timestamps past the failure window and resolved
// activities past retention
func (m *Monitor) Sweep() int {
	cutoff := m.now().Add(-m.config.Retention)
	removed := 0

	m.attemptsMux.Lock()
	failureCutoff := m.now().Add(-m.failureTTL)
	for key, stamps := range m.failures {
		i := 0
		for i < len(stamps) && stamps[i].Before(failureCutoff) {
			i++
		}
		removed += i
		if i == len(stamps) {
			delete(m.failures, key)
		} else if i > 0 {
			m.failures[key] = append(stamps[:0], stamps[i:]...)
		}
	}
	m.attemptsMux.Unlock()

	m.activitiesMux.Lock()
	for id, act := range m.activities {
		if act.Status == access.ActivityResolved && act.ResolvedAt != nil && act.ResolvedAt.Before(cutoff) {
			delete(m.activities, id)
			removed++
		}
	}
	m.activitiesMux.Unlock()

	return removed
}

// Flag records a new suspicious activity in the flagged state
func (m *Monitor) Flag(identity, origin string, detections []access.Detection, score int) access.SuspiciousActivity {
	act := &access.SuspiciousActivity{
		ID:         uuid.New().String(),
		Identity:   identity,
		Origin:     origin,
		Timestamp:  m.now(),
		Detections: append([]access.Detection(nil), detections...),
		RiskScore:  score,
		Status:     access.ActivityFlagged,
	}

	m.activitiesMux.Lock()
	m.activities[act.ID] = act
	m.activitiesMux.Unlock()

	m.logger.WithFields(logrus.Fields{
		"activity_id": act.ID,
		"identity":    identity,
		"origin":      origin,
		"risk_score":  score,
		"detections":  len(detections),
	}).Warn("Suspicious activity flagged")

	m.publishActivity(EventActivityFlagged, *act)
	return *act
}

// Investigate moves a flagged activity to investigated
func (m *Monitor) Investigate(id, actor string) (access.SuspiciousActivity, error) {
	return m.transition(id, func(act *access.SuspiciousActivity, now time.Time) error {
		if act.Status != access.ActivityFlagged {
			return access.ErrInvalidTransition.WithSubject(id)
		}
		act.Status = access.ActivityInvestigated
		act.InvestigatedBy = actor
		act.InvestigatedAt = &now
		return nil
	})
}

// Resolve closes a flagged or investigated activity
func (m *Monitor) Resolve(id, actor, resolution string) (access.SuspiciousActivity, error) {
	return m.transition(id, func(act *access.SuspiciousActivity, now time.Time) error {
		if act.Status == access.ActivityResolved {
			return access.ErrInvalidTransition.WithSubject(id)
		}
		act.Status = access.ActivityResolved
		act.ResolvedBy = actor
		act.ResolvedAt = &now
		act.Resolution = resolution
		return nil
	})
}

// Activity returns one activity
func (m *Monitor) Activity(id string) (access.SuspiciousActivity, error) {
	m.activitiesMux.RLock()
	defer m.activitiesMux.RUnlock()
	act, ok := m.activities[id]
	if !ok {
		return access.SuspiciousActivity{}, access.ErrActivityNotFound.WithSubject(id)
	}
	return *act, nil
}

// Activities returns activities in status (all when empty), newest first
func (m *Monitor) Activities(status access.ActivityStatus) []access.SuspiciousActivity {
	m.activitiesMux.RLock()
	out := make([]access.SuspiciousActivity, 0, len(m.activities))
	for _, act := range m.activities {
		if status == "" || act.Status == status {
			out = append(out, *act)
		}
	}
	m.activitiesMux.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// OpenActivities counts activities that are not resolved
func (m *Monitor) OpenActivities() int {
	m.activitiesMux.RLock()
	defer m.activitiesMux.RUnlock()
	n := 0
	for _, act := range m.activities {
		if act.Status != access.ActivityResolved {
			n++
		}
	}
	return n
}

// RestoreActivities replaces the activity set
func (m *Monitor) RestoreActivities(activities []access.SuspiciousActivity) {
	restored := make(map[string]*access.SuspiciousActivity, len(activities))
	for i := range activities {
		act := activities[i]
		restored[act.ID] = &act
	}
	m.activitiesMux.Lock()
	m.activities = restored
	m.activitiesMux.Unlock()
}

func (m *Monitor) transition(id string, apply func(*access.SuspiciousActivity, time.Time) error) (access.SuspiciousActivity, error) {
	m.activitiesMux.Lock()
	act, ok := m.activities[id]
	if !ok {
		m.activitiesMux.Unlock()
		return access.SuspiciousActivity{}, access.ErrActivityNotFound.WithSubject(id)
	}
	if err := apply(act, m.now()); err != nil {
		m.activitiesMux.Unlock()
		return access.SuspiciousActivity{}, err
	}
	updated := *act
	m.activitiesMux.Unlock()

	m.publishActivity(EventActivityUpdated, updated)
	return updated, nil
}

func (m *Monitor) publishActivity(t EventType, act access.SuspiciousActivity) {
	if m.bus == nil {
		return
	}
	kinds := make([]string, 0, len(act.Detections))
	for _, d := range act.Detections {
		kinds = append(kinds, string(d.Kind))
	}
	m.bus.Publish(Event{
		Type:     t,
		Identity: act.Identity,
		Origin:   act.Origin,
		Payload: map[string]interface{}{
			"activity_id": act.ID,
			"status":      string(act.Status),
			"risk_score":  act.RiskScore,
			"detections":  kinds,
			"actor":       firstNonEmpty(act.ResolvedBy, act.InvestigatedBy),
		},
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
