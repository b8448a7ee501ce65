package ratelimit

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/venuescout/accessguard/pkg/access"
)

// Key identifies one request history.
type Key struct {
	Endpoint string `json:"endpoint"`
	Identity string `json:"identity"`
}

func (k Key) String() string {
	return k.Endpoint + "/" + k.Identity
}

// Entry is one counted request. Entries start as failures and are marked
// successful by Record once the caller knows the outcome.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
}

// Request is a rate-limit check. Origin is optional and only used to widen
// the block when a sensitive endpoint trips.
type Request struct {
	Endpoint string
	Identity string
	Origin   string
}

// Trip describes a rate-limit trip.
type Trip struct {
	Key          Key
	Origin       string
	Rule         access.RateLimitRule
	Trips        int
	Duration     time.Duration
	BlockedUntil time.Time
}

// OriginBlocker receives the subjects to add to the origin block set when a
// sensitive endpoint trips.
type OriginBlocker interface {
	BlockOrigin(subject, reason string, until time.Time)
}

// history is the sliding window for one Key
type history struct {
	entries      []Entry
	blockedUntil time.Time
	trips        int
	lastTrip     time.Time
	lastBlock    time.Duration
	deleted      atomic.Bool
	mutex        sync.Mutex
}

// Limiter implements sliding-window rate limiting with escalating blocks
type Limiter struct {
	rules        map[string]access.RateLimitRule
	rulesMux     sync.RWMutex
	histories    map[Key]*history
	historiesMux sync.RWMutex
	overrides    map[Key]override
	overridesMux sync.RWMutex

	blocker     OriginBlocker
	onTrip      func(Trip)
	maxBlock    time.Duration
	overrideTTL time.Duration
	trips       atomic.Int64
	logger      *logrus.Logger
	now         func() time.Time
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithOriginBlocker sets where sensitive-endpoint trips push their origins
func WithOriginBlocker(b OriginBlocker) Option {
	return func(l *Limiter) { l.blocker = b }
}

// WithTripHook registers a callback invoked for every trip, under the key's lock
func WithTripHook(fn func(Trip)) Option {
	return func(l *Limiter) { l.onTrip = fn }
}

// WithMaxBlockDuration caps escalated block durations
func WithMaxBlockDuration(d time.Duration) Option {
	return func(l *Limiter) { l.maxBlock = d }
}

// WithOverrideTTL sets how long adaptive overrides last
func WithOverrideTTL(d time.Duration) Option {
	return func(l *Limiter) { l.overrideTTL = d }
}

// WithLogger sets the logger
func WithLogger(log *logrus.Logger) Option {
	return func(l *Limiter) { l.logger = log }
}

// New creates a limiter for rules, keyed by endpoint
func New(rules map[string]access.RateLimitRule, opts ...Option) *Limiter {
	l := &Limiter{
		rules:       make(map[string]access.RateLimitRule, len(rules)),
		histories:   make(map[Key]*history),
		overrides:   make(map[Key]override),
		maxBlock:    24 * time.Hour,
		overrideTTL: time.Hour,
		logger:      logrus.StandardLogger(),
		now:         time.Now,
	}
	for endpoint, rule := range rules {
		rule.Endpoint = endpoint
		l.rules[endpoint] = rule
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetRule adds or replaces the rule for an endpoint
func (l *Limiter) SetRule(rule access.RateLimitRule) {
	l.rulesMux.Lock()
	l.rules[rule.Endpoint] = rule
	l.rulesMux.Unlock()
}

// Rule returns the shared rule for an endpoint
func (l *Limiter) Rule(endpoint string) (access.RateLimitRule, bool) {
	l.rulesMux.RLock()
	defer l.rulesMux.RUnlock()
	rule, ok := l.rules[endpoint]
	return rule, ok
}

// Rules returns all shared rules sorted by endpoint
func (l *Limiter) Rules() []access.RateLimitRule {
	l.rulesMux.RLock()
	out := make([]access.RateLimitRule, 0, len(l.rules))
	for _, r := range l.rules {
		out = append(out, r)
	}
	l.rulesMux.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// HasRule reports whether endpoint is rate limited
func (l *Limiter) HasRule(endpoint string) bool {
	_, ok := l.Rule(endpoint)
	return ok
}

// Check counts a request against its window. Requests on endpoints without a
// rule are always allowed with Remaining -1.
func (l *Limiter) Check(req Request) access.RateLimitResult {
	key := Key{Endpoint: req.Endpoint, Identity: req.Identity}
	rule, ok := l.EffectiveRule(key)
	if !ok {
		return access.RateLimitResult{Allowed: true, Remaining: -1}
	}

	h := l.lockHistory(key)
	defer h.mutex.Unlock()

	now := l.now()
	if now.Before(h.blockedUntil) {
		return l.denied(rule, h.blockedUntil, now)
	}

	h.prune(now.Add(-rule.Window))
	count := h.count(rule.SkipSuccessful)

	if count >= rule.MaxRequests {
		h.trips++
		h.lastTrip = now
		duration := escalate(rule.BlockDuration, h.trips, l.maxBlock)
		if duration < h.lastBlock {
			duration = h.lastBlock
		}
		h.lastBlock = duration
		h.blockedUntil = now.Add(duration)
		l.trips.Add(1)

		trip := Trip{
			Key:          key,
			Origin:       req.Origin,
			Rule:         rule,
			Trips:        h.trips,
			Duration:     duration,
			BlockedUntil: h.blockedUntil,
		}
		l.logger.WithFields(logrus.Fields{
			"endpoint":      key.Endpoint,
			"identity":      key.Identity,
			"trips":         h.trips,
			"blocked_until": h.blockedUntil,
		}).Warn("Rate limit tripped")

		if rule.Sensitive && l.blocker != nil {
			for _, subject := range trip.originSubjects() {
				l.blocker.BlockOrigin(subject, access.BlockReasonRateLimit, h.blockedUntil)
			}
		}
		if l.onTrip != nil {
			l.onTrip(trip)
		}
		return l.denied(rule, h.blockedUntil, now)
	}

	h.entries = append(h.entries, Entry{Timestamp: now})
	return access.RateLimitResult{
		Allowed:   true,
		Limit:     rule.MaxRequests,
		Remaining: rule.MaxRequests - count - 1,
	}
}

// Record marks the most recent entry for the key with the request outcome.
// A success also clears the escalation counter.
func (l *Limiter) Record(endpoint, identity string, success bool) {
	key := Key{Endpoint: endpoint, Identity: identity}

	l.historiesMux.RLock()
	h, exists := l.histories[key]
	l.historiesMux.RUnlock()
	if !exists {
		return
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()
	if n := len(h.entries); n > 0 {
		h.entries[n-1].Success = success
	}
	if success {
		h.trips = 0
		h.lastBlock = 0
	}
}

// Status reports the current window state without consuming quota
func (l *Limiter) Status(endpoint, identity string) access.RateLimitResult {
	key := Key{Endpoint: endpoint, Identity: identity}
	rule, ok := l.EffectiveRule(key)
	if !ok {
		return access.RateLimitResult{Allowed: true, Remaining: -1}
	}

	l.historiesMux.RLock()
	h, exists := l.histories[key]
	l.historiesMux.RUnlock()
	if !exists {
		return access.RateLimitResult{Allowed: true, Limit: rule.MaxRequests, Remaining: rule.MaxRequests}
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	now := l.now()
	if now.Before(h.blockedUntil) {
		return l.denied(rule, h.blockedUntil, now)
	}
	cutoff := now.Add(-rule.Window)
	count := 0
	for _, e := range h.entries {
		if e.Timestamp.After(cutoff) && (!rule.SkipSuccessful || !e.Success) {
			count++
		}
	}
	remaining := rule.MaxRequests - count
	if remaining < 0 {
		remaining = 0
	}
	return access.RateLimitResult{Allowed: remaining > 0, Limit: rule.MaxRequests, Remaining: remaining}
}

// Reset clears the history for a key
func (l *Limiter) Reset(endpoint, identity string) {
	key := Key{Endpoint: endpoint, Identity: identity}

	l.historiesMux.Lock()
	if h, exists := l.histories[key]; exists {
		h.deleted.Store(true)
		delete(l.histories, key)
	}
	l.historiesMux.Unlock()
}

// Trips returns the number of trips since start
func (l *Limiter) Trips() int64 {
	return l.trips.Load()
}

// Tracked returns the number of live histories
func (l *Limiter) Tracked() int {
	l.historiesMux.RLock()
	defer l.historiesMux.RUnlock()
	return len(l.histories)
}

// lockHistory returns the locked history for key, creating it if needed.
func (l *Limiter) lockHistory(key Key) *history {
	for {
		h := l.getHistory(key)
		h.mutex.Lock()
		if !h.deleted.Load() {
			return h
		}
		h.mutex.Unlock()
	}
}

// getHistory gets or creates the history for key
func (l *Limiter) getHistory(key Key) *history {
	l.historiesMux.RLock()
	h, exists := l.histories[key]
	l.historiesMux.RUnlock()

	if exists && !h.deleted.Load() {
		return h
	}

	l.historiesMux.Lock()
	defer l.historiesMux.Unlock()

	// Double-check after acquiring write lock
	if h, exists := l.histories[key]; exists && !h.deleted.Load() {
		return h
	}

	h = &history{}
	l.histories[key] = h
	return h
}

func (l *Limiter) denied(rule access.RateLimitRule, until, now time.Time) access.RateLimitResult {
	wait := until.Sub(now).Round(time.Second)
	return access.RateLimitResult{
		Allowed:    false,
		Limit:      rule.MaxRequests,
		Remaining:  0,
		RetryAfter: until,
		Reason:     access.ReasonRateLimitExceeded,
		Message:    fmt.Sprintf("Too many %s requests. Try again in %s.", rule.Endpoint, wait),
	}
}

// prune drops entries at or before cutoff. Entries are kept in time order.
func (h *history) prune(cutoff time.Time) {
	i := 0
	for i < len(h.entries) && !h.entries[i].Timestamp.After(cutoff) {
		i++
	}
	if i > 0 {
		h.entries = append(h.entries[:0], h.entries[i:]...)
	}
}

func (h *history) count(skipSuccessful bool) int {
	if !skipSuccessful {
		return len(h.entries)
	}
	n := 0
	for _, e := range h.entries {
		if !e.Success {
			n++
		}
	}
	return n
}

// originSubjects lists what a sensitive trip adds to the origin block set:
// the request origin when known, and the limited subject itself.
func (t Trip) originSubjects() []string {
	subjects := make([]string, 0, 2)
	if t.Origin != "" {
		subjects = append(subjects, t.Origin)
	}
	if t.Key.Identity != "" && t.Key.Identity != t.Origin {
		subjects = append(subjects, t.Key.Identity)
	}
	return subjects
}

// escalate doubles base for every consecutive trip after the first, capped.
// Check keeps each trip's duration at or above the previous one.
func escalate(base time.Duration, trips int, ceiling time.Duration) time.Duration {
	d := base
	for i := 1; i < trips; i++ {
		if ceiling > 0 && d >= ceiling {
			break
		}
		d *= 2
	}
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}
	return d
}
