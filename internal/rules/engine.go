package rules

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"github.com/venuescout/accessguard/internal/behavior"
	"github.com/venuescout/accessguard/pkg/access"
)

// Context is what rule predicates see of a request
type Context struct {
	Identity      string
	Origin        string
	DeviceID      string
	DeviceTrusted bool
	Action        string
	Role          string
	Timestamp     time.Time
	Location      *access.Location
}

func (c Context) observation() behavior.Observation {
	return behavior.Observation{Timestamp: c.Timestamp, Location: c.Location, DeviceID: c.DeviceID}
}

// ProfileSource supplies behavior baselines to detection patterns
type ProfileSource interface {
	Assess(identity string, obs behavior.Observation) behavior.Assessment
	LastSighting(identity string) (behavior.Sighting, bool)
}

// AttemptSource counts recent denied attempts by identity or origin
type AttemptSource interface {
	FailuresSince(key string, since time.Time) int
}

// AccessOutcome is the result of the access rule pass
type AccessOutcome struct {
	Denied               bool
	DenyRule             *access.AccessRule
	RequiresVerification bool
	VerificationRules    []string
	Flags                []access.Detection
	Evaluated            []string
}

// DetectionOutcome is the result of the detection pass
type DetectionOutcome struct {
	Detections []access.Detection
	Score      int
	Critical   bool
}

// Config holds engine limits
type Config struct {
	FanoutCacheSize int
	FanoutTTL       time.Duration
}

// Engine evaluates access rules in priority order and detection rules
// unconditionally
type Engine struct {
	accessRules    []access.AccessRule
	detectionRules []access.DetectionRule
	rulesMux       sync.RWMutex

	profiles ProfileSource
	attempts AttemptSource

	// origin -> identity -> last seen
	fanout    *expirable.LRU[string, map[string]time.Time]
	fanoutMux sync.Mutex
	fanoutTTL time.Duration

	logger *logrus.Logger
	now    func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine with no rules
func NewEngine(config Config, profiles ProfileSource, attempts AttemptSource, logger *logrus.Logger, opts ...Option) *Engine {
	if config.FanoutCacheSize <= 0 {
		config.FanoutCacheSize = 10000
	}
	if config.FanoutTTL <= 0 {
		config.FanoutTTL = time.Hour
	}
	e := &Engine{
		profiles:  profiles,
		attempts:  attempts,
		fanout:    expirable.NewLRU[string, map[string]time.Time](config.FanoutCacheSize, nil, config.FanoutTTL),
		fanoutTTL: config.FanoutTTL,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ReplaceAccessRules validates and installs a new access rule set
func (e *Engine) ReplaceAccessRules(rules []access.AccessRule) error {
	if err := ValidateAccessRules(rules); err != nil {
		return err
	}
	sorted := append([]access.AccessRule(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].ID < sorted[j].ID
	})

	e.rulesMux.Lock()
	e.accessRules = sorted
	e.rulesMux.Unlock()

	e.logger.WithField("count", len(sorted)).Info("Access rules replaced")
	return nil
}

// ReplaceDetectionRules validates and installs a new detection rule set
func (e *Engine) ReplaceDetectionRules(rules []access.DetectionRule) error {
	if err := ValidateDetectionRules(rules); err != nil {
		return err
	}
	cp := append([]access.DetectionRule(nil), rules...)

	e.rulesMux.Lock()
	e.detectionRules = cp
	e.rulesMux.Unlock()

	e.logger.WithField("count", len(cp)).Info("Detection rules replaced")
	return nil
}

// AccessRules returns the installed access rules in evaluation order
func (e *Engine) AccessRules() []access.AccessRule {
	e.rulesMux.RLock()
	defer e.rulesMux.RUnlock()
	return append([]access.AccessRule(nil), e.accessRules...)
}

// DetectionRules returns the installed detection rules
func (e *Engine) DetectionRules() []access.DetectionRule {
	e.rulesMux.RLock()
	defer e.rulesMux.RUnlock()
	return append([]access.DetectionRule(nil), e.detectionRules...)
}

// EvaluateAccess runs enabled access rules in ascending priority. The first
// matching deny rule stops evaluation.
func (e *Engine) EvaluateAccess(c Context) AccessOutcome {
	e.rulesMux.RLock()
	rules := e.accessRules
	e.rulesMux.RUnlock()

	var out AccessOutcome
	for i := range rules {
		rule := rules[i]
		if !rule.Enabled {
			continue
		}
		out.Evaluated = append(out.Evaluated, rule.ID)

		if !conditions[rule.Condition.Kind](rule.Condition, c) {
			continue
		}

		switch rule.Action {
		case access.RuleActionDeny:
			out.Denied = true
			out.DenyRule = &rule
			return out
		case access.RuleActionRequireVerification:
			out.RequiresVerification = true
			out.VerificationRules = append(out.VerificationRules, rule.ID)
		case access.RuleActionFlagSuspicious:
			out.Flags = append(out.Flags, access.Detection{
				RuleID:   rule.ID,
				RuleName: rule.Name,
				Severity: access.SeverityLow,
				Detail:   fmt.Sprintf("access rule %s matched", rule.Name),
			})
		}
	}
	return out
}

// Detect evaluates every enabled detection rule and sums the risk score
func (e *Engine) Detect(c Context) DetectionOutcome {
	e.rulesMux.RLock()
	rules := e.detectionRules
	e.rulesMux.RUnlock()

	e.observeOrigin(c)

	var out DetectionOutcome
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		matched, detail := patterns[rule.Pattern.Kind](e, rule.Pattern, c)
		if !matched {
			continue
		}
		out.Detections = append(out.Detections, access.Detection{
			RuleID:   rule.ID,
			RuleName: rule.Name,
			Kind:     rule.Pattern.Kind,
			Severity: rule.Severity,
			Detail:   detail,
		})
		if rule.Severity == access.SeverityCritical {
			out.Critical = true
		}
	}
	out.Score = access.RiskScore(out.Detections)

	if len(out.Detections) > 0 {
		e.logger.WithFields(logrus.Fields{
			"identity":   c.Identity,
			"origin":     c.Origin,
			"detections": len(out.Detections),
			"risk_score": out.Score,
		}).Debug("Detection rules matched")
	}
	return out
}

// Cleanup drops fan-out sightings older than the fan-out TTL
func (e *Engine) Cleanup() int {
	cutoff := e.now().Add(-e.fanoutTTL)
	removed := 0

	e.fanoutMux.Lock()
	defer e.fanoutMux.Unlock()

	for _, origin := range e.fanout.Keys() {
		seen, ok := e.fanout.Peek(origin)
		if !ok {
			continue
		}
		for identity, at := range seen {
			if at.Before(cutoff) {
				delete(seen, identity)
				removed++
			}
		}
		if len(seen) == 0 {
			e.fanout.Remove(origin)
		}
	}
	return removed
}

// TrackedOrigins returns the number of origins held for fan-out detection
func (e *Engine) TrackedOrigins() int {
	return e.fanout.Len()
}

func (e *Engine) observeOrigin(c Context) {
	if c.Origin == "" || c.Identity == "" {
		return
	}
	e.fanoutMux.Lock()
	defer e.fanoutMux.Unlock()

	seen, ok := e.fanout.Get(c.Origin)
	if !ok {
		seen = make(map[string]time.Time)
	}
	seen[c.Identity] = c.Timestamp
	e.fanout.Add(c.Origin, seen)
}

func (e *Engine) distinctIdentities(origin string, since time.Time) int {
	e.fanoutMux.Lock()
	defer e.fanoutMux.Unlock()

	seen, ok := e.fanout.Peek(origin)
	if !ok {
		return 0
	}
	n := 0
	for _, at := range seen {
		if !at.Before(since) {
			n++
		}
	}
	return n
}
