package ratelimit

import (
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/venuescout/accessguard/pkg/access"
)

// override is a temporary, tightened copy of a shared rule for one key
type override struct {
	rule      access.RateLimitRule
	risk      int
	expiresAt time.Time
}

// tier maps a risk score floor to rule multipliers
type tier struct {
	above         int
	requestFactor float64
	blockFactor   float64
}

var riskTiers = []tier{
	{above: 80, requestFactor: 0.2, blockFactor: 5},
	{above: 60, requestFactor: 0.5, blockFactor: 2},
	{above: 40, requestFactor: 0.7, blockFactor: 1.5},
}

// countryRisk is the static geographic risk list
var countryRisk = map[string]int{
	"KP": 95,
	"IR": 85,
	"SY": 80,
	"RU": 70,
	"BY": 65,
	"NG": 55,
	"CN": 50,
	"VN": 45,
}

// CountryRisk returns the static risk score for an ISO country code
func CountryRisk(country string) int {
	return countryRisk[strings.ToUpper(strings.TrimSpace(country))]
}

// HourRisk returns the time-of-day risk score for t
func HourRisk(t time.Time) int {
	switch h := t.Hour(); {
	case h < 6:
		return 65
	case h >= 22:
		return 45
	default:
		return 0
	}
}

// Tighten derives a stricter copy of rule for a risk score. It returns false
// when the score does not warrant tightening.
func Tighten(rule access.RateLimitRule, risk int) (access.RateLimitRule, bool) {
	for _, t := range riskTiers {
		if risk > t.above {
			tightened := rule
			tightened.MaxRequests = int(math.Floor(float64(rule.MaxRequests) * t.requestFactor))
			if tightened.MaxRequests < 1 {
				tightened.MaxRequests = 1
			}
			tightened.BlockDuration = time.Duration(float64(rule.BlockDuration) * t.blockFactor)
			return tightened, true
		}
	}
	return rule, false
}

// ApplyDynamicLimit installs a temporary override for (endpoint, identity)
// derived from the risk score. The shared rule is never modified. An existing
// stricter override is kept.
func (l *Limiter) ApplyDynamicLimit(endpoint, identity string, risk int) (access.RateLimitRule, bool) {
	base, ok := l.Rule(endpoint)
	if !ok {
		return access.RateLimitRule{}, false
	}
	tightened, ok := Tighten(base, risk)
	if !ok {
		return base, false
	}

	key := Key{Endpoint: endpoint, Identity: identity}
	now := l.now()

	l.overridesMux.Lock()
	defer l.overridesMux.Unlock()

	if existing, found := l.overrides[key]; found && now.Before(existing.expiresAt) && existing.risk > risk {
		return existing.rule, true
	}
	l.overrides[key] = override{
		rule:      tightened,
		risk:      risk,
		expiresAt: now.Add(l.overrideTTL),
	}

	l.logger.WithFields(logrus.Fields{
		"endpoint":       endpoint,
		"identity":       identity,
		"risk":           risk,
		"max_requests":   tightened.MaxRequests,
		"block_duration": tightened.BlockDuration.String(),
	}).Info("Applied dynamic rate limit")

	return tightened, true
}

// ApplyGeographicLimit tightens the limit using the static country risk list
func (l *Limiter) ApplyGeographicLimit(endpoint, identity, country string) (access.RateLimitRule, bool) {
	return l.ApplyDynamicLimit(endpoint, identity, CountryRisk(country))
}

// ApplyTimeBasedLimit tightens the limit for requests at unusual hours
func (l *Limiter) ApplyTimeBasedLimit(endpoint, identity string, at time.Time) (access.RateLimitRule, bool) {
	return l.ApplyDynamicLimit(endpoint, identity, HourRisk(at))
}

// ClearDynamicLimit removes an override
func (l *Limiter) ClearDynamicLimit(endpoint, identity string) {
	l.overridesMux.Lock()
	delete(l.overrides, Key{Endpoint: endpoint, Identity: identity})
	l.overridesMux.Unlock()
}

// EffectiveRule returns the rule in force for key: the unexpired override
// if one exists, else the shared rule.
func (l *Limiter) EffectiveRule(key Key) (access.RateLimitRule, bool) {
	l.overridesMux.RLock()
	o, found := l.overrides[key]
	l.overridesMux.RUnlock()
	if found && l.now().Before(o.expiresAt) {
		return o.rule, true
	}
	return l.Rule(key.Endpoint)
}
