package rules

import (
	"fmt"
	"math"
	"time"

	"github.com/venuescout/accessguard/internal/behavior"
	"github.com/venuescout/accessguard/pkg/access"
)

// Defaults applied when a pattern leaves a parameter unset
const (
	DefaultFailureThreshold = 5
	DefaultFailureWindow    = 15 * time.Minute
	DefaultFanoutThreshold  = 10
	DefaultFanoutWindow     = 10 * time.Minute
	DefaultMaxSpeedKmh      = 900
)

type patternFunc func(e *Engine, p access.Pattern, c Context) (bool, string)

var patterns = map[access.PatternKind]patternFunc{
	access.PatternUnusualLocation:  unusualLocation,
	access.PatternOffHoursAccess:   offHoursAccess,
	access.PatternNewDevice:        newDevice,
	access.PatternRepeatedFailures: repeatedFailures,
	access.PatternOriginFanout:     originFanout,
	access.PatternImpossibleTravel: impossibleTravel,
}

func unusualLocation(e *Engine, _ access.Pattern, c Context) (bool, string) {
	if e.profiles == nil || c.Location == nil {
		return false, ""
	}
	a := e.profiles.Assess(c.Identity, c.observation())
	if !a.UnusualLocation {
		return false, ""
	}
	return true, fmt.Sprintf("%.0f km from nearest typical location", a.NearestKm)
}

func offHoursAccess(e *Engine, _ access.Pattern, c Context) (bool, string) {
	if e.profiles == nil {
		return false, ""
	}
	if !e.profiles.Assess(c.Identity, c.observation()).UnusualHour {
		return false, ""
	}
	return true, fmt.Sprintf("hour %02d not in typical hours", c.Timestamp.Hour())
}

func newDevice(e *Engine, _ access.Pattern, c Context) (bool, string) {
	if c.DeviceID == "" || e.profiles == nil {
		return false, ""
	}
	if !e.profiles.Assess(c.Identity, c.observation()).NewDevice {
		return false, ""
	}
	return true, fmt.Sprintf("device %s not seen before", c.DeviceID)
}

// FailureWindow returns the longest window any enabled repeated_failures
// rule looks back over, or zero when no such rule exists
func FailureWindow(detectionRules []access.DetectionRule) time.Duration {
	var longest time.Duration
	for _, r := range detectionRules {
		if !r.Enabled || r.Pattern.Kind != access.PatternRepeatedFailures {
			continue
		}
		window := r.Pattern.Window
		if window <= 0 {
			window = DefaultFailureWindow
		}
		longest = max(longest, window)
	}
	return longest
}

func repeatedFailures(e *Engine, p access.Pattern, c Context) (bool, string) {
	if e.attempts == nil {
		return false, ""
	}
	threshold, window := p.Threshold, p.Window
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if window <= 0 {
		window = DefaultFailureWindow
	}
	key := c.Identity
	if key == "" {
		key = c.Origin
	}
	n := e.attempts.FailuresSince(key, c.Timestamp.Add(-window))
	if n < threshold {
		return false, ""
	}
	return true, fmt.Sprintf("%d failed attempts in %s", n, window)
}

func originFanout(e *Engine, p access.Pattern, c Context) (bool, string) {
	if c.Origin == "" {
		return false, ""
	}
	threshold, window := p.Threshold, p.Window
	if threshold <= 0 {
		threshold = DefaultFanoutThreshold
	}
	if window <= 0 {
		window = DefaultFanoutWindow
	}
	n := e.distinctIdentities(c.Origin, c.Timestamp.Add(-window))
	if n < threshold {
		return false, ""
	}
	return true, fmt.Sprintf("%d identities from %s in %s", n, c.Origin, window)
}

func impossibleTravel(e *Engine, p access.Pattern, c Context) (bool, string) {
	if e.profiles == nil || c.Location == nil {
		return false, ""
	}
	last, ok := e.profiles.LastSighting(c.Identity)
	if !ok {
		return false, ""
	}
	maxSpeed := p.MaxSpeedKmh
	if maxSpeed <= 0 {
		maxSpeed = DefaultMaxSpeedKmh
	}

	dist := behavior.DistanceKm(last.Location.Latitude, last.Location.Longitude, c.Location.Latitude, c.Location.Longitude)
	hours := math.Max(c.Timestamp.Sub(last.At).Hours(), 1.0/3600)
	speed := dist / hours
	if speed <= maxSpeed {
		return false, ""
	}
	return true, fmt.Sprintf("%.0f km in %s (%.0f km/h)", dist, c.Timestamp.Sub(last.At).Round(time.Second), speed)
}
