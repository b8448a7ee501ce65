package access

import (
	"time"
)

// Location is a geographic fix attached to a request.
type Location struct {
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
	Country   string  `json:"country,omitempty" yaml:"country"`
	City      string  `json:"city,omitempty" yaml:"city"`
}

// Request is the input to an access evaluation.
type Request struct {
	Identity      string            `json:"identity"`
	Origin        string            `json:"origin"`
	Role          string            `json:"role"`
	Action        string            `json:"action"`
	Resource      string            `json:"resource,omitempty"`
	DeviceID      string            `json:"device_id,omitempty"`
	Location      *Location         `json:"location,omitempty"`
	Authenticated bool              `json:"authenticated"`
	MFAVerified   bool              `json:"mfa_verified"`
	Timestamp     time.Time         `json:"timestamp"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// Subject returns the key evaluation state is attributed to: the identity, or
// the origin when no identity was claimed.
func (r *Request) Subject() string {
	if r.Identity != "" {
		return r.Identity
	}
	return r.Origin
}

// Decision is the result of an access evaluation.
type Decision struct {
	Allowed              bool        `json:"allowed"`
	RequiresMFA          bool        `json:"requires_mfa"`
	RequiresVerification bool        `json:"requires_verification"`
	Reason               string      `json:"reason"`
	Message              string      `json:"message,omitempty"`
	PolicyID             string      `json:"policy_id,omitempty"`
	RuleID               string      `json:"rule_id,omitempty"`
	RiskScore            int         `json:"risk_score"`
	RetryAfter           time.Time   `json:"retry_after,omitempty"`
	Detections           []Detection `json:"detections,omitempty"`
	AttemptID            string      `json:"attempt_id"`
}

// Requirements lists what a policy demands of a request.
type Requirements struct {
	Authentication bool     `json:"authentication" yaml:"authentication"`
	MFA            bool     `json:"mfa" yaml:"mfa"`
	DeviceTrust    bool     `json:"device_trust" yaml:"device_trust"`
	IPWhitelist    bool     `json:"ip_whitelist" yaml:"ip_whitelist"`
	Whitelist      []string `json:"whitelist,omitempty" yaml:"whitelist"`
}

// TimeWindow allows access on the listed weekdays between StartHour
// (inclusive) and EndHour (exclusive). An empty Days list means every day.
// EndHour below StartHour wraps past midnight.
type TimeWindow struct {
	Days      []time.Weekday `json:"days,omitempty" yaml:"days"`
	StartHour int            `json:"start_hour" yaml:"start_hour"`
	EndHour   int            `json:"end_hour" yaml:"end_hour"`
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	if len(w.Days) > 0 {
		match := false
		for _, d := range w.Days {
			if d == t.Weekday() {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	return HourInRange(t.Hour(), w.StartHour, w.EndHour)
}

// HourInRange reports whether hour is in [start, end), wrapping past midnight
// when end < start. start == end covers the whole day.
func HourInRange(hour, start, end int) bool {
	if start == end {
		return true
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// Restrictions bound when and where a policy grants access.
type Restrictions struct {
	TimeWindows      []TimeWindow `json:"time_windows,omitempty" yaml:"time_windows"`
	AllowedCountries []string     `json:"allowed_countries,omitempty" yaml:"allowed_countries"`
}

// Policy maps roles to permissions, requirements and restrictions.
type Policy struct {
	ID           string       `json:"id" yaml:"id"`
	Name         string       `json:"name" yaml:"name"`
	Roles        []string     `json:"roles" yaml:"roles"`
	Permissions  []string     `json:"permissions" yaml:"permissions"`
	Requirements Requirements `json:"requirements" yaml:"requirements"`
	Restrictions Restrictions `json:"restrictions" yaml:"restrictions"`
	Enabled      bool         `json:"enabled" yaml:"enabled"`
	Default      bool         `json:"default" yaml:"default"`
}

// HasRole reports whether the policy applies to role.
func (p *Policy) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Permits reports whether the policy grants action.
func (p *Policy) Permits(action string) bool {
	for _, perm := range p.Permissions {
		if perm == PermissionAny || perm == action {
			return true
		}
	}
	return false
}

// RuleAction is what an access or detection rule does when it matches.
type RuleAction string

const (
	RuleActionDeny                RuleAction = "deny"
	RuleActionRequireVerification RuleAction = "require_verification"
	RuleActionFlagSuspicious      RuleAction = "flag_suspicious"
)

// ConditionKind enumerates access rule predicates.
type ConditionKind string

const (
	ConditionAlways          ConditionKind = "always"
	ConditionOriginIn        ConditionKind = "origin_in"
	ConditionActionIn        ConditionKind = "action_in"
	ConditionRoleIn          ConditionKind = "role_in"
	ConditionHourOutside     ConditionKind = "hour_outside"
	ConditionUntrustedDevice ConditionKind = "untrusted_device"
	ConditionCountryIn       ConditionKind = "country_in"
)

// Condition is a tagged predicate. Values applies to the *_in kinds;
// StartHour and EndHour to hour_outside.
type Condition struct {
	Kind      ConditionKind `json:"kind" yaml:"kind"`
	Values    []string      `json:"values,omitempty" yaml:"values"`
	StartHour int           `json:"start_hour,omitempty" yaml:"start_hour"`
	EndHour   int           `json:"end_hour,omitempty" yaml:"end_hour"`
}

// AccessRule is evaluated in ascending priority order.
type AccessRule struct {
	ID        string     `json:"id" yaml:"id"`
	Name      string     `json:"name" yaml:"name"`
	Priority  int        `json:"priority" yaml:"priority"`
	Enabled   bool       `json:"enabled" yaml:"enabled"`
	Condition Condition  `json:"condition" yaml:"condition"`
	Action    RuleAction `json:"action" yaml:"action"`
}

// PatternKind enumerates detection predicates.
type PatternKind string

const (
	PatternUnusualLocation  PatternKind = "unusual_location"
	PatternOffHoursAccess   PatternKind = "off_hours_access"
	PatternNewDevice        PatternKind = "new_device"
	PatternRepeatedFailures PatternKind = "repeated_failures"
	PatternOriginFanout     PatternKind = "origin_fanout"
	PatternImpossibleTravel PatternKind = "impossible_travel"
)

// Pattern is a tagged detection predicate. Threshold and Window apply to
// repeated_failures and origin_fanout, MaxSpeedKmh to impossible_travel.
type Pattern struct {
	Kind        PatternKind   `json:"kind" yaml:"kind"`
	Threshold   int           `json:"threshold,omitempty" yaml:"threshold"`
	Window      time.Duration `json:"window,omitempty" yaml:"window"`
	MaxSpeedKmh float64       `json:"max_speed_kmh,omitempty" yaml:"max_speed_kmh"`
}

// Severity of a detection.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Weight is the contribution of the severity to a risk score.
func (s Severity) Weight() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 3
	case SeverityHigh:
		return 5
	case SeverityCritical:
		return 10
	default:
		return 0
	}
}

// RiskScore sums the severity weights of detections.
func RiskScore(detections []Detection) int {
	score := 0
	for _, d := range detections {
		score += d.Severity.Weight()
	}
	return score
}

// DetectionRule is evaluated on every request; matches accumulate.
type DetectionRule struct {
	ID       string     `json:"id" yaml:"id"`
	Name     string     `json:"name" yaml:"name"`
	Enabled  bool       `json:"enabled" yaml:"enabled"`
	Pattern  Pattern    `json:"pattern" yaml:"pattern"`
	Severity Severity   `json:"severity" yaml:"severity"`
	Action   RuleAction `json:"action" yaml:"action"`
}

// Detection is one matched detection rule.
type Detection struct {
	RuleID   string      `json:"rule_id"`
	RuleName string      `json:"rule_name"`
	Kind     PatternKind `json:"kind"`
	Severity Severity    `json:"severity"`
	Detail   string      `json:"detail,omitempty"`
}

// AttemptResult is the outcome of an evaluation.
type AttemptResult string

const (
	AttemptAllowed AttemptResult = "allowed"
	AttemptDenied  AttemptResult = "denied"
)

// Attempt records one evaluation.
type Attempt struct {
	ID        string        `json:"id"`
	Identity  string        `json:"identity"`
	Origin    string        `json:"origin"`
	Timestamp time.Time     `json:"timestamp"`
	Result    AttemptResult `json:"result"`
	Reason    string        `json:"reason"`
	Endpoint  string        `json:"endpoint"`
	Action    string        `json:"action"`
	Resource  string        `json:"resource,omitempty"`
	DeviceID  string        `json:"device_id,omitempty"`
	RiskScore int           `json:"risk_score"`
}

// ActivityStatus is the lifecycle of a suspicious activity.
type ActivityStatus string

const (
	ActivityFlagged      ActivityStatus = "flagged"
	ActivityInvestigated ActivityStatus = "investigated"
	ActivityResolved     ActivityStatus = "resolved"
)

// SuspiciousActivity groups the detections raised by one request.
type SuspiciousActivity struct {
	ID             string         `json:"id"`
	Identity       string         `json:"identity"`
	Origin         string         `json:"origin"`
	Timestamp      time.Time      `json:"timestamp"`
	Detections     []Detection    `json:"detections"`
	RiskScore      int            `json:"risk_score"`
	Status         ActivityStatus `json:"status"`
	InvestigatedBy string         `json:"investigated_by,omitempty"`
	InvestigatedAt *time.Time     `json:"investigated_at,omitempty"`
	ResolvedBy     string         `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	Resolution     string         `json:"resolution,omitempty"`
}

// LocationStat is a typical location with how often it was seen.
type LocationStat struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Country   string    `json:"country,omitempty"`
	Count     int64     `json:"count"`
	LastSeen  time.Time `json:"last_seen"`
}

// BehaviorProfile accumulates what is normal for an identity.
type BehaviorProfile struct {
	Identity       string           `json:"identity"`
	HourCounts     [24]int64        `json:"hour_counts"`
	Locations      []LocationStat   `json:"locations"`
	Devices        map[string]int64 `json:"devices"`
	Observations   int64            `json:"observations"`
	FirstSeen      time.Time        `json:"first_seen"`
	LastSeen       time.Time        `json:"last_seen"`
	LastLocation   *Location        `json:"last_location,omitempty"`
	LastLocationAt time.Time        `json:"last_location_at,omitempty"`
}

// TypicalHours returns the hours of day seen at least once.
func (p *BehaviorProfile) TypicalHours() []int {
	hours := make([]int, 0, 24)
	for h, n := range p.HourCounts {
		if n > 0 {
			hours = append(hours, h)
		}
	}
	return hours
}

// SessionState is the lifecycle of a session.
type SessionState string

const (
	SessionCreated    SessionState = "created"
	SessionActive     SessionState = "active"
	SessionExpired    SessionState = "expired"
	SessionTerminated SessionState = "terminated"
)

// Session binds an identity to a device and origin for a bounded time.
type Session struct {
	ID                string       `json:"id"`
	Identity          string       `json:"identity"`
	DeviceID          string       `json:"device_id,omitempty"`
	Origin            string       `json:"origin,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	LastActivity      time.Time    `json:"last_activity"`
	ExpiresAt         time.Time    `json:"expires_at"`
	Active            bool         `json:"active"`
	State             SessionState `json:"state"`
	TerminationReason string       `json:"termination_reason,omitempty"`
}

// TrustedDevice is a device registered for one identity.
type TrustedDevice struct {
	ID           string     `json:"id"`
	Identity     string     `json:"identity"`
	Name         string     `json:"name,omitempty"`
	Trusted      bool       `json:"trusted"`
	RegisteredAt time.Time  `json:"registered_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	RevokedBy    string     `json:"revoked_by,omitempty"`
	RevokeReason string     `json:"revoke_reason,omitempty"`
}

// RateLimitRule bounds requests per endpoint.
type RateLimitRule struct {
	Endpoint       string        `json:"endpoint" yaml:"endpoint" mapstructure:"endpoint"`
	Window         time.Duration `json:"window" yaml:"window" mapstructure:"window"`
	MaxRequests    int           `json:"max_requests" yaml:"max_requests" mapstructure:"max_requests"`
	BlockDuration  time.Duration `json:"block_duration" yaml:"block_duration" mapstructure:"block_duration"`
	SkipSuccessful bool          `json:"skip_successful" yaml:"skip_successful" mapstructure:"skip_successful"`
	Sensitive      bool          `json:"sensitive" yaml:"sensitive" mapstructure:"sensitive"`
}

// RateLimitResult is returned by rate-limit checks.
type RateLimitResult struct {
	Allowed    bool      `json:"allowed"`
	Remaining  int       `json:"remaining"`
	Limit      int       `json:"limit"`
	RetryAfter time.Time `json:"retry_after,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// BlockKind distinguishes the two block sets.
type BlockKind string

const (
	BlockIdentity BlockKind = "identity"
	BlockOrigin   BlockKind = "origin"
)

// BlockRecord is an entry in a block set. A zero UnblockAt is permanent.
type BlockRecord struct {
	Subject   string    `json:"subject"`
	Kind      BlockKind `json:"kind"`
	Reason    string    `json:"reason"`
	Actor     string    `json:"actor"`
	BlockedAt time.Time `json:"blocked_at"`
	UnblockAt time.Time `json:"unblock_at,omitempty"`
}

// ActiveAt reports whether the block is in force at t.
func (b *BlockRecord) ActiveAt(t time.Time) bool {
	return b.UnblockAt.IsZero() || t.Before(b.UnblockAt)
}

// Statistics is a read-only snapshot for dashboards.
type Statistics struct {
	TotalAttempts            int64            `json:"total_attempts"`
	AllowedAttempts          int64            `json:"allowed_attempts"`
	DeniedAttempts           int64            `json:"denied_attempts"`
	ActiveIdentityBlocks     int              `json:"active_identity_blocks"`
	ActiveOriginBlocks       int              `json:"active_origin_blocks"`
	ActiveBlocks             int              `json:"active_blocks"`
	OpenSuspiciousActivities int              `json:"open_suspicious_activities"`
	ActiveSessions           int              `json:"active_sessions"`
	TrustedDevices           int              `json:"trusted_devices"`
	RateLimitTrips           int64            `json:"rate_limit_trips"`
	TrackedProfiles          int              `json:"tracked_profiles"`
	DenialsByReason          map[string]int64 `json:"denials_by_reason"`
	GeneratedAt              time.Time        `json:"generated_at"`
}
