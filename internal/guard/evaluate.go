package guard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/venuescout/accessguard/internal/behavior"
	"github.com/venuescout/accessguard/internal/blocklist"
	"github.com/venuescout/accessguard/internal/ratelimit"
	"github.com/venuescout/accessguard/internal/rules"
	"github.com/venuescout/accessguard/pkg/access"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// evaluation carries what the post-decision bookkeeping needs
type evaluation struct {
	counted     bool
	rateLimited bool
}

// Evaluate decides one request. It never fails: contract violations and
// configuration gaps come back as denials with a reason.
func (g *Guard) Evaluate(ctx context.Context, req access.Request) access.Decision {
	_, span := g.tracer.Start(ctx, "guard.Evaluate", trace.WithAttributes(
		attribute.String("access.action", req.Action),
		attribute.String("access.identity", req.Identity),
		attribute.String("access.origin", req.Origin),
	))
	defer span.End()

	if req.Timestamp.IsZero() {
		req.Timestamp = g.now()
	}

	var (
		decision access.Decision
		ev       evaluation
	)
	subject := req.Subject()
	if subject == "" || req.Action == "" {
		decision = deny(access.ReasonInvalidRequest, "identity or origin, and action, are required")
		g.finish(req, &decision, ev)
	} else {
		unlock := g.locks.Lock(subject)
		decision, ev = g.decide(req)
		g.finish(req, &decision, ev)
		unlock()
	}

	span.SetAttributes(
		attribute.Bool("access.allowed", decision.Allowed),
		attribute.String("access.reason", decision.Reason),
		attribute.Int("access.risk_score", decision.RiskScore),
	)
	return decision
}

func deny(reason, message string) access.Decision {
	return access.Decision{Allowed: false, Reason: reason, Message: message}
}

// decide runs the checks in order; the first failing check wins
func (g *Guard) decide(req access.Request) (access.Decision, evaluation) {
	var ev evaluation
	subject := req.Subject()

	if rec, blocked := g.origins.Lookup(req.Origin); blocked {
		d := deny(access.ReasonOriginBlocked, "requests from this origin are blocked")
		d.RetryAfter = rec.UnblockAt
		return d, ev
	}
	if rec, blocked := g.identities.Lookup(req.Identity); blocked {
		d := deny(access.ReasonIdentityBlocked, "this identity is blocked")
		d.RetryAfter = rec.UnblockAt
		return d, ev
	}

	if g.limiter.HasRule(req.Action) {
		ev.counted = true
		res := g.limiter.Check(ratelimit.Request{Endpoint: req.Action, Identity: subject, Origin: req.Origin})
		if !res.Allowed {
			ev.rateLimited = true
			d := deny(access.ReasonRateLimitExceeded, res.Message)
			d.RetryAfter = res.RetryAfter
			return d, ev
		}
	}

	pol, err := g.policies.Resolve(req.Role)
	if err != nil {
		return deny(access.ReasonNoApplicablePolicy, fmt.Sprintf("no policy applies to role %q", req.Role)), ev
	}
	d := access.Decision{PolicyID: pol.ID}
	denyWith := func(reason, message string) (access.Decision, evaluation) {
		d.Allowed = false
		d.Reason = reason
		d.Message = message
		return d, ev
	}

	if !pol.Permits(req.Action) {
		return denyWith(access.ReasonPermissionDenied, fmt.Sprintf("policy %s does not permit %s", pol.ID, req.Action))
	}
	if pol.Requirements.Authentication && !req.Authenticated {
		return denyWith(access.ReasonInvalidCredentials, "authentication required")
	}
	if pol.Requirements.MFA && !req.MFAVerified {
		d.RequiresMFA = true
	}
	trusted := req.DeviceID != "" && req.Identity != "" && g.sessions.IsTrusted(req.DeviceID, req.Identity)
	if pol.Requirements.DeviceTrust && !trusted {
		d.RequiresVerification = true
	}
	if pol.Requirements.IPWhitelist && !whitelisted(pol.Requirements.Whitelist, req.Origin) {
		return denyWith(access.ReasonIPNotWhitelisted, "origin is not on the policy whitelist")
	}

	rc := rules.Context{
		Identity:      req.Identity,
		Origin:        req.Origin,
		DeviceID:      req.DeviceID,
		DeviceTrusted: trusted,
		Action:        req.Action,
		Role:          req.Role,
		Timestamp:     req.Timestamp,
		Location:      req.Location,
	}

	outcome := g.rules.EvaluateAccess(rc)
	if outcome.Denied {
		d.RuleID = outcome.DenyRule.ID
		return denyWith(outcome.DenyRule.Name, fmt.Sprintf("denied by rule %s", outcome.DenyRule.ID))
	}
	if outcome.RequiresVerification {
		d.RequiresVerification = true
	}

	detected := g.rules.Detect(rc)
	detections := append(append([]access.Detection(nil), outcome.Flags...), detected.Detections...)
	d.Detections = detections
	d.RiskScore = access.RiskScore(detections)
	if len(detections) > 0 {
		g.monitor.Flag(req.Identity, req.Origin, detections, d.RiskScore)
	}
	if detected.Critical {
		return denyWith(access.ReasonCriticalThreat, "critical threat detected")
	}
	if d.RiskScore >= g.engine.AutoBlockThreshold {
		until := g.now().Add(g.engine.AutoBlockDuration)
		g.autoBlock(req, d.RiskScore, until)
		d.RetryAfter = until
		return denyWith(access.ReasonRiskThresholdReached, fmt.Sprintf("risk score %d exceeds threshold %d", d.RiskScore, g.engine.AutoBlockThreshold))
	}

	if windows := pol.Restrictions.TimeWindows; len(windows) > 0 && !inAnyWindow(windows, req.Timestamp) {
		return denyWith(access.ReasonOutsideAllowedHours, "access is not allowed at this time")
	}
	if countries := pol.Restrictions.AllowedCountries; len(countries) > 0 && !countryAllowed(countries, req.Location) {
		return denyWith(access.ReasonLocationNotAllowed, "access is not allowed from this location")
	}

	d.Allowed = true
	d.Reason = access.ReasonGranted
	return d, ev
}

// finish records the attempt and feeds the outcome back into the profile
// and the limiter
func (g *Guard) finish(req access.Request, d *access.Decision, ev evaluation) {
	subject := req.Subject()
	result := access.AttemptDenied
	if d.Allowed {
		result = access.AttemptAllowed
	}
	endpoint := ""
	if ev.counted {
		endpoint = req.Action
	}

	attempt := g.monitor.RecordAttempt(access.Attempt{
		Identity:  req.Identity,
		Origin:    req.Origin,
		Timestamp: req.Timestamp,
		Result:    result,
		Reason:    d.Reason,
		Endpoint:  endpoint,
		Action:    req.Action,
		Resource:  req.Resource,
		DeviceID:  req.DeviceID,
		RiskScore: d.RiskScore,
	})
	d.AttemptID = attempt.ID

	if d.Allowed && req.Identity != "" {
		g.profiles.Observe(req.Identity, behavior.Observation{
			Timestamp: req.Timestamp,
			Location:  req.Location,
			DeviceID:  req.DeviceID,
		})
	}

	if !ev.counted {
		return
	}
	if !ev.rateLimited {
		g.limiter.Record(req.Action, subject, d.Allowed)
	}
	if d.RiskScore > 0 {
		g.limiter.ApplyDynamicLimit(req.Action, subject, min(100, d.RiskScore*10))
	}
}

// autoBlock blocks the identity behind a high-risk request, or its origin
// when no identity was claimed
func (g *Guard) autoBlock(req access.Request, score int, until time.Time) {
	var err error
	if req.Identity != "" {
		_, err = g.blockIdentity(req.Identity, access.BlockReasonAutoRisk, access.ActorSystem, until)
	} else {
		_, err = g.blockOrigin(req.Origin, access.BlockReasonAutoRisk, access.ActorSystem, until)
	}
	if err != nil {
		g.logger.WithError(err).WithField("subject", req.Subject()).Error("Failed to auto-block subject")
		return
	}
	g.logger.Security("auto_block", req.Subject(), map[string]interface{}{
		"risk_score": score,
		"until":      until,
	})
}

// CheckRateLimit is the pre-flight rate-limit check. It consumes quota like
// an evaluation does; callers report the outcome with RecordOutcome.
func (g *Guard) CheckRateLimit(ctx context.Context, endpoint, identity string) access.RateLimitResult {
	_, span := g.tracer.Start(ctx, "guard.CheckRateLimit", trace.WithAttributes(
		attribute.String("ratelimit.endpoint", endpoint),
	))
	defer span.End()

	if endpoint == "" || identity == "" {
		return access.RateLimitResult{
			Allowed: false,
			Reason:  access.ReasonInvalidRequest,
			Message: "endpoint and identity are required",
		}
	}

	unlock := g.locks.Lock(identity)
	defer unlock()

	if rec, blocked := g.identities.Lookup(identity); blocked {
		return access.RateLimitResult{
			Allowed:    false,
			Reason:     access.ReasonIdentityBlocked,
			Message:    "this identity is blocked",
			RetryAfter: rec.UnblockAt,
		}
	}
	res := g.limiter.Check(ratelimit.Request{Endpoint: endpoint, Identity: identity})
	span.SetAttributes(attribute.Bool("ratelimit.allowed", res.Allowed))
	return res
}

// RecordOutcome marks the latest pre-flight check for (endpoint, identity)
// as succeeded or failed
func (g *Guard) RecordOutcome(endpoint, identity string, success bool) {
	unlock := g.locks.Lock(identity)
	defer unlock()
	g.limiter.Record(endpoint, identity, success)
}

// RateLimitStatus reports the window state without consuming quota
func (g *Guard) RateLimitStatus(endpoint, identity string) access.RateLimitResult {
	return g.limiter.Status(endpoint, identity)
}

func whitelisted(entries []string, origin string) bool {
	for _, entry := range entries {
		if blocklist.MatchOrigin(entry, origin) {
			return true
		}
	}
	return false
}

func inAnyWindow(windows []access.TimeWindow, at time.Time) bool {
	for _, w := range windows {
		if w.Contains(at) {
			return true
		}
	}
	return false
}

func countryAllowed(countries []string, loc *access.Location) bool {
	if loc == nil || loc.Country == "" {
		return false
	}
	for _, c := range countries {
		if strings.EqualFold(c, loc.Country) {
			return true
		}
	}
	return false
}
