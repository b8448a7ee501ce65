package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/venuescout/accessguard/internal/monitor"
	"github.com/venuescout/accessguard/internal/policy"
	"github.com/venuescout/accessguard/internal/ratelimit"
	"github.com/venuescout/accessguard/internal/rules"
	"github.com/venuescout/accessguard/internal/session"
	"github.com/venuescout/accessguard/pkg/access"
)

// until converts an administrative block duration to an unblock time. Zero
// means permanent.
func (g *Guard) until(duration time.Duration) time.Time {
	if duration <= 0 {
		return time.Time{}
	}
	return g.now().Add(duration)
}

// BlockIdentity blocks identity and terminates its sessions before
// returning. Blocking again refreshes reason, actor and unblock time.
func (g *Guard) BlockIdentity(ctx context.Context, identity, reason, actor string, duration time.Duration) (access.BlockRecord, error) {
	if reason == "" {
		reason = access.BlockReasonAdministrator
	}
	return g.blockIdentity(identity, reason, actor, g.until(duration))
}

func (g *Guard) blockIdentity(identity, reason, actor string, until time.Time) (access.BlockRecord, error) {
	rec, err := g.identities.Block(identity, reason, actor, until)
	if err != nil {
		return access.BlockRecord{}, err
	}
	terminated := g.sessions.TerminateIdentity(rec.Subject, access.TerminationIdentityBlock)

	g.componentLog("guard").WithField("identity", rec.Subject).WithField("reason", reason).
		WithField("sessions_terminated", len(terminated)).Warn("Identity blocked")
	g.publish(monitor.EventIdentityBlocked, rec.Subject, "", blockPayload(rec, len(terminated)))
	g.publishTerminated(terminated)
	return rec, nil
}

// UnblockIdentity lifts a block and clears the identity's rate-limit
// windows. It fails with ErrNotBlocked when no block is in force.
func (g *Guard) UnblockIdentity(ctx context.Context, identity, actor string) (access.BlockRecord, error) {
	rec, err := g.identities.Unblock(identity)
	if err != nil {
		return access.BlockRecord{}, err
	}
	for _, rule := range g.limiter.Rules() {
		g.limiter.Reset(rule.Endpoint, rec.Subject)
	}
	g.publish(monitor.EventIdentityUnblocked, rec.Subject, "", map[string]interface{}{"actor": actor})
	return rec, nil
}

// BlockOrigin blocks an address, a CIDR prefix or an opaque origin token
// and terminates every session whose origin it covers before returning
func (g *Guard) BlockOrigin(ctx context.Context, origin, reason, actor string, duration time.Duration) (access.BlockRecord, error) {
	if reason == "" {
		reason = access.BlockReasonAdministrator
	}
	return g.blockOrigin(origin, reason, actor, g.until(duration))
}

func (g *Guard) blockOrigin(origin, reason, actor string, until time.Time) (access.BlockRecord, error) {
	rec, err := g.origins.Block(origin, reason, actor, until)
	if err != nil {
		return access.BlockRecord{}, err
	}
	terminated := g.sessions.TerminateMatching(func(s *access.Session) bool {
		return s.Origin != "" && g.origins.Covers(rec.Subject, s.Origin)
	}, access.TerminationOriginBlock)

	g.componentLog("guard").WithField("origin", rec.Subject).WithField("reason", reason).
		WithField("sessions_terminated", len(terminated)).Warn("Origin blocked")
	g.publish(monitor.EventOriginBlocked, "", rec.Subject, blockPayload(rec, len(terminated)))
	g.publishTerminated(terminated)
	return rec, nil
}

// UnblockOrigin lifts an origin block. The subject must match the blocked
// subject; unblocking one address does not carve it out of a blocked prefix.
func (g *Guard) UnblockOrigin(ctx context.Context, origin, actor string) (access.BlockRecord, error) {
	rec, err := g.origins.Unblock(origin)
	if err != nil {
		return access.BlockRecord{}, err
	}
	g.publish(monitor.EventOriginUnblocked, "", rec.Subject, map[string]interface{}{"actor": actor})
	return rec, nil
}

// IdentityBlock returns the block in force for identity
func (g *Guard) IdentityBlock(identity string) (access.BlockRecord, bool) {
	return g.identities.Lookup(identity)
}

// OriginBlock returns the block in force covering origin
func (g *Guard) OriginBlock(origin string) (access.BlockRecord, bool) {
	return g.origins.Lookup(origin)
}

// Blocks lists the active blocks of one kind
func (g *Guard) Blocks(kind access.BlockKind) []access.BlockRecord {
	if kind == access.BlockOrigin {
		return g.origins.Records()
	}
	return g.identities.Records()
}

func blockPayload(rec access.BlockRecord, terminated int) map[string]interface{} {
	payload := map[string]interface{}{
		"reason":              rec.Reason,
		"actor":               rec.Actor,
		"sessions_terminated": terminated,
	}
	if !rec.UnblockAt.IsZero() {
		payload["unblock_at"] = rec.UnblockAt
	}
	return payload
}

// RegisterDevice trusts a device for an identity
func (g *Guard) RegisterDevice(ctx context.Context, req session.DeviceRequest) (access.TrustedDevice, error) {
	dev, err := g.sessions.RegisterDevice(req)
	if err != nil {
		return access.TrustedDevice{}, err
	}
	g.publish(monitor.EventDeviceRegistered, dev.Identity, "", map[string]interface{}{
		"device_id": dev.ID,
		"name":      dev.Name,
	})
	return dev, nil
}

// RevokeDevice withdraws trust and terminates the device's sessions in the
// same step
func (g *Guard) RevokeDevice(ctx context.Context, id, reason, actor string) (access.TrustedDevice, error) {
	dev, terminated, err := g.sessions.RevokeDevice(id, reason, actor)
	if err != nil {
		return access.TrustedDevice{}, err
	}
	g.publish(monitor.EventDeviceRevoked, dev.Identity, "", map[string]interface{}{
		"device_id":           dev.ID,
		"reason":              reason,
		"actor":               actor,
		"sessions_terminated": len(terminated),
	})
	g.publishTerminated(terminated)
	return dev, nil
}

// Device returns a registered device
func (g *Guard) Device(id string) (access.TrustedDevice, error) {
	return g.sessions.Device(id)
}

// CreateSession opens a session unless the identity or origin is blocked.
// The block check is repeated after creation so a block that lands
// concurrently still ends the session.
func (g *Guard) CreateSession(ctx context.Context, req session.CreateRequest) (access.Session, error) {
	if g.blocked(req.Identity, req.Origin) {
		return access.Session{}, access.ErrSubjectBlocked.WithSubject(req.Identity)
	}
	s, err := g.sessions.Create(req)
	if err != nil {
		return access.Session{}, err
	}
	if g.blocked(req.Identity, req.Origin) {
		g.sessions.Terminate(s.ID, access.TerminationIdentityBlock)
		return access.Session{}, access.ErrSubjectBlocked.WithSubject(req.Identity)
	}
	g.publish(monitor.EventSessionCreated, s.Identity, s.Origin, map[string]interface{}{
		"session_id": s.ID,
		"device_id":  s.DeviceID,
		"expires_at": s.ExpiresAt,
	})
	return s, nil
}

func (g *Guard) blocked(identity, origin string) bool {
	return g.identities.IsBlocked(identity) || g.origins.IsBlocked(origin)
}

// ValidateSession checks a session and records activity on it
func (g *Guard) ValidateSession(ctx context.Context, id string) (access.Session, error) {
	return g.sessions.Validate(id)
}

// ExtendSession pushes a session's expiry out by one timeout
func (g *Guard) ExtendSession(ctx context.Context, id string) (access.Session, error) {
	return g.sessions.Extend(id)
}

// Session returns a session without touching it
func (g *Guard) Session(id string) (access.Session, error) {
	return g.sessions.Get(id)
}

// TerminateSession ends a session. Terminating an ended session is a no-op.
func (g *Guard) TerminateSession(ctx context.Context, id, reason string) (access.Session, error) {
	if reason == "" {
		reason = access.TerminationLogout
	}
	s, err := g.sessions.Terminate(id, reason)
	if err != nil {
		return access.Session{}, err
	}
	g.publishTerminated([]access.Session{s})
	return s, nil
}

// InvestigateActivity moves a flagged activity to investigated
func (g *Guard) InvestigateActivity(ctx context.Context, id, actor string) (access.SuspiciousActivity, error) {
	return g.monitor.Investigate(id, actor)
}

// ResolveActivity closes an activity
func (g *Guard) ResolveActivity(ctx context.Context, id, actor, resolution string) (access.SuspiciousActivity, error) {
	return g.monitor.Resolve(id, actor, resolution)
}

// Activities lists suspicious activities in status, all when empty
func (g *Guard) Activities(status access.ActivityStatus) []access.SuspiciousActivity {
	return g.monitor.Activities(status)
}

// RecentAttempts lists logged attempts, newest first
func (g *Guard) RecentAttempts(filter monitor.AttemptFilter) []access.Attempt {
	return g.monitor.RecentAttempts(filter)
}

// Profile returns the behavior profile of identity
func (g *Guard) Profile(identity string) (access.BehaviorProfile, bool) {
	return g.profiles.Profile(identity)
}

// ReplacePolicies validates and installs a new policy list
func (g *Guard) ReplacePolicies(ctx context.Context, policies []access.Policy) error {
	if err := g.policies.Replace(policies); err != nil {
		return err
	}
	g.publish(monitor.EventPoliciesReplaced, "", "", map[string]interface{}{"count": len(policies)})
	g.persist(ctx, access.StoreKeyPolicies, g.policies.List())
	return nil
}

// Policies returns the installed policies
func (g *Guard) Policies() []access.Policy {
	return g.policies.List()
}

// ReplaceRules validates both rule sets and installs them. Nothing is
// installed when either set is invalid.
func (g *Guard) ReplaceRules(ctx context.Context, accessRules []access.AccessRule, detectionRules []access.DetectionRule) error {
	if err := errors.Join(
		rules.ValidateAccessRules(accessRules),
		rules.ValidateDetectionRules(detectionRules),
	); err != nil {
		return fmt.Errorf("rule validation failed: %w", err)
	}
	if err := g.rules.ReplaceAccessRules(accessRules); err != nil {
		return err
	}
	if err := g.rules.ReplaceDetectionRules(detectionRules); err != nil {
		return err
	}
	g.monitor.SetFailureWindow(rules.FailureWindow(detectionRules))
	g.publish(monitor.EventRulesReplaced, "", "", map[string]interface{}{
		"access_rules":    len(accessRules),
		"detection_rules": len(detectionRules),
	})
	g.persist(ctx, access.StoreKeyAccessRules, g.rules.AccessRules())
	g.persist(ctx, access.StoreKeyDetectionRules, g.rules.DetectionRules())
	return nil
}

// ApplyDocument installs a policy document: policies, both rule sets and
// rate-limit rules. The document is validated as a whole first.
func (g *Guard) ApplyDocument(ctx context.Context, doc *policy.Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	if err := g.ReplacePolicies(ctx, doc.Policies); err != nil {
		return err
	}
	if err := g.ReplaceRules(ctx, doc.AccessRules, doc.DetectionRules); err != nil {
		return err
	}
	for endpoint, rule := range doc.RateLimits {
		rule.Endpoint = endpoint
		g.limiter.SetRule(rule)
	}
	g.componentLog("guard").WithField("policies", len(doc.Policies)).
		WithField("rate_limits", len(doc.RateLimits)).Info("Applied policy document")
	return nil
}

// RateLimitRules returns the shared rate-limit rules
func (g *Guard) RateLimitRules() []access.RateLimitRule {
	return g.limiter.Rules()
}

// Adjustment names the signals that tighten a rate limit for one subject.
// Each signal is applied separately; the strictest override wins.
type Adjustment struct {
	Risk      int
	Country   string
	TimeBased bool
}

// TightenRateLimit installs temporary overrides for (endpoint, subject) and
// returns the rule now in force. Nothing changes when no signal warrants it.
func (g *Guard) TightenRateLimit(ctx context.Context, endpoint, subject, actor string, adj Adjustment) (access.RateLimitRule, bool, error) {
	if subject == "" {
		return access.RateLimitRule{}, false, access.ErrInvalidSubject
	}
	if !g.limiter.HasRule(endpoint) {
		return access.RateLimitRule{}, false, access.ErrNoRateLimit.WithSubject(endpoint)
	}

	unlock := g.locks.Lock(subject)
	defer unlock()

	var applied bool
	if adj.Risk > 0 {
		_, ok := g.limiter.ApplyDynamicLimit(endpoint, subject, adj.Risk)
		applied = applied || ok
	}
	if adj.Country != "" {
		_, ok := g.limiter.ApplyGeographicLimit(endpoint, subject, adj.Country)
		applied = applied || ok
	}
	if adj.TimeBased {
		_, ok := g.limiter.ApplyTimeBasedLimit(endpoint, subject, g.now())
		applied = applied || ok
	}

	rule, _ := g.limiter.EffectiveRule(ratelimit.Key{Endpoint: endpoint, Identity: subject})
	if applied {
		g.componentLog("guard").WithField("endpoint", endpoint).WithField("subject", subject).
			WithField("actor", actor).WithField("max_requests", rule.MaxRequests).Info("Rate limit tightened")
	}
	return rule, applied, nil
}
