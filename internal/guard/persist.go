package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/venuescout/accessguard/internal/ratelimit"
	"github.com/venuescout/accessguard/internal/rules"
	"github.com/venuescout/accessguard/pkg/access"
	"go.opentelemetry.io/otel/codes"
)

// persist writes one record best effort. Failures are logged, throttled,
// and never returned.
func (g *Guard) persist(ctx context.Context, key string, value interface{}) {
	if err := g.write(ctx, key, value); err != nil {
		g.storeFailed("set", key, err)
	}
}

func (g *Guard) write(ctx context.Context, key string, value interface{}) error {
	if g.store == nil {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return g.store.Set(ctx, key, data)
}

func (g *Guard) read(ctx context.Context, key string, into interface{}) (bool, error) {
	if g.store == nil {
		return false, nil
	}
	data, found, err := g.store.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(data, into); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

func (g *Guard) storeFailed(op, key string, err error) {
	g.storeErrLog.Do(func() {
		g.logger.WithError(err).WithFields(logrus.Fields{
			"op":  op,
			"key": key,
		}).Error("Store call failed; continuing in memory")
	})
}

// Snapshot writes the whole engine state to the store. Every key is
// attempted; the joined error reports the ones that failed.
func (g *Guard) Snapshot(ctx context.Context) error {
	ctx, span := g.tracer.Start(ctx, "guard.Snapshot")
	defer span.End()

	sessions, devices := g.sessions.Snapshot()
	records := []struct {
		key   string
		value interface{}
	}{
		{access.StoreKeyPolicies, g.policies.List()},
		{access.StoreKeyAccessRules, g.rules.AccessRules()},
		{access.StoreKeyDetectionRules, g.rules.DetectionRules()},
		{access.StoreKeyProfiles, g.profiles.Snapshot()},
		{access.StoreKeySessions, sessions},
		{access.StoreKeyDevices, devices},
		{access.StoreKeyIdentityBlocks, g.identities.Records()},
		{access.StoreKeyOriginBlocks, g.origins.Records()},
		{access.StoreKeyRateLimits, g.limiter.Snapshot()},
		{access.StoreKeyActivities, g.monitor.Activities("")},
	}

	var errs []error
	for _, r := range records {
		if err := g.write(ctx, r.key, r.value); err != nil {
			g.storeFailed("set", r.key, err)
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "snapshot incomplete")
		return err
	}
	return nil
}

// Restore loads state written by Snapshot. Missing keys leave the
// component as it is. Invalid stored policies or rules are reported and
// skipped; everything else is still restored.
func (g *Guard) Restore(ctx context.Context) error {
	ctx, span := g.tracer.Start(ctx, "guard.Restore")
	defer span.End()

	var errs []error
	load := func(key string, into interface{}, apply func()) {
		found, err := g.read(ctx, key, into)
		if err != nil {
			g.storeFailed("get", key, err)
			errs = append(errs, err)
			return
		}
		if found {
			apply()
		}
	}

	var policies []access.Policy
	load(access.StoreKeyPolicies, &policies, func() {
		if err := g.policies.Replace(policies); err != nil {
			errs = append(errs, err)
		}
	})

	var accessRules []access.AccessRule
	load(access.StoreKeyAccessRules, &accessRules, func() {
		if err := g.rules.ReplaceAccessRules(accessRules); err != nil {
			errs = append(errs, err)
		}
	})

	var detectionRules []access.DetectionRule
	load(access.StoreKeyDetectionRules, &detectionRules, func() {
		if err := g.rules.ReplaceDetectionRules(detectionRules); err != nil {
			errs = append(errs, err)
			return
		}
		g.monitor.SetFailureWindow(rules.FailureWindow(detectionRules))
	})

	var profiles []access.BehaviorProfile
	load(access.StoreKeyProfiles, &profiles, func() { g.profiles.Restore(profiles) })

	var identityBlocks, originBlocks []access.BlockRecord
	load(access.StoreKeyIdentityBlocks, &identityBlocks, func() { g.identities.Restore(identityBlocks) })
	load(access.StoreKeyOriginBlocks, &originBlocks, func() { g.origins.Restore(originBlocks) })

	var sessions []access.Session
	var devices []access.TrustedDevice
	_, sessionErr := g.read(ctx, access.StoreKeySessions, &sessions)
	_, deviceErr := g.read(ctx, access.StoreKeyDevices, &devices)
	if err := errors.Join(sessionErr, deviceErr); err != nil {
		g.storeFailed("get", access.StoreKeySessions, err)
		errs = append(errs, err)
	} else if len(sessions) > 0 || len(devices) > 0 {
		g.sessions.Restore(sessions, devices)
	}

	var history []ratelimit.HistoryRecord
	load(access.StoreKeyRateLimits, &history, func() { g.limiter.Restore(history) })

	var activities []access.SuspiciousActivity
	load(access.StoreKeyActivities, &activities, func() { g.monitor.RestoreActivities(activities) })

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "restore incomplete")
		return err
	}
	g.componentLog("guard").WithFields(logrus.Fields{
		"policies":        len(policies),
		"profiles":        len(profiles),
		"sessions":        len(sessions),
		"identity_blocks": len(identityBlocks),
		"origin_blocks":   len(originBlocks),
	}).Info("Restored state from store")
	return nil
}
