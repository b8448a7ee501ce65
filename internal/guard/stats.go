package guard

import (
	"github.com/venuescout/accessguard/pkg/access"
)

// GetStatistics returns a read-only snapshot for dashboards
func (g *Guard) GetStatistics() access.Statistics {
	total, allowed, denied, byReason := g.monitor.Counters()
	identityBlocks := g.identities.Active()
	originBlocks := g.origins.Active()

	return access.Statistics{
		TotalAttempts:            total,
		AllowedAttempts:          allowed,
		DeniedAttempts:           denied,
		ActiveIdentityBlocks:     identityBlocks,
		ActiveOriginBlocks:       originBlocks,
		ActiveBlocks:             identityBlocks + originBlocks,
		OpenSuspiciousActivities: g.monitor.OpenActivities(),
		ActiveSessions:           g.sessions.ActiveCount(),
		TrustedDevices:           g.sessions.TrustedCount(),
		RateLimitTrips:           g.limiter.Trips(),
		TrackedProfiles:          g.profiles.Count(),
		DenialsByReason:          byReason,
		GeneratedAt:              g.now(),
	}
}
