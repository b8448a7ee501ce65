package guard

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/venuescout/accessguard/internal/behavior"
	"github.com/venuescout/accessguard/internal/blocklist"
	"github.com/venuescout/accessguard/internal/monitor"
	"github.com/venuescout/accessguard/internal/policy"
	"github.com/venuescout/accessguard/internal/ratelimit"
	"github.com/venuescout/accessguard/internal/rules"
	"github.com/venuescout/accessguard/internal/session"
	"github.com/venuescout/accessguard/pkg/access"
	"github.com/venuescout/accessguard/pkg/config"
	"github.com/venuescout/accessguard/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const tracerName = "github.com/venuescout/accessguard/internal/guard"

// SweepObserver is told about every completed sweep
type SweepObserver func(name string, took time.Duration, changed int)

// Guard is the access control coordinator. It owns every component and is
// safe for concurrent use.
type Guard struct {
	engine config.EngineConfig

	policies   *policy.Store
	rules      *rules.Engine
	profiles   *behavior.Tracker
	limiter    *ratelimit.Limiter
	sessions   *session.Manager
	monitor    *monitor.Monitor
	identities *blocklist.List
	origins    *blocklist.List
	bus        *monitor.Bus

	store       access.Store
	locks       *keyLock
	logger      *logger.Logger
	tracer      trace.Tracer
	onSweep     SweepObserver
	storeErrLog *rate.Sometimes
	now         func() time.Time
}

// Option configures a Guard
type Option func(*Guard)

// WithClock overrides the time source of the guard and every component
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithTracer sets the tracer used for evaluation spans
func WithTracer(tracer trace.Tracer) Option {
	return func(g *Guard) { g.tracer = tracer }
}

// WithSweepObserver registers a callback for sweep timings
func WithSweepObserver(fn SweepObserver) Option {
	return func(g *Guard) { g.onSweep = fn }
}

// New builds a guard from configuration. store may be nil, in which case
// nothing is persisted.
func New(cfg *config.Config, store access.Store, log *logger.Logger, opts ...Option) *Guard {
	g := &Guard{
		engine:      cfg.Engine,
		store:       store,
		locks:       newKeyLock(),
		logger:      log,
		tracer:      otel.Tracer(tracerName),
		storeErrLog: &rate.Sometimes{First: 1, Interval: 30 * time.Second},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.engine.AutoBlockThreshold <= 0 {
		g.engine.AutoBlockThreshold = 8
	}
	if g.engine.AutoBlockDuration <= 0 {
		g.engine.AutoBlockDuration = 24 * time.Hour
	}

	base := log.Logger
	g.bus = monitor.NewBus(cfg.Engine.EventBuffer, base)
	g.monitor = monitor.New(monitor.Config{
		MaxRecentAttempts: cfg.Engine.MaxRecentAttempts,
		Retention:         cfg.Engine.AttemptRetention,
	}, g.bus, base, monitor.WithClock(g.now))

	trackerConfig := behavior.DefaultConfig()
	if cfg.Engine.LocationMergeKm > 0 {
		trackerConfig.MergeDistanceKm = cfg.Engine.LocationMergeKm
	}
	if cfg.Engine.AnomalyDistanceKm > 0 {
		trackerConfig.AnomalyDistanceKm = cfg.Engine.AnomalyDistanceKm
	}
	g.profiles = behavior.NewTracker(trackerConfig, base)

	g.rules = rules.NewEngine(rules.Config{
		FanoutCacheSize: cfg.Engine.FanoutCacheSize,
		FanoutTTL:       cfg.Engine.FanoutTTL,
	}, g.profiles, g.monitor, base, rules.WithClock(g.now))

	g.policies = policy.NewStore(base)
	g.identities = blocklist.New(access.BlockIdentity, blocklist.WithClock(g.now))
	g.origins = blocklist.New(access.BlockOrigin, blocklist.WithClock(g.now))
	g.sessions = session.NewManager(base,
		session.WithClock(g.now),
		session.WithTimeout(cfg.Engine.SessionTimeout),
	)

	limiterOpts := []ratelimit.Option{
		ratelimit.WithClock(g.now),
		ratelimit.WithLogger(base),
		ratelimit.WithOriginBlocker(tripBlocker{g}),
		ratelimit.WithTripHook(g.tripped),
	}
	if cfg.Engine.MaxBlockDuration > 0 {
		limiterOpts = append(limiterOpts, ratelimit.WithMaxBlockDuration(cfg.Engine.MaxBlockDuration))
	}
	if cfg.Engine.DynamicLimitTTL > 0 {
		limiterOpts = append(limiterOpts, ratelimit.WithOverrideTTL(cfg.Engine.DynamicLimitTTL))
	}
	g.limiter = ratelimit.New(cfg.RateLimits, limiterOpts...)

	return g
}

// Bus returns the event bus. Subscribers must be attached before traffic
// starts to see every event.
func (g *Guard) Bus() *monitor.Bus {
	return g.bus
}

// Now returns the engine clock
func (g *Guard) Now() time.Time {
	return g.now()
}

// Close stops event delivery
func (g *Guard) Close() {
	g.bus.Close()
}

// tripBlocker adapts rate-limit trips on sensitive endpoints to origin blocks
type tripBlocker struct {
	g *Guard
}

func (b tripBlocker) BlockOrigin(subject, reason string, until time.Time) {
	if _, err := b.g.blockOrigin(subject, reason, access.ActorSystem, until); err != nil {
		b.g.logger.WithError(err).WithField("origin", subject).Error("Failed to block origin after rate limit trip")
	}
}

func (g *Guard) tripped(trip ratelimit.Trip) {
	g.bus.Publish(monitor.Event{
		Type:     monitor.EventRateLimitTripped,
		Identity: trip.Key.Identity,
		Origin:   trip.Origin,
		Payload: map[string]interface{}{
			"endpoint":      trip.Key.Endpoint,
			"trips":         trip.Trips,
			"duration":      trip.Duration.String(),
			"blocked_until": trip.BlockedUntil,
			"sensitive":     trip.Rule.Sensitive,
		},
	})
}

func (g *Guard) publish(t monitor.EventType, identity, origin string, payload map[string]interface{}) {
	g.bus.Publish(monitor.Event{Type: t, Identity: identity, Origin: origin, Payload: payload})
}

func (g *Guard) publishTerminated(sessions []access.Session) {
	for _, s := range sessions {
		g.publish(monitor.EventSessionTerminated, s.Identity, s.Origin, map[string]interface{}{
			"session_id": s.ID,
			"device_id":  s.DeviceID,
			"reason":     s.TerminationReason,
		})
	}
}

func (g *Guard) componentLog(component string) *logrus.Entry {
	return g.logger.WithComponent(component)
}
