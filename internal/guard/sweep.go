package guard

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/venuescout/accessguard/internal/monitor"
	"github.com/venuescout/accessguard/pkg/access"
	"golang.org/x/sync/errgroup"
)

// Sweep names reported to the SweepObserver
const (
	SweepSessions  = "sessions"
	SweepHistory   = "history"
	SweepPatterns  = "patterns"
	SweepBlocks    = "blocks"
	SweepSnapshots = "snapshots"
)

type sweep struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) int
}

func (g *Guard) sweeps() []sweep {
	cfg := g.engine.Sweep
	return []sweep{
		{SweepSessions, orDefault(cfg.Sessions, time.Minute), g.SweepSessions},
		{SweepHistory, orDefault(cfg.History, 5*time.Minute), g.SweepHistory},
		{SweepPatterns, orDefault(cfg.Patterns, 5*time.Minute), g.SweepPatterns},
		{SweepBlocks, orDefault(cfg.Blocks, time.Minute), g.SweepBlocks},
		{SweepSnapshots, orDefault(cfg.Snapshots, 5*time.Minute), g.snapshotSweep},
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Run drives the background sweeps on independent tickers until ctx is
// cancelled. Foreground evaluation never waits on a sweep.
func (g *Guard) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, s := range g.sweeps() {
		s := s
		group.Go(func() error {
			ticker := time.NewTicker(s.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					g.runSweep(ctx, s)
				}
			}
		})
	}

	g.componentLog("guard").Info("Background sweeps started")
	err := group.Wait()
	g.componentLog("guard").Info("Background sweeps stopped")
	return err
}

func (g *Guard) runSweep(ctx context.Context, s sweep) {
	start := time.Now()
	changed := s.run(ctx)
	took := time.Since(start)

	if changed > 0 {
		g.componentLog("guard").WithFields(logrus.Fields{
			"sweep":    s.name,
			"changed":  changed,
			"duration": took.String(),
		}).Debug("Sweep completed")
	}
	if g.onSweep != nil {
		g.onSweep(s.name, took, changed)
	}
}

// SweepSessions expires overdue sessions
func (g *Guard) SweepSessions(context.Context) int {
	expired := g.sessions.Sweep()
	for _, s := range expired {
		g.publish(monitor.EventSessionTerminated, s.Identity, s.Origin, map[string]interface{}{
			"session_id": s.ID,
			"reason":     access.TerminationExpired,
		})
	}
	return len(expired)
}

// SweepHistory drops stale rate-limit windows and aged attempt state
func (g *Guard) SweepHistory(context.Context) int {
	return g.limiter.Sweep() + g.monitor.Sweep()
}

// SweepPatterns drops stale detection-pattern state
func (g *Guard) SweepPatterns(context.Context) int {
	return g.rules.Cleanup()
}

// SweepBlocks removes expired blocks
func (g *Guard) SweepBlocks(context.Context) int {
	expired := g.identities.Sweep()
	for _, rec := range expired {
		g.publish(monitor.EventIdentityUnblocked, rec.Subject, "", map[string]interface{}{"actor": access.ActorSystem, "expired": true})
	}
	origins := g.origins.Sweep()
	for _, rec := range origins {
		g.publish(monitor.EventOriginUnblocked, "", rec.Subject, map[string]interface{}{"actor": access.ActorSystem, "expired": true})
	}
	return len(expired) + len(origins)
}

func (g *Guard) snapshotSweep(ctx context.Context) int {
	if g.store == nil {
		return 0
	}
	if err := g.Snapshot(ctx); err != nil {
		return 0
	}
	return 1
}
