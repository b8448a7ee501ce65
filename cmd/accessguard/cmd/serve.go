package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/venuescout/accessguard/internal/audit"
	"github.com/venuescout/accessguard/internal/gateway"
	"github.com/venuescout/accessguard/internal/guard"
	"github.com/venuescout/accessguard/internal/identity"
	"github.com/venuescout/accessguard/internal/policy"
	"github.com/venuescout/accessguard/internal/storage"
	"github.com/venuescout/accessguard/pkg/config"
	"github.com/venuescout/accessguard/pkg/logger"
	"github.com/venuescout/accessguard/pkg/monitoring"
	"golang.org/x/sync/errgroup"
)

const serviceName = "accessguard"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP decision service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadFile(configFile)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.New(cfg.LogLevel)
	log.WithField("version", gateway.Version).Info("Starting accessguard")

	tracing, err := monitoring.NewTracingManager(serviceName, gateway.Version, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Failed to flush traces")
		}
	}()
	metrics := monitoring.NewMetricsCollector(serviceName, nil)

	store, backend, err := storage.Open(ctx, cfg, log.Logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer backend.Close()
	store.OnError(metrics.RecordStoreError)

	g := guard.New(cfg, store, log,
		guard.WithTracer(tracing.Tracer()),
		guard.WithSweepObserver(func(name string, took time.Duration, changed int) {
			metrics.RecordSweep(name, took, changed)
		}),
	)
	defer g.Close()

	if err := g.Restore(ctx); err != nil {
		log.WithError(err).Warn("Failed to restore snapshot, starting empty")
	}
	if cfg.PolicyFile != "" {
		doc, err := policy.LoadFile(cfg.PolicyFile)
		if err != nil {
			return err
		}
		if err := g.ApplyDocument(ctx, doc); err != nil {
			return fmt.Errorf("failed to apply %s: %w", cfg.PolicyFile, err)
		}
	}

	sink, sinkCloser, err := audit.Open(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open audit sink: %w", err)
	}
	defer sinkCloser.Close()
	metered := audit.MeteredSink{Next: sink, Record: metrics.RecordAuditEvent}
	audit.NewForwarder(metered, cfg.Audit.Timeout, log.Logger).Attach(g.Bus(), "audit")
	gateway.AttachMetrics(g.Bus(), metrics)

	health := monitoring.NewHealthManager(serviceName, gateway.Version)
	health.RegisterChecker("store", monitoring.NewPingHealthChecker(store))
	health.RegisterChecker("store_breaker", monitoring.NewBreakerHealthChecker(store.State))

	tokens := identity.NewTokenIssuer(cfg.JWT)
	directory := identity.NewDirectory(cfg.Users, log.Logger)
	svc := gateway.NewService(cfg.Server, g, tokens, log, gateway.Options{
		Directory: directory,
		Metrics:   metrics,
		Health:    health,
		Tracing:   tracing,
	})

	group, runCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return svc.Start(runCtx) })
	group.Go(func() error { return g.Run(runCtx) })
	group.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return nil
			case <-ticker.C:
				metrics.ObserveStatistics(g.GetStatistics())
			}
		}
	})
	if cfg.PolicyFile != "" && cfg.WatchPolicies {
		group.Go(func() error {
			return policy.Watch(runCtx, cfg.PolicyFile, log.Logger, func(doc *policy.Document) error {
				return g.ApplyDocument(runCtx, doc)
			})
		})
	}

	err = group.Wait()

	snapshotCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if snapErr := g.Snapshot(snapshotCtx); snapErr != nil {
		log.WithError(snapErr).Error("Final snapshot failed")
	}
	log.Info("accessguard stopped")
	return err
}
