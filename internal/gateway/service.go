package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/venuescout/accessguard/internal/guard"
	"github.com/venuescout/accessguard/internal/identity"
	"github.com/venuescout/accessguard/pkg/config"
	"github.com/venuescout/accessguard/pkg/logger"
	"github.com/venuescout/accessguard/pkg/monitoring"
)

// Service exposes the engine over HTTP
type Service struct {
	guard      *guard.Guard
	tokens     *identity.TokenIssuer
	directory  *identity.Directory
	metrics    *monitoring.MetricsCollector
	health     *monitoring.HealthManager
	monitoring *monitoring.MonitoringMiddleware
	adminRoles map[string]bool
	router     *gin.Engine
	server     *http.Server
	logger     *logger.Logger
}

// Options carries the optional collaborators of the service
type Options struct {
	Directory *identity.Directory
	Metrics   *monitoring.MetricsCollector
	Health    *monitoring.HealthManager
	Tracing   *monitoring.TracingManager
}

// NewService builds the router around g
func NewService(cfg config.ServerConfig, g *guard.Guard, tokens *identity.TokenIssuer, log *logger.Logger, opts Options) *Service {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	if opts.Metrics == nil {
		opts.Metrics = monitoring.NewMetricsCollector("accessguard", nil)
	}
	if opts.Health == nil {
		opts.Health = monitoring.NewHealthManager("accessguard", Version)
	}
	if opts.Directory == nil {
		opts.Directory = identity.NewDirectory(nil, log.Logger)
	}

	roles := cfg.AdminRoles
	if len(roles) == 0 {
		roles = []string{"admin"}
	}
	adminRoles := make(map[string]bool, len(roles))
	for _, r := range roles {
		adminRoles[r] = true
	}

	s := &Service{
		guard:      g,
		tokens:     tokens,
		directory:  opts.Directory,
		metrics:    opts.Metrics,
		health:     opts.Health,
		monitoring: monitoring.NewMonitoringMiddleware(opts.Metrics, opts.Tracing, log),
		adminRoles: adminRoles,
		router:     gin.New(),
		logger:     log,
	}
	s.router.UseRawPath = true
	s.router.UnescapePathValues = true
	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Version is reported by the health endpoint
var Version = "dev"

// Handler returns the HTTP handler
func (s *Service) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Service) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithComponent("gateway").WithField("addr", s.server.Addr).Info("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server failed: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	s.logger.WithComponent("gateway").Info("HTTP server stopped")
	return nil
}

func (s *Service) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.monitoring.Handler())
	s.router.Use(securityHeaders())
	s.router.Use(s.bearerAuth())
}

func (s *Service) setupRoutes() {
	s.router.GET("/health", s.health.GinHandler())
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	v1 := s.router.Group("/v1")
	{
		v1.POST("/auth/login", s.handleLogin)
		v1.POST("/access/evaluate", s.handleEvaluate)

		v1.GET("/ratelimit/:endpoint/:identity", s.handleRateLimitStatus)
		v1.POST("/ratelimit/check", s.handleRateLimitCheck)
		v1.POST("/ratelimit/outcome", s.handleRateLimitOutcome)

		authed := v1.Group("")
		authed.Use(s.requireAuth())
		{
			authed.POST("/devices", s.handleRegisterDevice)
			authed.GET("/devices/:id", s.handleGetDevice)
			authed.DELETE("/devices/:id", s.handleRevokeDevice)

			authed.POST("/sessions", s.handleCreateSession)
			authed.GET("/sessions/:id", s.handleValidateSession)
			authed.POST("/sessions/:id/extend", s.handleExtendSession)
			authed.DELETE("/sessions/:id", s.handleTerminateSession)
		}

		admin := v1.Group("/admin")
		admin.Use(s.requireAuth(), s.requireAdmin())
		{
			admin.GET("/stats", s.handleStatistics)
			admin.POST("/snapshot", s.handleSnapshot)

			admin.GET("/blocks", s.handleListBlocks)
			admin.POST("/identities/:identity/block", s.handleBlockIdentity)
			admin.DELETE("/identities/:identity/block", s.handleUnblockIdentity)
			admin.POST("/origins/:origin/block", s.handleBlockOrigin)
			admin.DELETE("/origins/:origin/block", s.handleUnblockOrigin)

			admin.GET("/activities", s.handleListActivities)
			admin.POST("/activities/:id/investigate", s.handleInvestigateActivity)
			admin.POST("/activities/:id/resolve", s.handleResolveActivity)
			admin.GET("/attempts", s.handleListAttempts)
			admin.GET("/profiles/:identity", s.handleGetProfile)

			admin.GET("/policies", s.handleListPolicies)
			admin.PUT("/policies", s.handleReplacePolicies)
			admin.PUT("/rules", s.handleReplaceRules)
			admin.GET("/ratelimits", s.handleListRateLimits)
			admin.POST("/ratelimits/:endpoint/tighten", s.handleTightenRateLimit)
		}

		v1.GET("/stats", s.requireAuth(), s.requireAdmin(), s.handleStatistics)
	}
}
