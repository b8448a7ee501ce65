package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/venuescout/accessguard/pkg/access"
	"github.com/venuescout/accessguard/pkg/config"
	"github.com/venuescout/accessguard/pkg/logger"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestMetricsCollector(t *testing.T) {
	m := NewMetricsCollector("accessguard", prometheus.NewRegistry())

	m.RecordDecision("denied", access.ReasonRateLimitExceeded)
	m.RecordDecision("denied", access.ReasonRateLimitExceeded)
	m.RecordDecision("allowed", access.ReasonGranted)
	m.RecordRateLimitTrip(access.EndpointLogin)
	m.RecordBlockChange(access.BlockOrigin, true)
	m.RecordSweep("sessions", 2*time.Millisecond, 3)
	m.RecordSweep("sessions", time.Millisecond, 0)
	m.RecordStoreError("set", errors.New("down"))
	m.ObserveStatistics(access.Statistics{ActiveIdentityBlocks: 2, ActiveOriginBlocks: 1, ActiveSessions: 7})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.decisionsTotal.WithLabelValues("denied", access.ReasonRateLimitExceeded)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimitTrips.WithLabelValues(access.EndpointLogin)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.blockChanges.WithLabelValues("origin", "added")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.sweepChanged.WithLabelValues("sessions")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeErrors.WithLabelValues("set")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.activeBlocks.WithLabelValues("identity")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.activeSessions))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `access_decisions_total{reason="granted",result="allowed",service="accessguard"} 1`)
}

func TestMetricsCollector_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetricsCollector("a", nil)
		NewMetricsCollector("a", nil)
	})
}

func TestHealthManager(t *testing.T) {
	hm := NewHealthManager("accessguard", "test")
	hm.RegisterChecker("store", NewPingHealthChecker(pingerFunc(func(context.Context) error { return nil })))

	state := gobreaker.StateClosed
	hm.RegisterChecker("breaker", NewBreakerHealthChecker(func() gobreaker.State { return state }))

	report := hm.CheckHealth(context.Background())
	assert.Equal(t, HealthStatusHealthy, report.Status)
	require.Len(t, report.Checks, 2)
	assert.Equal(t, "breaker", report.Checks[0].Name)

	state = gobreaker.StateOpen
	assert.Equal(t, HealthStatusDegraded, hm.CheckHealth(context.Background()).Status)

	hm.RegisterChecker("store", NewPingHealthChecker(pingerFunc(func(context.Context) error { return errors.New("refused") })))
	report = hm.CheckHealth(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, report.Status)
	assert.Equal(t, 1, report.Summary[string(HealthStatusUnhealthy)])

	router := gin.New()
	router.GET("/health", hm.GinHandler())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthManager_Timeout(t *testing.T) {
	hm := NewHealthManager("accessguard", "test")
	hm.SetTimeout(10 * time.Millisecond)
	hm.RegisterChecker("slow", NewPingHealthChecker(pingerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})))

	report := hm.CheckHealth(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, report.Status)
	assert.Contains(t, report.Checks[0].Message, "deadline exceeded")
}

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestMonitoringMiddleware(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tracing := NewTracingManagerWithExporter("accessguard", exporter, 1)
	defer tracing.Shutdown(context.Background())

	metrics := NewMetricsCollector("accessguard", nil)
	var logs strings.Builder
	mw := NewMonitoringMiddleware(metrics, tracing, logger.NewWithOutput("info", &logs))

	router := gin.New()
	router.Use(mw.Handler())
	router.GET("/v1/sessions/:id", func(c *gin.Context) {
		assert.NotEmpty(t, tracing.TraceIDFromContext(c.Request.Context()))
		c.Status(http.StatusOK)
	})
	router.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/abc", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	router.ServeHTTP(rec, req)

	assert.Equal(t, "req-1", rec.Header().Get(RequestIDHeader))
	assert.NotEmpty(t, rec.Header().Get("Traceparent"))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/v1/sessions/:id", "200")))
	assert.Contains(t, logs.String(), `"path":"/v1/sessions/abc"`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "GET /v1/sessions/:id", spans[0].Name)
	assert.Equal(t, codes.Error, spans[1].Status.Code)
}

func TestNewTracingManager_Disabled(t *testing.T) {
	tm, err := NewTracingManager("accessguard", "test", config.TracingConfig{})
	require.NoError(t, err)

	ctx, span := tm.StartSpan(context.Background(), "noop")
	span.End()
	assert.Empty(t, tm.TraceIDFromContext(ctx))
	assert.NoError(t, tm.Shutdown(context.Background()))
}
