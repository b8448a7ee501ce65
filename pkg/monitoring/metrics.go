package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/venuescout/accessguard/pkg/access"
)

// MetricsCollector handles Prometheus metrics collection
type MetricsCollector struct {
	serviceName string
	gatherer    prometheus.Gatherer

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	decisionsTotal      *prometheus.CounterVec
	rateLimitTrips      *prometheus.CounterVec
	blockChanges        *prometheus.CounterVec
	activeBlocks        *prometheus.GaugeVec
	activeSessions      prometheus.Gauge
	openActivities      prometheus.Gauge
	sweepDuration       *prometheus.HistogramVec
	sweepChanged        *prometheus.CounterVec
	storeErrors         *prometheus.CounterVec
	auditEventsTotal    *prometheus.CounterVec
}

// NewMetricsCollector registers the collectors on reg. A nil registry uses
// a fresh one.
func NewMetricsCollector(serviceName string, reg *prometheus.Registry) *MetricsCollector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	constLabels := prometheus.Labels{"service": serviceName}

	m := &MetricsCollector{
		serviceName: serviceName,
		gatherer:    reg,

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: constLabels,
			},
			[]string{"method", "endpoint", "status_code"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "Duration of HTTP requests in seconds",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: constLabels,
			},
			[]string{"method", "endpoint"},
		),
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "access_decisions_total",
				Help:        "Access decisions by result and reason",
				ConstLabels: constLabels,
			},
			[]string{"result", "reason"},
		),
		rateLimitTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "rate_limit_trips_total",
				Help:        "Rate limit trips by endpoint",
				ConstLabels: constLabels,
			},
			[]string{"endpoint"},
		),
		blockChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "block_changes_total",
				Help:        "Blocks added and lifted by kind",
				ConstLabels: constLabels,
			},
			[]string{"kind", "change"},
		),
		activeBlocks: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "active_blocks",
				Help:        "Blocks currently in force by kind",
				ConstLabels: constLabels,
			},
			[]string{"kind"},
		),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "active_sessions",
			Help:        "Sessions currently active",
			ConstLabels: constLabels,
		}),
		openActivities: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "open_suspicious_activities",
			Help:        "Suspicious activities not yet resolved",
			ConstLabels: constLabels,
		}),
		sweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "sweep_duration_seconds",
				Help:        "Duration of background sweeps in seconds",
				Buckets:     []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
				ConstLabels: constLabels,
			},
			[]string{"sweep"},
		),
		sweepChanged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "sweep_changed_total",
				Help:        "Entries removed or expired by background sweeps",
				ConstLabels: constLabels,
			},
			[]string{"sweep"},
		),
		storeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "store_errors_total",
				Help:        "Failed snapshot store calls by operation",
				ConstLabels: constLabels,
			},
			[]string{"op"},
		),
		auditEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "audit_events_total",
				Help:        "Total number of audit events",
				ConstLabels: constLabels,
			},
			[]string{"event_type", "success"},
		),
	}

	reg.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.decisionsTotal,
		m.rateLimitTrips,
		m.blockChanges,
		m.activeBlocks,
		m.activeSessions,
		m.openActivities,
		m.sweepDuration,
		m.sweepChanged,
		m.storeErrors,
		m.auditEventsTotal,
	)
	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *MetricsCollector) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordDecision counts one access decision
func (m *MetricsCollector) RecordDecision(result, reason string) {
	m.decisionsTotal.WithLabelValues(result, reason).Inc()
}

// RecordRateLimitTrip counts a rate limit trip
func (m *MetricsCollector) RecordRateLimitTrip(endpoint string) {
	m.rateLimitTrips.WithLabelValues(endpoint).Inc()
}

// RecordBlockChange counts a block being added or lifted
func (m *MetricsCollector) RecordBlockChange(kind access.BlockKind, added bool) {
	change := "lifted"
	if added {
		change = "added"
	}
	m.blockChanges.WithLabelValues(string(kind), change).Inc()
}

// RecordSweep records one background sweep run
func (m *MetricsCollector) RecordSweep(name string, took time.Duration, changed int) {
	m.sweepDuration.WithLabelValues(name).Observe(took.Seconds())
	if changed > 0 {
		m.sweepChanged.WithLabelValues(name).Add(float64(changed))
	}
}

// RecordStoreError counts a failed store call
func (m *MetricsCollector) RecordStoreError(op string, _ error) {
	m.storeErrors.WithLabelValues(op).Inc()
}

// RecordAuditEvent records audit event metrics
func (m *MetricsCollector) RecordAuditEvent(eventType string, success bool) {
	m.auditEventsTotal.WithLabelValues(eventType, strconv.FormatBool(success)).Inc()
}

// ObserveStatistics copies the engine gauges from a statistics snapshot
func (m *MetricsCollector) ObserveStatistics(stats access.Statistics) {
	m.activeBlocks.WithLabelValues(string(access.BlockIdentity)).Set(float64(stats.ActiveIdentityBlocks))
	m.activeBlocks.WithLabelValues(string(access.BlockOrigin)).Set(float64(stats.ActiveOriginBlocks))
	m.activeSessions.Set(float64(stats.ActiveSessions))
	m.openActivities.Set(float64(stats.OpenSuspiciousActivities))
}

// Gatherer exposes the registry, mostly for tests
func (m *MetricsCollector) Gatherer() prometheus.Gatherer {
	return m.gatherer
}

// Handler returns the Prometheus metrics HTTP handler
func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
