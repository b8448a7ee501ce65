package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/venuescout/accessguard/pkg/logger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// RequestIDHeader carries the request ID in and out
const RequestIDHeader = "X-Request-ID"

// RequestIDKey is the gin context key holding the request ID
const RequestIDKey = "request_id"

// MonitoringMiddleware combines metrics, tracing, and logging
type MonitoringMiddleware struct {
	metrics *MetricsCollector
	tracing *TracingManager
	logger  *logger.Logger
}

// NewMonitoringMiddleware creates a new monitoring middleware
func NewMonitoringMiddleware(metrics *MetricsCollector, tracing *TracingManager, log *logger.Logger) *MonitoringMiddleware {
	if tracing == nil {
		tracing = NoopTracing()
	}
	return &MonitoringMiddleware{
		metrics: metrics,
		tracing: tracing,
		logger:  log,
	}
}

// Handler traces, measures and logs every request
func (mm *MonitoringMiddleware) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(RequestIDKey, requestID)
		c.Header(RequestIDHeader, requestID)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		ctx := mm.tracing.ExtractTraceContext(c.Request.Context(), c.Request.Header)
		ctx, span := mm.tracing.StartHTTPSpan(ctx, c.Request.Method, route)
		defer span.End()
		span.SetAttributes(attribute.String("request.id", requestID))
		mm.tracing.InjectTraceContext(ctx, c.Writer.Header())

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		duration := time.Since(start)

		span.SetAttributes(semconv.HTTPStatusCode(status))
		if status >= 500 {
			span.SetStatus(codes.Error, strconv.Itoa(status))
		}

		if mm.metrics != nil {
			mm.metrics.RecordHTTPRequest(c.Request.Method, route, strconv.Itoa(status), duration)
		}

		mm.logger.HTTPRequest(ctx, c.Request.Method, c.Request.URL.Path, c.ClientIP(), status, duration.Milliseconds())
	}
}
