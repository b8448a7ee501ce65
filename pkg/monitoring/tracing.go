package monitoring

import (
	"context"
	"fmt"
	"net/http"

	"github.com/venuescout/accessguard/pkg/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingManager handles distributed tracing
type TracingManager struct {
	tracer     trace.Tracer
	provider   *sdktrace.TracerProvider
	propagator propagation.TextMapPropagator
}

// NewTracingManager exports spans to Jaeger when tracing is enabled and
// returns a no-op manager otherwise
func NewTracingManager(serviceName, serviceVersion string, cfg config.TracingConfig) (*TracingManager, error) {
	if !cfg.Enabled {
		return NoopTracing(), nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerEndpoint)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tm := newTracingManager(serviceName, cfg.SamplingRate,
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tm.provider)
	otel.SetTextMapPropagator(tm.propagator)
	return tm, nil
}

// NewTracingManagerWithExporter sends every sampled span to exp
// synchronously. Used by tests with an in-memory exporter.
func NewTracingManagerWithExporter(serviceName string, exp sdktrace.SpanExporter, samplingRate float64) *TracingManager {
	return newTracingManager(serviceName, samplingRate, sdktrace.WithSyncer(exp))
}

func newTracingManager(serviceName string, samplingRate float64, opts ...sdktrace.TracerProviderOption) *TracingManager {
	opts = append(opts, sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(samplingRate))))
	tp := sdktrace.NewTracerProvider(opts...)
	return &TracingManager{
		tracer:   tp.Tracer(serviceName),
		provider: tp,
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	}
}

// NoopTracing returns a manager whose spans are never recorded
func NoopTracing() *TracingManager {
	return &TracingManager{
		tracer: trace.NewNoopTracerProvider().Tracer("noop"),
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	}
}

// Tracer returns the tracer handed to the engine
func (tm *TracingManager) Tracer() trace.Tracer {
	return tm.tracer
}

// StartSpan starts a new span
func (tm *TracingManager) StartSpan(ctx context.Context, operationName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, operationName, opts...)
}

// StartHTTPSpan starts a server span for an HTTP route
func (tm *TracingManager) StartHTTPSpan(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, fmt.Sprintf("%s %s", method, route),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPMethod(method),
			semconv.HTTPRoute(route),
		),
	)
}

// AddSpanEvent adds an event to the span
func (tm *TracingManager) AddSpanEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// RecordError records an error in the span
func (tm *TracingManager) RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// ExtractTraceContext reads incoming trace headers into ctx
func (tm *TracingManager) ExtractTraceContext(ctx context.Context, headers http.Header) context.Context {
	return tm.propagator.Extract(ctx, propagation.HeaderCarrier(headers))
}

// InjectTraceContext writes the active trace into headers
func (tm *TracingManager) InjectTraceContext(ctx context.Context, headers http.Header) {
	tm.propagator.Inject(ctx, propagation.HeaderCarrier(headers))
}

// Shutdown flushes and stops the provider
func (tm *TracingManager) Shutdown(ctx context.Context) error {
	if tm.provider == nil {
		return nil
	}
	return tm.provider.Shutdown(ctx)
}

// TraceIDFromContext extracts trace ID from context
func (tm *TracingManager) TraceIDFromContext(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
