// Package telemetry wires OpenTelemetry tracing and metrics into the
// core.Telemetry interface, the way the teacher framework's telemetry
// module does for its agents: spans go to stdout in development and to
// OTLP/gRPC when an endpoint is configured. Metrics are collected on an
// in-process manual reader and are not exported.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/oceanic-passage/orchestrator/core"
)

// Provider implements core.Telemetry with an OpenTelemetry tracer and
// meter. Use NewProvider to build one; it owns the underlying SDK
// providers and must be Shutdown when the process exits.
type Provider struct {
	tracer        trace.Tracer
	meter         metric.Meter
	traceProvider *sdktrace.TracerProvider
	meterProvider *sdkmetric.MeterProvider
	reader        *sdkmetric.ManualReader

	instruments *instruments
}

type instruments struct {
	stepOutcomes    metric.Int64Counter
	breakerStateTransitions metric.Int64Counter
	cacheHits       metric.Int64Counter
	cacheMisses     metric.Int64Counter
	planLatency     metric.Float64Histogram
}

var _ core.Telemetry = (*Provider)(nil)

// NewProvider creates a Provider for serviceName. When endpoint is
// empty, spans are exported to stdout (development mode); otherwise
// they are exported via OTLP/gRPC to endpoint. Metrics are kept on a
// manual reader in either case and are not exported.
func NewProvider(serviceName, endpoint string) (*Provider, error) {
	if serviceName == "" {
		return nil, fmt.Errorf("telemetry: service name is required")
	}

	traceExporter, err := newTraceExporter(endpoint)
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
	)
	otel.SetTracerProvider(tp)

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(mp)

	tracer := tp.Tracer(serviceName)
	meter := mp.Meter(serviceName)

	inst, err := newInstruments(meter)
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating instruments: %w", err)
	}

	return &Provider{
		tracer:        tracer,
		meter:         meter,
		traceProvider: tp,
		meterProvider: mp,
		reader:        reader,
		instruments:   inst,
	}, nil
}

func newTraceExporter(endpoint string) (sdktrace.SpanExporter, error) {
	if endpoint == "" {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	stepOutcomes, err := meter.Int64Counter(
		"passage.step.outcomes",
		metric.WithDescription("count of step outcomes by agent, operation and result"),
	)
	if err != nil {
		return nil, err
	}
	breakerTransitions, err := meter.Int64Counter(
		"passage.breaker.transitions",
		metric.WithDescription("count of circuit breaker state transitions"),
	)
	if err != nil {
		return nil, err
	}
	cacheHits, err := meter.Int64Counter(
		"passage.cache.hits",
		metric.WithDescription("cache hits in the Fallback Manager"),
	)
	if err != nil {
		return nil, err
	}
	cacheMisses, err := meter.Int64Counter(
		"passage.cache.misses",
		metric.WithDescription("cache misses in the Fallback Manager"),
	)
	if err != nil {
		return nil, err
	}
	planLatency, err := meter.Float64Histogram(
		"passage.plan.latency_seconds",
		metric.WithDescription("end to end plan execution latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	return &instruments{
		stepOutcomes:            stepOutcomes,
		breakerStateTransitions: breakerTransitions,
		cacheHits:               cacheHits,
		cacheMisses:             cacheMisses,
		planLatency:             planLatency,
	}, nil
}

// StartSpan implements core.Telemetry.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	spanCtx, span := p.tracer.Start(ctx, name)
	return spanCtx, &otelSpan{span: span}
}

// RecordMetric implements core.Telemetry: the cache hit and miss names
// add to their counters, and any other name is recorded as a sample of
// the plan-latency histogram. The dedicated Record* methods below are
// preferred for the core's own instrumentation because they carry typed
// labels.
func (p *Provider) RecordMetric(name string, value float64, labels map[string]string) {
	attrs := attributesFrom(labels)
	switch name {
	case "passage.cache.hits":
		p.instruments.cacheHits.Add(context.Background(), int64(value), metric.WithAttributes(attrs...))
	case "passage.cache.misses":
		p.instruments.cacheMisses.Add(context.Background(), int64(value), metric.WithAttributes(attrs...))
	default:
		p.instruments.planLatency.Record(context.Background(), value, metric.WithAttributes(attrs...))
	}
}

// RecordStepOutcome increments the step-outcome counter, labeled by
// agent, operation and result — the metric spec.md §6.4 asks for.
func (p *Provider) RecordStepOutcome(agentID, operation, result string) {
	p.instruments.stepOutcomes.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("agent_id", agentID),
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
}

// RecordBreakerTransition increments the breaker state-transition
// counter.
func (p *Provider) RecordBreakerTransition(agentID, operation, from, to string) {
	p.instruments.breakerStateTransitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("agent_id", agentID),
		attribute.String("operation", operation),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordCacheResult increments the cache hit or miss counter.
func (p *Provider) RecordCacheResult(hit bool) {
	if hit {
		p.instruments.cacheHits.Add(context.Background(), 1)
	} else {
		p.instruments.cacheMisses.Add(context.Background(), 1)
	}
}

// RecordPlanLatency records one completed plan's end-to-end duration.
func (p *Provider) RecordPlanLatency(d time.Duration) {
	p.instruments.planLatency.Record(context.Background(), d.Seconds())
}

func attributesFrom(labels map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

// Shutdown flushes and closes the underlying trace/metric providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.traceProvider.Shutdown(ctx); err != nil {
		return err
	}
	return p.meterProvider.Shutdown(ctx)
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	s.span.RecordError(err)
}
