// Package obs provides the OpenTelemetry integration for the orchestration
// runtime (SPEC_FULL §4.11), grounded on internal/otel's
// (no-op-when-disabled Provider wrapping TracerProvider/MeterProvider),
// generalized from LLM/loop instrumentation to agent/task/transport
// instrumentation.
package obs

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "conductor"
	MeterName  = "conductor"
)

// Config holds the OTel configuration surface (SPEC_FULL §4.10/§4.11).
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Provider wraps the OTel tracer and meter providers with cleanup. When
// disabled it is a no-op on every call (spec §8: "OTel no-op provider never
// panics on any instrumented call when disabled").
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	shutdown       func(context.Context) error
}

// Init sets up OpenTelemetry per cfg. If cfg.Enabled is false, it returns a
// no-op provider of zero overhead.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
			Meter:         noop.NewMeterProvider().Meter(MeterName),
			MeterProvider: noop.NewMeterProvider(),
			shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "conductor"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(TracerName),
		Meter:          mp.Meter(MeterName),
		shutdown: func(ctx context.Context) error {
			tErr := tp.Shutdown(ctx)
			mErr := mp.Shutdown(ctx)
			if tErr != nil {
				return tErr
			}
			return mErr
		},
	}, nil
}

// Shutdown flushes and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func createExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return &noopExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}

type noopExporter struct{}

func (e *noopExporter) ExportSpans(_ context.Context, _ []sdktrace.ReadOnlySpan) error {
	return nil
}

func (e *noopExporter) Shutdown(_ context.Context) error { return nil }

// Standard attribute keys for orchestration-runtime spans.
var (
	AttrAgentID      = attribute.Key("conductor.agent.id")
	AttrTaskID       = attribute.Key("conductor.task.id")
	AttrTaskType     = attribute.Key("conductor.task.type")
	AttrConnectionID = attribute.Key("conductor.connection.id")
	AttrMessageType  = attribute.Key("conductor.message.type")
	AttrTopic        = attribute.Key("conductor.topic.name")
	AttrToolID       = attribute.Key("conductor.tool.id")
)

// StartSpan wraps tracer.Start with the internal span kind.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...), trace.WithSpanKind(trace.SpanKindInternal))
}

// StartServerSpan wraps tracer.Start with the server span kind (inbound transport frames).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...), trace.WithSpanKind(trace.SpanKindServer))
}

// StartClientSpan wraps tracer.Start with the client span kind (outbound tool calls, A2A messages).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...), trace.WithSpanKind(trace.SpanKindClient))
}

// Metrics holds the orchestration runtime's metric instruments.
type Metrics struct {
	TaskDuration      metric.Float64Histogram
	TasksTotal        metric.Int64Counter
	ToolCallDuration  metric.Float64Histogram
	ToolCallErrors    metric.Int64Counter
	MessagesPublished metric.Int64Counter
	MessagesDropped   metric.Int64Counter
	ActiveConnections metric.Int64UpDownCounter
	RateLimitRejects  metric.Int64Counter
	QueueDepth        metric.Int64UpDownCounter
}

// NewMetrics creates every metric instrument from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.TaskDuration, err = meter.Float64Histogram("conductor.task.duration",
		metric.WithDescription("Task processing duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.TasksTotal, err = meter.Int64Counter("conductor.task.total",
		metric.WithDescription("Tasks completed, by terminal status")); err != nil {
		return nil, err
	}
	if m.ToolCallDuration, err = meter.Float64Histogram("conductor.tool.duration",
		metric.WithDescription("Tool call duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.ToolCallErrors, err = meter.Int64Counter("conductor.tool.errors",
		metric.WithDescription("Tool call error count")); err != nil {
		return nil, err
	}
	if m.MessagesPublished, err = meter.Int64Counter("conductor.pubsub.published",
		metric.WithDescription("Messages published through the router")); err != nil {
		return nil, err
	}
	if m.MessagesDropped, err = meter.Int64Counter("conductor.pubsub.dropped",
		metric.WithDescription("Published messages with no matching subscriber")); err != nil {
		return nil, err
	}
	if m.ActiveConnections, err = meter.Int64UpDownCounter("conductor.transport.connections",
		metric.WithDescription("Currently registered websocket connections")); err != nil {
		return nil, err
	}
	if m.RateLimitRejects, err = meter.Int64Counter("conductor.ratelimit.rejects",
		metric.WithDescription("Requests rejected by the token bucket limiter")); err != nil {
		return nil, err
	}
	if m.QueueDepth, err = meter.Int64UpDownCounter("conductor.queue.depth",
		metric.WithDescription("Current message queue depth")); err != nil {
		return nil, err
	}
	return m, nil
}
