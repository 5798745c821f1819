package obs

import (
	"context"
	"testing"
)

func TestInitDisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("init disabled: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.Tracer == nil || p.Meter == nil {
		t.Fatalf("expected non-nil noop tracer/meter")
	}

	ctx, span := StartSpan(context.Background(), p.Tracer, "test.span")
	span.End()
	_ = ctx

	metrics, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("new metrics on noop meter: %v", err)
	}
	metrics.TasksTotal.Add(context.Background(), 1)
}

func TestInitNoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("init none exporter: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.TracerProvider == nil || p.Tracer == nil || p.Meter == nil {
		t.Fatalf("expected non-nil provider/tracer/meter")
	}
}

func TestInitUnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{Enabled: true, Exporter: "bogus"})
	if err == nil {
		t.Fatalf("expected error for unknown exporter")
	}
}

func TestNewMetricsRegistersAllInstruments(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer p.Shutdown(context.Background())

	metrics, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	ctx := context.Background()
	metrics.TaskDuration.Record(ctx, 0.5)
	metrics.ToolCallErrors.Add(ctx, 1)
	metrics.MessagesPublished.Add(ctx, 1)
	metrics.ActiveConnections.Add(ctx, 1)
}
