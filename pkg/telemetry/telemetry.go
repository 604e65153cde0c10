// Package telemetry provides OpenTelemetry tracing and metrics, mirroring
// the teacher's telemetry package: a single Provider constructed at
// startup and handed down rather than consulted through a global. Only the
// orchestrator receives it, and it records task submission and completion;
// the span, step, HSP and HAM recorders here have no callers.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Provider bundles the tracer and meter used across the module. The zero
// value is safe and uses OTel's global no-op implementations.
type Provider struct {
	tracer trace.Tracer
	meter  metric.Meter

	tasksSubmitted  metric.Int64Counter
	tasksCompleted  metric.Int64Counter
	tasksFailed     metric.Int64Counter
	stepDuration    metric.Float64Histogram
	hspDispatches   metric.Int64Counter
	hspRetries      metric.Int64Counter
	hamWrites       metric.Int64Counter
	hamIntegrityErr metric.Int64Counter

	shutdown func(context.Context) error
}

// Config selects the exporter used for traces.
type Config struct {
	ServiceName string
	// Exporter is "stdout", "otlp-grpc", or "" (no-op).
	Exporter       string
	OTLPEndpoint   string
}

// New constructs a Provider. Any instrument-creation error is non-fatal:
// the provider degrades to a no-op for that instrument, matching the
// teacher's stance that telemetry must never block the orchestrator.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{shutdown: func(context.Context) error { return nil }}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", orDefault(cfg.ServiceName, "metamind-orchestrator")),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	var tp *sdktrace.TracerProvider
	switch cfg.Exporter {
	case "otlp-grpc":
		exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint), otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("telemetry: otlp exporter: %w", err)
		}
		tp = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stdout), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("telemetry: stdout exporter: %w", err)
		}
		tp = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))
	default:
		tp = sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	}
	otel.SetTracerProvider(tp)
	p.shutdown = tp.Shutdown
	p.tracer = tp.Tracer("metamind/orchestrator")
	p.meter = otel.GetMeterProvider().Meter("metamind/orchestrator")

	p.tasksSubmitted, _ = p.meter.Int64Counter("metamind.tasks.submitted")
	p.tasksCompleted, _ = p.meter.Int64Counter("metamind.tasks.completed")
	p.tasksFailed, _ = p.meter.Int64Counter("metamind.tasks.failed")
	p.stepDuration, _ = p.meter.Float64Histogram("metamind.step.duration_ms")
	p.hspDispatches, _ = p.meter.Int64Counter("metamind.hsp.dispatches")
	p.hspRetries, _ = p.meter.Int64Counter("metamind.hsp.retries")
	p.hamWrites, _ = p.meter.Int64Counter("metamind.ham.writes")
	p.hamIntegrityErr, _ = p.meter.Int64Counter("metamind.ham.integrity_errors")

	return p, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Shutdown flushes and stops the tracer provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// StartSpan begins a span for a task or step; callers must call End().
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if p == nil || p.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return p.tracer.Start(ctx, name)
}

func (p *Provider) RecordTaskSubmitted() {
	if p != nil && p.tasksSubmitted != nil {
		p.tasksSubmitted.Add(context.Background(), 1)
	}
}

func (p *Provider) RecordTaskCompleted(success bool) {
	if p == nil {
		return
	}
	if success && p.tasksCompleted != nil {
		p.tasksCompleted.Add(context.Background(), 1)
	} else if !success && p.tasksFailed != nil {
		p.tasksFailed.Add(context.Background(), 1)
	}
}

func (p *Provider) RecordStepDuration(d time.Duration) {
	if p != nil && p.stepDuration != nil {
		p.stepDuration.Record(context.Background(), float64(d.Milliseconds()))
	}
}

func (p *Provider) RecordHSPDispatch() {
	if p != nil && p.hspDispatches != nil {
		p.hspDispatches.Add(context.Background(), 1)
	}
}

func (p *Provider) RecordHSPRetry() {
	if p != nil && p.hspRetries != nil {
		p.hspRetries.Add(context.Background(), 1)
	}
}

func (p *Provider) RecordHAMWrite() {
	if p != nil && p.hamWrites != nil {
		p.hamWrites.Add(context.Background(), 1)
	}
}

func (p *Provider) RecordHAMIntegrityError() {
	if p != nil && p.hamIntegrityErr != nil {
		p.hamIntegrityErr.Add(context.Background(), 1)
	}
}
