package service

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the tracer and meter the dispatch service uses: one
// span per dispatched request, one counter incremented per audit event
// kind. Both exporters write to w; in production that's typically a file
// under the same directory as the audit log, so traces and metrics are
// recoverable alongside the forensic trail they describe.
type Telemetry struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	auditEvents    metric.Int64Counter
}

// NewTelemetry constructs stdout-exporting tracer and meter providers
// scoped to the given service name/version, and registers them as the
// global OTel providers.
func NewTelemetry(ctx context.Context, w io.Writer, serviceName, serviceVersion string) (*Telemetry, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	spanExporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("build stdout span exporter: %w", err)
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spanExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)

	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("build stdout metric exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(meterProvider)

	tracer := tracerProvider.Tracer(serviceName)
	meter := meterProvider.Meter(serviceName)

	auditEvents, err := meter.Int64Counter(
		"moltgate.audit.events",
		metric.WithDescription("Audit events appended, by event kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("build audit event counter: %w", err)
	}

	return &Telemetry{
		tracerProvider: tracerProvider,
		meterProvider:  meterProvider,
		tracer:         tracer,
		auditEvents:    auditEvents,
	}, nil
}

// StartRequestSpan opens a span for one dispatched request, named after
// its wire message type.
func (t *Telemetry) StartRequestSpan(ctx context.Context, msgType string) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, "dispatch."+msgType)
}

// RecordAuditEvent increments the audit-event-kind counter. Called
// alongside every audit.Store.Append so the counter and the append-only
// log never drift apart. kind is drawn from audit's closed Kind taxonomy,
// so attributing the counter by it carries no unbounded-cardinality risk.
func (t *Telemetry) RecordAuditEvent(ctx context.Context, kind string) {
	if t == nil {
		return
	}
	t.auditEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// Shutdown flushes and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if err := t.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	if err := t.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown meter provider: %w", err)
	}
	return nil
}
