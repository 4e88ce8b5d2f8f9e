package service

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestNewTelemetryRecordsSpansAndCounters(t *testing.T) {
	var buf bytes.Buffer
	tel, err := NewTelemetry(context.Background(), &buf, "moltgate-test", "0.0.0-test")
	if err != nil {
		t.Fatalf("NewTelemetry: %v", err)
	}

	ctx, span := tel.StartRequestSpan(context.Background(), "ping")
	span.End()
	tel.RecordAuditEvent(ctx, "ACTION_EXECUTED")

	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "dispatch.ping") {
		t.Errorf("expected exported span name dispatch.ping in output, got: %s", out)
	}
	if !strings.Contains(out, "moltgate.audit.events") {
		t.Errorf("expected exported counter moltgate.audit.events in output, got: %s", out)
	}
}

func TestNilTelemetryMethodsAreNoOps(t *testing.T) {
	var tel *Telemetry

	ctx, span := tel.StartRequestSpan(context.Background(), "ping")
	span.End()
	tel.RecordAuditEvent(ctx, "ACTION_EXECUTED")

	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on nil telemetry: %v", err)
	}
}
