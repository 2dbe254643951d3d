// ABOUTME: Tests for the OpenTelemetry provider built from configuration
// ABOUTME: Runs the real SDK with stdout exporters redirected into a buffer

package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

func TestNewDisabledReturnsNoop(t *testing.T) {
	tel, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := tel.(*NoopTelemetry); !ok {
		t.Errorf("expected *NoopTelemetry, got %T", tel)
	}
}

func TestNewInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.ServiceName = ""
	if _, err := New(cfg); err == nil {
		t.Error("expected error for invalid config")
	}
}

func TestProviderExportsOnShutdown(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Output = &buf
	cfg.ExportInterval = time.Hour

	tel, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	if _, ok := tel.(*TelemetryProvider); !ok {
		t.Fatalf("expected *TelemetryProvider, got %T", tel)
	}

	ctx := context.Background()
	tel.RecordCounter(ctx, "incstore.test.splits", 2, attribute.String(AttrComponent, ComponentStore))
	tel.RecordCounter(ctx, "incstore.test.splits", 1, attribute.String(AttrComponent, ComponentStore))
	tel.RecordHistogram(ctx, "incstore.test.put.duration", 0.002)

	_, span := tel.StartSpan(ctx, "incstore.test.flush")
	if !span.IsRecording() {
		t.Error("expected a recording span with full sampling")
	}
	span.End()

	if err := tel.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"incstore.test.splits", "incstore.test.put.duration", "incstore.test.flush"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected exported output to mention %s", want)
		}
	}
}
