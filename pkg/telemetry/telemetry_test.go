// ABOUTME: Tests for the telemetry interface, its no-op implementation and the recording helpers
// ABOUTME: Exercises recording and span creation without any exporter configured

package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

func TestNoopTelemetry(t *testing.T) {
	tel := NewNoop()
	ctx := context.Background()

	tel.RecordHistogram(ctx, "incstore.test.histogram", 1.5, attribute.String(AttrColumn, "FLAG"))
	tel.RecordCounter(ctx, "incstore.test.counter", 10, attribute.Int(AttrBucketID, 3))

	spanCtx, span := tel.StartSpan(ctx, "incstore.test.span", attribute.String(AttrComponent, ComponentStore))
	if spanCtx == nil {
		t.Error("StartSpan returned nil context")
	}
	if span == nil {
		t.Fatal("StartSpan returned nil span")
	}
	if span.IsRecording() {
		t.Error("no-op span should not record")
	}
	span.End()

	if err := tel.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown returned error: %v", err)
	}
}

func TestRecordHelpers(t *testing.T) {
	tel := NewNoop()
	ctx := context.Background()

	RecordDuration(ctx, tel, "incstore.test.duration", time.Now().Add(-time.Millisecond),
		attribute.String(AttrOperationType, OpTypePut))
	RecordBytes(ctx, tel, "incstore.test.bytes", 512,
		attribute.String(AttrOperationType, OpTypeFlush))
}
