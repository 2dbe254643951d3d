// ABOUTME: Store telemetry metrics interface and implementation for interval store operations
// ABOUTME: Records put/get latency, bucket splits, row changes and flushes through the telemetry abstraction

package ism

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/KevoDB/incstore/pkg/telemetry"
)

// StoreMetrics defines the interface for store telemetry operations.
// All metrics are optional - implementations can safely be no-op.
type StoreMetrics interface {
	telemetry.ComponentMetrics

	// RecordPut records metrics for a column put.
	RecordPut(ctx context.Context, duration time.Duration, column string, bytes int64, err error)

	// RecordGet records metrics for a column get.
	RecordGet(ctx context.Context, duration time.Duration, column string, cached bool, err error)

	// RecordSplit records a bucket split.
	RecordSplit(ctx context.Context, column string, bucketID uint32, leftSize, rightSize int)

	// RecordRows records rows added to or removed from the table.
	RecordRows(ctx context.Context, opType string, rows int64)

	// RecordFlush records a flush of the bucket cache.
	RecordFlush(ctx context.Context, duration time.Duration, buckets int, err error)
}

// storeMetrics implements StoreMetrics using the telemetry interface.
type storeMetrics struct {
	tel telemetry.Telemetry
}

// NewStoreMetrics creates a new store metrics implementation.
// If tel is nil, returns a no-op implementation.
func NewStoreMetrics(tel telemetry.Telemetry) StoreMetrics {
	if tel == nil {
		return &noopStoreMetrics{}
	}
	return &storeMetrics{tel: tel}
}

// NewNoopStoreMetrics creates a no-op store metrics implementation for testing.
func NewNoopStoreMetrics() StoreMetrics {
	return &noopStoreMetrics{}
}

func status(err error) string {
	if err != nil {
		return telemetry.StatusError
	}
	return telemetry.StatusSuccess
}

// RecordPut records column put metrics.
func (m *storeMetrics) RecordPut(ctx context.Context, duration time.Duration, column string, bytes int64, err error) {
	m.tel.RecordHistogram(ctx, "incstore.column.put.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentColumn),
		attribute.String(telemetry.AttrColumn, column),
	)

	m.tel.RecordCounter(ctx, "incstore.column.operations.total", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentColumn),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypePut),
		attribute.String(telemetry.AttrStatus, status(err)),
	)

	if err == nil {
		telemetry.RecordBytes(ctx, m.tel, "incstore.column.put.bytes", bytes,
			attribute.String(telemetry.AttrColumn, column),
		)
	}
}

// RecordGet records column get metrics.
func (m *storeMetrics) RecordGet(ctx context.Context, duration time.Duration, column string, cached bool, err error) {
	m.tel.RecordHistogram(ctx, "incstore.column.get.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentColumn),
		attribute.String(telemetry.AttrColumn, column),
		attribute.Bool("cached", cached),
	)

	m.tel.RecordCounter(ctx, "incstore.column.operations.total", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentColumn),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeGet),
		attribute.String(telemetry.AttrStatus, status(err)),
	)
}

// RecordSplit records a bucket split.
func (m *storeMetrics) RecordSplit(ctx context.Context, column string, bucketID uint32, leftSize, rightSize int) {
	m.tel.RecordCounter(ctx, "incstore.bucket.split.total", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.String(telemetry.AttrColumn, column),
		attribute.Int64(telemetry.AttrBucketID, int64(bucketID)),
	)

	m.tel.RecordHistogram(ctx, "incstore.bucket.split.left_size", float64(leftSize),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
	)
	m.tel.RecordHistogram(ctx, "incstore.bucket.split.right_size", float64(rightSize),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
	)
}

// RecordRows records row additions and removals.
func (m *storeMetrics) RecordRows(ctx context.Context, opType string, rows int64) {
	m.tel.RecordCounter(ctx, "incstore.store.rows.total", rows,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.String(telemetry.AttrOperationType, opType),
	)
}

// RecordFlush records cache flush metrics.
func (m *storeMetrics) RecordFlush(ctx context.Context, duration time.Duration, buckets int, err error) {
	m.tel.RecordHistogram(ctx, "incstore.cache.flush.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCache),
	)

	m.tel.RecordCounter(ctx, "incstore.cache.flush.buckets", int64(buckets),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCache),
		attribute.String(telemetry.AttrStatus, status(err)),
	)
}

// Close releases any resources held by the metrics implementation.
func (m *storeMetrics) Close() error {
	// No resources to clean up for this implementation
	return nil
}

// noopStoreMetrics provides a no-operation implementation for testing or disabled telemetry.
type noopStoreMetrics struct{}

// RecordPut is a no-op.
func (n *noopStoreMetrics) RecordPut(ctx context.Context, duration time.Duration, column string, bytes int64, err error) {
}

// RecordGet is a no-op.
func (n *noopStoreMetrics) RecordGet(ctx context.Context, duration time.Duration, column string, cached bool, err error) {
}

// RecordSplit is a no-op.
func (n *noopStoreMetrics) RecordSplit(ctx context.Context, column string, bucketID uint32, leftSize, rightSize int) {
}

// RecordRows is a no-op.
func (n *noopStoreMetrics) RecordRows(ctx context.Context, opType string, rows int64) {
}

// RecordFlush is a no-op.
func (n *noopStoreMetrics) RecordFlush(ctx context.Context, duration time.Duration, buckets int, err error) {
}

// Close is a no-op.
func (n *noopStoreMetrics) Close() error {
	return nil
}
