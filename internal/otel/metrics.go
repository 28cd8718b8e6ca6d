package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the engine's instruments. A nil *Metrics is valid and
// records nothing, so components can run without telemetry wiring.
type Metrics struct {
	CacheLookups       metric.Int64Counter
	CacheComputeTime   metric.Float64Histogram
	CacheDegraded      metric.Int64Counter
	CacheInvalidations metric.Int64Counter
	JobDuration        metric.Float64Histogram
	JobItemFailures    metric.Int64Counter
	JobItemsProcessed  metric.Int64Counter
	SnapshotGeneration metric.Int64Gauge
	QueryDuration      metric.Float64Histogram
}

// NewMetrics creates every instrument from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.CacheLookups, err = meter.Int64Counter("tally.cache.lookups",
		metric.WithDescription("Cache lookups by metric class and status (hit, miss, stale, degraded)"),
	); err != nil {
		return nil, err
	}
	if m.CacheComputeTime, err = meter.Float64Histogram("tally.cache.compute.duration",
		metric.WithDescription("Time spent computing a metric on cache miss"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.CacheDegraded, err = meter.Int64Counter("tally.cache.degraded",
		metric.WithDescription("Reads served by bypassing the cache"),
	); err != nil {
		return nil, err
	}
	if m.CacheInvalidations, err = meter.Int64Counter("tally.cache.invalidations",
		metric.WithDescription("Cache entries removed by invalidation"),
	); err != nil {
		return nil, err
	}
	if m.JobDuration, err = meter.Float64Histogram("tally.job.duration",
		metric.WithDescription("Scheduled job run duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.JobItemFailures, err = meter.Int64Counter("tally.job.item.failures",
		metric.WithDescription("Per-user failures inside batch jobs"),
	); err != nil {
		return nil, err
	}
	if m.JobItemsProcessed, err = meter.Int64Counter("tally.job.items",
		metric.WithDescription("Per-user items processed by batch jobs"),
	); err != nil {
		return nil, err
	}
	if m.SnapshotGeneration, err = meter.Int64Gauge("tally.snapshot.generation",
		metric.WithDescription("Currently published aggregate snapshot generation"),
	); err != nil {
		return nil, err
	}
	if m.QueryDuration, err = meter.Float64Histogram("tally.query.duration",
		metric.WithDescription("Metric query latency"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) RecordLookup(ctx context.Context, class, status string) {
	if m == nil {
		return
	}
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(AttrMetricClass.String(class), AttrCacheStatus.String(status)))
	if status == "degraded" {
		m.CacheDegraded.Add(ctx, 1, metric.WithAttributes(AttrMetricClass.String(class)))
	}
}

func (m *Metrics) RecordCompute(ctx context.Context, class string, d time.Duration) {
	if m == nil {
		return
	}
	m.CacheComputeTime.Record(ctx, d.Seconds(), metric.WithAttributes(AttrMetricClass.String(class)))
}

func (m *Metrics) RecordInvalidations(ctx context.Context, reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CacheInvalidations.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordJob records one job run with its processed and failed item counts.
func (m *Metrics) RecordJob(ctx context.Context, job string, d time.Duration, processed, failed int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrJobName.String(job))
	m.JobDuration.Record(ctx, d.Seconds(), attrs)
	if processed > 0 {
		m.JobItemsProcessed.Add(ctx, int64(processed), attrs)
	}
	if failed > 0 {
		m.JobItemFailures.Add(ctx, int64(failed), attrs)
	}
}

func (m *Metrics) RecordGeneration(ctx context.Context, gen uint64) {
	if m == nil {
		return
	}
	m.SnapshotGeneration.Record(ctx, int64(gen))
}

func (m *Metrics) RecordQuery(ctx context.Context, metricName, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.QueryDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		AttrMetric.String(metricName), AttrCacheStatus.String(status)))
}
