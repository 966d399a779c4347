package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// SyncMetricsMeterName is the name used for the sync coordinator metrics meter
	SyncMetricsMeterName = InstrumentationName + "/sync"

	// StreamMetricsMeterName is the name used for the push stream metrics meter
	StreamMetricsMeterName = InstrumentationName + "/stream"

	// CacheMetricsMeterName is the name used for the cache metrics meter
	CacheMetricsMeterName = InstrumentationName + "/cache"
)

// SyncMetrics holds the OpenTelemetry instruments for sync cycle metrics
type SyncMetrics struct {
	cycleDuration metric.Float64Histogram
	pollAttempts  metric.Int64Histogram
	cyclesTotal   metric.Int64Counter
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	cycleDuration, err := meter.Float64Histogram(
		"inboxsync_sync_cycle_duration_seconds",
		metric.WithDescription("Duration of sync cycles from trigger to settle in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 3, 6, 10, 20, 30, 45, 60, 90),
	)
	if err != nil {
		return nil, err
	}

	pollAttempts, err := meter.Int64Histogram(
		"inboxsync_sync_poll_attempts",
		metric.WithDescription("Number of status polls made by a sync cycle"),
		metric.WithUnit("{poll}"),
		metric.WithExplicitBucketBoundaries(0, 1, 2, 5, 10, 15, 20, 25),
	)
	if err != nil {
		return nil, err
	}

	cyclesTotal, err := meter.Int64Counter(
		"inboxsync_sync_cycles_total",
		metric.WithDescription("Total number of settled sync cycles by outcome"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		cycleDuration: cycleDuration,
		pollAttempts:  pollAttempts,
		cyclesTotal:   cyclesTotal,
	}, nil
}

// RecordCycle records a settled sync cycle
func (m *SyncMetrics) RecordCycle(ctx context.Context, state, reason string, duration time.Duration, attempts int) {
	if m == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("state", state),
		attribute.String("reason", reason),
	)

	m.cyclesTotal.Add(ctx, 1, attrs)
	m.cycleDuration.Record(ctx, duration.Seconds(), attrs)
	m.pollAttempts.Record(ctx, int64(attempts), attrs)
}

// StreamMetrics holds the OpenTelemetry instruments for the push stream
type StreamMetrics struct {
	eventsTotal        metric.Int64Counter
	droppedTotal       metric.Int64Counter
	invalidationsTotal metric.Int64Counter
}

// NewStreamMetrics creates a new StreamMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewStreamMetrics(provider metric.MeterProvider) (*StreamMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(StreamMetricsMeterName)

	eventsTotal, err := meter.Int64Counter(
		"inboxsync_stream_events_total",
		metric.WithDescription("Total number of push events received by kind"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	droppedTotal, err := meter.Int64Counter(
		"inboxsync_stream_events_dropped_total",
		metric.WithDescription("Total number of push events dropped as unparseable"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	invalidationsTotal, err := meter.Int64Counter(
		"inboxsync_stream_invalidations_total",
		metric.WithDescription("Total number of cache invalidations issued from push events"),
		metric.WithUnit("{invalidation}"),
	)
	if err != nil {
		return nil, err
	}

	return &StreamMetrics{
		eventsTotal:        eventsTotal,
		droppedTotal:       droppedTotal,
		invalidationsTotal: invalidationsTotal,
	}, nil
}

// RecordEvent records a parsed push event and the number of keys it invalidated
func (m *StreamMetrics) RecordEvent(ctx context.Context, kind string, invalidations int) {
	if m == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("kind", kind))
	m.eventsTotal.Add(ctx, 1, attrs)
	if invalidations > 0 {
		m.invalidationsTotal.Add(ctx, int64(invalidations), attrs)
	}
}

// RecordDropped records a push event that could not be parsed
func (m *StreamMetrics) RecordDropped(ctx context.Context, kind string) {
	if m == nil {
		return
	}

	m.droppedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// CacheMetrics holds the OpenTelemetry instruments for the local cache
type CacheMetrics struct {
	lookupsTotal       metric.Int64Counter
	invalidationsTotal metric.Int64Counter
}

// NewCacheMetrics creates a new CacheMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewCacheMetrics(provider metric.MeterProvider) (*CacheMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(CacheMetricsMeterName)

	lookupsTotal, err := meter.Int64Counter(
		"inboxsync_cache_lookups_total",
		metric.WithDescription("Total number of cache lookups by key family and result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	invalidationsTotal, err := meter.Int64Counter(
		"inboxsync_cache_invalidations_total",
		metric.WithDescription("Total number of cache invalidations by key family"),
		metric.WithUnit("{invalidation}"),
	)
	if err != nil {
		return nil, err
	}

	return &CacheMetrics{
		lookupsTotal:       lookupsTotal,
		invalidationsTotal: invalidationsTotal,
	}, nil
}

// RecordLookup records a cache lookup for a key family
func (m *CacheMetrics) RecordLookup(ctx context.Context, family string, hit bool) {
	if m == nil {
		return
	}

	m.lookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("family", family),
		attribute.Bool("hit", hit),
	))
}

// RecordInvalidation records an invalidation for a key family
func (m *CacheMetrics) RecordInvalidation(ctx context.Context, family string) {
	if m == nil {
		return
	}

	m.invalidationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("family", family)))
}
