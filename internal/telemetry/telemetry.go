package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// InstrumentationName names the engine's tracer and meters
const InstrumentationName = "github.com/sortmail/inboxsync"

// Telemetry owns the OpenTelemetry providers of one process and the
// instrument sets built on them. The metric accessors return nil when metrics
// are off; every instrument set is a no-op when nil.
type Telemetry struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	tracing        bool
	metrics        bool

	syncMetrics   *SyncMetrics
	streamMetrics *StreamMetrics
	cacheMetrics  *CacheMetrics
	httpMetrics   *HTTPMetrics

	shutdownOnce sync.Once
	shutdowns    []func(context.Context) error
	shutdownErr  error
}

// Option configures Telemetry
type Option func(*Telemetry)

// WithMeterProvider records metrics into mp instead of an OTLP exporter.
// Shutdown leaves mp running.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(t *Telemetry) {
		t.meterProvider = mp
		t.metrics = mp != nil
	}
}

// WithTracerProvider records spans into tp instead of an OTLP exporter.
// Shutdown leaves tp running.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(t *Telemetry) {
		t.tracerProvider = tp
		t.tracing = tp != nil
	}
}

// New builds the providers cfg enables and the engine's instrument sets.
// A nil or disabled cfg yields no-op providers and nil instrument sets.
// The caller must call Shutdown to flush pending data.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry configuration: %w", err)
	}

	t := &Telemetry{}
	for _, opt := range opts {
		opt(t)
	}

	if err := t.buildProviders(ctx, cfg); err != nil {
		_ = t.Shutdown(ctx)
		return nil, err
	}

	if t.metrics {
		if err := t.buildInstruments(); err != nil {
			_ = t.Shutdown(ctx)
			return nil, err
		}
	}

	slog.Debug("Telemetry ready", "tracing", t.tracing, "metrics", t.metrics)
	return t, nil
}

func (t *Telemetry) buildProviders(ctx context.Context, cfg *Config) error {
	needTracer := t.tracerProvider == nil && cfg.tracingEnabled()
	needMeter := t.meterProvider == nil && cfg.metricsEnabled()

	if needTracer || needMeter {
		slog.Info("Initializing telemetry",
			"service_name", cfg.GetServiceName(),
			"service_version", cfg.GetServiceVersion())

		res, err := newResource(ctx, cfg)
		if err != nil {
			return err
		}

		if needTracer {
			tp, err := newTracerProvider(ctx, cfg, res)
			if err != nil {
				return err
			}
			t.tracerProvider, t.tracing = tp, true
			t.shutdowns = append(t.shutdowns, tp.Shutdown)
		}

		if needMeter {
			mp, err := newMeterProvider(ctx, cfg, res)
			if err != nil {
				return err
			}
			t.meterProvider, t.metrics = mp, true
			t.shutdowns = append(t.shutdowns, mp.Shutdown)
		}
	}

	if t.tracerProvider == nil {
		t.tracerProvider = tracenoop.NewTracerProvider()
	}
	if t.meterProvider == nil {
		t.meterProvider = metricnoop.NewMeterProvider()
	}
	return nil
}

func (t *Telemetry) buildInstruments() error {
	var err error
	if t.syncMetrics, err = NewSyncMetrics(t.meterProvider); err != nil {
		return fmt.Errorf("failed to create sync metrics: %w", err)
	}
	if t.streamMetrics, err = NewStreamMetrics(t.meterProvider); err != nil {
		return fmt.Errorf("failed to create stream metrics: %w", err)
	}
	if t.cacheMetrics, err = NewCacheMetrics(t.meterProvider); err != nil {
		return fmt.Errorf("failed to create cache metrics: %w", err)
	}
	if t.httpMetrics, err = NewHTTPMetrics(t.meterProvider); err != nil {
		return fmt.Errorf("failed to create API metrics: %w", err)
	}
	return nil
}

// TracerProvider returns the tracer provider. It is a no-op when tracing is off.
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	return t.tracerProvider
}

// MeterProvider returns the meter provider. It is a no-op when metrics are off.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// Tracer returns the engine tracer, or nil when tracing is off
func (t *Telemetry) Tracer() trace.Tracer {
	if !t.tracing {
		return nil
	}
	return t.tracerProvider.Tracer(InstrumentationName)
}

// Sync returns the sync cycle instruments
func (t *Telemetry) Sync() *SyncMetrics {
	return t.syncMetrics
}

// Stream returns the push stream instruments
func (t *Telemetry) Stream() *StreamMetrics {
	return t.streamMetrics
}

// Cache returns the cache instruments
func (t *Telemetry) Cache() *CacheMetrics {
	return t.cacheMetrics
}

// Middlewares returns the local API middlewares for the enabled signals,
// outermost first
func (t *Telemetry) Middlewares() []func(http.Handler) http.Handler {
	var mws []func(http.Handler) http.Handler
	if t.tracing {
		mws = append(mws, TracingMiddleware(t.tracerProvider.Tracer(InstrumentationName)))
	}
	if t.httpMetrics != nil {
		mws = append(mws, t.httpMetrics.Middleware)
	}
	return mws
}

// Shutdown flushes and stops the providers New created. Later calls return
// the result of the first.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	t.shutdownOnce.Do(func() {
		var errs []error
		for _, shutdown := range t.shutdowns {
			if err := shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		t.shutdownErr = errors.Join(errs...)
		if t.shutdownErr != nil {
			t.shutdownErr = fmt.Errorf("failed to shutdown telemetry: %w", t.shutdownErr)
		} else if len(t.shutdowns) > 0 {
			slog.Info("Telemetry shutdown complete")
		}
	})
	return t.shutdownErr
}
