package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/sortmail/inboxsync/internal/cache"
	"github.com/sortmail/inboxsync/internal/otel"
	"github.com/sortmail/inboxsync/internal/push"
	"github.com/sortmail/inboxsync/internal/telemetry"
)

// Subscriber owns the push channel of an activation
type Subscriber interface {
	// Activate opens the push channel. A second call while active is a no-op.
	Activate(ctx context.Context) error

	// Deactivate closes the channel and waits for the read loop to exit.
	// No invalidation happens after it returns.
	Deactivate()
}

// defaultSubscriber is the default implementation of Subscriber
type defaultSubscriber struct {
	transport push.Transport
	cache     cache.Invalidator
	metrics   *telemetry.StreamMetrics
	tracer    trace.Tracer

	mu         sync.Mutex
	cancelFunc context.CancelFunc
	done       chan struct{}
}

// Option is a function that configures the subscriber
type Option func(*defaultSubscriber)

// WithStreamMetrics sets the stream metrics for the subscriber
func WithStreamMetrics(metrics *telemetry.StreamMetrics) Option {
	return func(s *defaultSubscriber) {
		s.metrics = metrics
	}
}

// WithTracer sets the tracer for dispatch spans
func WithTracer(tracer trace.Tracer) Option {
	return func(s *defaultSubscriber) {
		s.tracer = tracer
	}
}

// NewSubscriber creates a subscriber reading from transport
func NewSubscriber(transport push.Transport, invalidator cache.Invalidator, opts ...Option) Subscriber {
	s := &defaultSubscriber{
		transport: transport,
		cache:     invalidator,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Activate opens the push channel and starts the read loop
func (s *defaultSubscriber) Activate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelFunc != nil {
		slog.Debug("Stream subscriber already active")
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	frames, err := s.transport.Subscribe(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to open push channel: %w", err)
	}

	s.cancelFunc = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, frames, s.done)

	slog.Info("Stream subscriber activated")
	return nil
}

// Deactivate closes the channel and waits for the read loop to exit
func (s *defaultSubscriber) Deactivate() {
	s.mu.Lock()
	cancel, done := s.cancelFunc, s.done
	s.cancelFunc, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
	slog.Info("Stream subscriber deactivated")
}

func (s *defaultSubscriber) run(ctx context.Context, frames <-chan push.Frame, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				if ctx.Err() == nil {
					slog.Warn("Push channel closed by transport")
				}
				return
			}
			// A frame that raced with cancellation is not dispatched
			if ctx.Err() != nil {
				return
			}
			s.handle(ctx, frame)
		}
	}
}

// handle parses one frame and invalidates the keys it maps to
func (s *defaultSubscriber) handle(ctx context.Context, frame push.Frame) {
	ev, err := Parse(frame)
	if err != nil {
		slog.Debug("Dropping malformed push event",
			"type", frame.Type,
			"id", frame.ID,
			"error", err)
		s.metrics.RecordDropped(ctx, kindLabel(Kind(frame.Type)))
		return
	}

	keys := Dispatch(ev)
	if len(keys) == 0 {
		s.metrics.RecordEvent(ctx, string(ev.Kind()), 0)
		return
	}

	spanCtx, span := otel.StartSpan(ctx, s.tracer, "stream.Dispatch",
		trace.WithAttributes(otel.AttrEventKind.String(string(ev.Kind()))))
	defer span.End()

	if intel, ok := ev.(IntelReady); ok && intel.ThreadID != "" {
		span.SetAttributes(otel.AttrThreadID.String(intel.ThreadID))
	}

	names := make([]string, 0, len(keys))
	for _, key := range keys {
		s.cache.Invalidate(spanCtx, key)
		names = append(names, key.String())
	}
	span.SetAttributes(otel.AttrCacheKey.StringSlice(names))

	s.metrics.RecordEvent(ctx, string(ev.Kind()), len(keys))
	slog.Debug("Push event dispatched", "kind", ev.Kind(), "keys", names)
}
