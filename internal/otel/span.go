// Package otel provides OpenTelemetry span helpers shared across the engine.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for business context used across the application.
// Using shared keys ensures consistent attribute naming in traces.
const (
	AttrThreadID    = attribute.Key("thread.id")
	AttrEventKind   = attribute.Key("event.kind")
	AttrCacheKey    = attribute.Key("cache.key")
	AttrSyncState   = attribute.Key("sync.state")
	AttrSyncStatus  = attribute.Key("sync.remote_status")
	AttrSyncReason  = attribute.Key("sync.reason")
	AttrHasAccount  = attribute.Key("sync.has_account")
	AttrNeedsSync   = attribute.Key("sync.needs_sync")
	AttrPollAttempt = attribute.Key("sync.poll_attempt")
)

// StartSpan starts a new span if the tracer is non-nil, otherwise returns a no-op span.
// This provides graceful degradation when tracing is disabled.
func StartSpan(
	ctx context.Context,
	tracer trace.Tracer,
	name string,
	opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// RecordError records an error on a span and sets the span status to error.
// It safely handles nil spans and nil errors.
// The status description stays generic so tokens or URLs never land in the
// span status; the full error is kept in the span event.
func RecordError(span trace.Span, err error) {
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation failed")
	}
}
