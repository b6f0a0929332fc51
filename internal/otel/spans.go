package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for ctxwin spans.
var (
	AttrSessionID     = attribute.Key("ctxwin.session.id")
	AttrModel         = attribute.Key("ctxwin.llm.model")
	AttrContextWindow = attribute.Key("ctxwin.llm.context_window")
	AttrTokensBefore  = attribute.Key("ctxwin.compaction.tokens.before")
	AttrTokensAfter   = attribute.Key("ctxwin.compaction.tokens.after")
	AttrDroppedCount  = attribute.Key("ctxwin.prune.dropped")
	AttrEntryKind     = attribute.Key("ctxwin.entry.kind")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (summarizer LLM API).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
