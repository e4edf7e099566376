package opik

import "context"

type ctxKey int

const (
	traceCtxKey ctxKey = iota
	spanCtxKey
)

// ContextWithTrace returns a context carrying the trace, so downstream
// instrumentation can nest spans under it.
func ContextWithTrace(ctx context.Context, t *Trace) context.Context {
	return context.WithValue(ctx, traceCtxKey, t)
}

// TraceFromContext returns the trace carried by ctx, if any.
func TraceFromContext(ctx context.Context) (*Trace, bool) {
	t, ok := ctx.Value(traceCtxKey).(*Trace)
	return t, ok
}

// ContextWithSpan returns a context carrying the span, so downstream
// instrumentation can nest child spans under it.
func ContextWithSpan(ctx context.Context, s *Span) context.Context {
	return context.WithValue(ctx, spanCtxKey, s)
}

// SpanFromContext returns the span carried by ctx, if any.
func SpanFromContext(ctx context.Context) (*Span, bool) {
	s, ok := ctx.Value(spanCtxKey).(*Span)
	return s, ok
}
