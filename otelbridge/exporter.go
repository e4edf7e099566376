// Package otelbridge adapts an OpenTelemetry trace pipeline to the
// Opik capture API. It implements the standard span-exporter contract:
// plug it into any sdktrace.TracerProvider and finished spans from
// AI instrumentation are republished as Opik traces and spans.
//
// The generic pipeline also carries unrelated infrastructure spans
// (HTTP handlers, database calls). Those are filtered out by
// instrumentation scope name so they do not pollute the LLM trace view.
package otelbridge

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	opik "github.com/opikhq/opik-go"
)

// maxTracked bounds the trace/span handle maps. Entries are evicted
// oldest-first; a child arriving after its ancestry was evicted is
// promoted to a new root trace.
const maxTracked = 4096

// defaultScopes are the instrumentation scope prefixes recognized as
// AI tracing namespaces.
var defaultScopes = []string{"ai", "gen_ai"}

// Option configures an Exporter.
type Option func(*Exporter)

// WithScopes replaces the recognized instrumentation scope prefixes.
// A span is bridged when its scope name equals a prefix or starts with
// the prefix followed by a dot.
func WithScopes(prefixes ...string) Option {
	return func(e *Exporter) { e.scopes = prefixes }
}

// Exporter bridges finished OpenTelemetry spans into an opik.Client.
// Register it with sdktrace.WithBatcher or sdktrace.WithSyncer.
type Exporter struct {
	client *opik.Client
	scopes []string

	mu      sync.Mutex
	traces  map[string]*opik.Trace // otel trace id hex -> bridged trace
	spans   map[string]*opik.Span  // otel span id hex  -> bridged span
	spanIDs map[string][]string    // trace id -> its bridged span ids
	order   []string               // trace id insertion order, for eviction
}

var _ sdktrace.SpanExporter = (*Exporter)(nil)

// New creates an exporter that republishes through client.
func New(client *opik.Client, opts ...Option) *Exporter {
	e := &Exporter{
		client:  client,
		scopes:  defaultScopes,
		traces:  make(map[string]*opik.Trace),
		spans:   make(map[string]*opik.Span),
		spanIDs: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewTracerProvider wires the exporter into a ready-to-use tracer
// provider with a batching processor, for callers without an existing
// pipeline. The caller owns Shutdown of the returned provider.
func NewTracerProvider(client *opik.Client, opts ...Option) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(New(client, opts...)),
	)
}

// ExportSpans bridges one batch of finished spans. It always completes:
// a batch in which nothing matches the scope filter succeeds with zero
// backend calls, because callers of this contract treat a missing or
// error result as a pipeline stall. Transmission failures for matched
// spans are returned so the pipeline can report them.
func (e *Exporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	matched := make([]sdktrace.ReadOnlySpan, 0, len(spans))
	for _, s := range spans {
		if e.recognized(scopeName(s)) {
			matched = append(matched, s)
		}
	}
	if len(matched) == 0 {
		return nil
	}

	// Parents start before their children, so processing by start time
	// resolves hierarchy within a batch.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].StartTime().Before(matched[j].StartTime())
	})

	e.mu.Lock()
	for _, s := range matched {
		e.bridgeLocked(s)
	}
	e.mu.Unlock()

	return e.client.Flush(ctx)
}

// Shutdown flushes any queued entities and drops the handle maps.
func (e *Exporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.traces = make(map[string]*opik.Trace)
	e.spans = make(map[string]*opik.Span)
	e.spanIDs = make(map[string][]string)
	e.order = nil
	e.mu.Unlock()
	return e.client.Flush(ctx)
}

// scopeName resolves the instrumentation source of a span. Newer
// tracing libraries report it as the instrumentation scope, older ones
// as the instrumentation library; the two fields are mutually exclusive
// names for the same concept, so both are read. A span carrying neither
// is unrecognized.
func scopeName(s sdktrace.ReadOnlySpan) string {
	if name := s.InstrumentationScope().Name; name != "" {
		return name
	}
	//nolint:staticcheck // legacy field kept for older instrumentation.
	return s.InstrumentationLibrary().Name
}

func (e *Exporter) recognized(scope string) bool {
	if scope == "" {
		return false
	}
	for _, prefix := range e.scopes {
		if scope == prefix || strings.HasPrefix(scope, prefix+".") {
			return true
		}
	}
	return false
}

// bridgeLocked converts one span record. A span with no parent context
// (or with ancestry we never saw) becomes a trace; anything else nests
// under its parent's already-created trace or span. Callers hold e.mu.
func (e *Exporter) bridgeLocked(s sdktrace.ReadOnlySpan) {
	traceID := s.SpanContext().TraceID().String()
	spanID := s.SpanContext().SpanID().String()
	payload := extractPayload(s)

	if parent := s.Parent(); parent.IsValid() {
		parentID := parent.SpanID().String()

		if parentSpan, ok := e.spans[parentID]; ok {
			e.spans[spanID] = parentSpan.Span(spanParams(s, payload))
			e.spanIDs[traceID] = append(e.spanIDs[traceID], spanID)
			return
		}
		if trace, ok := e.traces[traceID]; ok {
			e.spans[spanID] = trace.Span(spanParams(s, payload))
			e.spanIDs[traceID] = append(e.spanIDs[traceID], spanID)
			return
		}
		// Ancestry was filtered out or evicted; promote to a root.
	}

	end := s.EndTime()
	trace := e.client.Trace(opik.TraceParams{
		Name:      s.Name(),
		StartTime: s.StartTime(),
		EndTime:   &end,
		Input:     payload.input,
		Output:    payload.output,
		Metadata:  payload.metadata,
	})
	e.trackLocked(traceID, trace)
}

func (e *Exporter) trackLocked(traceID string, trace *opik.Trace) {
	if _, exists := e.traces[traceID]; !exists {
		e.order = append(e.order, traceID)
	}
	e.traces[traceID] = trace

	for len(e.order) > maxTracked {
		evicted := e.order[0]
		e.order = e.order[1:]
		delete(e.traces, evicted)
		for _, sid := range e.spanIDs[evicted] {
			delete(e.spans, sid)
		}
		delete(e.spanIDs, evicted)
	}
}

func spanParams(s sdktrace.ReadOnlySpan, p payload) opik.SpanParams {
	end := s.EndTime()
	spanType := opik.SpanTypeGeneral
	if p.model != "" || p.usage != nil {
		spanType = opik.SpanTypeLLM
	}
	return opik.SpanParams{
		Name:      s.Name(),
		Type:      spanType,
		StartTime: s.StartTime(),
		EndTime:   &end,
		Input:     p.input,
		Output:    p.output,
		Metadata:  p.metadata,
		Model:     p.model,
		Provider:  p.provider,
		Usage:     p.usage,
	}
}

type payload struct {
	input    any
	output   any
	model    string
	provider string
	usage    map[string]int
	metadata map[string]any
}

// extractPayload maps flat span attributes onto Opik input/output/usage
// fields. Both the gen_ai semantic conventions and the ai.* convention
// used by popular SDK instrumentations are understood; unrecognized
// attributes land in metadata.
func extractPayload(s sdktrace.ReadOnlySpan) payload {
	p := payload{metadata: map[string]any{}}

	for _, kv := range s.Attributes() {
		key := string(kv.Key)
		switch key {
		case "gen_ai.prompt", "ai.prompt", "ai.prompt.messages", "input":
			p.input = decodeValue(kv.Value)
		case "gen_ai.completion", "ai.response.text", "ai.response.object", "output":
			p.output = decodeValue(kv.Value)
		case "gen_ai.request.model", "gen_ai.response.model", "ai.model.id":
			p.model = kv.Value.AsString()
		case "gen_ai.system", "ai.model.provider":
			p.provider = kv.Value.AsString()
		case "gen_ai.usage.input_tokens", "gen_ai.usage.prompt_tokens", "ai.usage.promptTokens":
			p.setUsage("prompt_tokens", kv.Value)
		case "gen_ai.usage.output_tokens", "gen_ai.usage.completion_tokens", "ai.usage.completionTokens":
			p.setUsage("completion_tokens", kv.Value)
		case "gen_ai.usage.total_tokens", "ai.usage.totalTokens":
			p.setUsage("total_tokens", kv.Value)
		default:
			p.metadata[key] = decodeValue(kv.Value)
		}
	}

	if s.Status().Code == codes.Error {
		p.metadata["error"] = true
		if msg := s.Status().Description; msg != "" {
			p.metadata["error_message"] = msg
		}
	}
	if len(p.metadata) == 0 {
		p.metadata = nil
	}
	return p
}

func (p *payload) setUsage(key string, v attribute.Value) {
	if p.usage == nil {
		p.usage = make(map[string]int, 3)
	}
	p.usage[key] = int(v.AsInt64())
}

// decodeValue converts an attribute value to a JSON-friendly Go value.
// String values holding serialized JSON are decoded so structured
// prompts and responses survive the bridge intact.
func decodeValue(v attribute.Value) any {
	switch v.Type() {
	case attribute.BOOL:
		return v.AsBool()
	case attribute.INT64:
		return v.AsInt64()
	case attribute.FLOAT64:
		return v.AsFloat64()
	case attribute.STRING:
		s := v.AsString()
		if len(s) > 0 && (s[0] == '{' || s[0] == '[') {
			var decoded any
			if err := json.Unmarshal([]byte(s), &decoded); err == nil {
				return decoded
			}
		}
		return s
	case attribute.BOOLSLICE:
		return v.AsBoolSlice()
	case attribute.INT64SLICE:
		return v.AsInt64Slice()
	case attribute.FLOAT64SLICE:
		return v.AsFloat64Slice()
	case attribute.STRINGSLICE:
		return v.AsStringSlice()
	default:
		return v.Emit()
	}
}
