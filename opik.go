// Package opik is the client SDK for capturing execution traces of LLM
// calls and shipping them to an Opik collection backend.
//
// The capture API is asynchronous by construction: opening traces and
// spans, updating them, and ending them never waits on the network.
// All operations flow through per-entity batch queues that coalesce
// updates into still-pending creations and transmit on a debounced
// timer or an explicit Flush:
//
//	client, err := opik.New(opik.WithProjectName("demo"))
//	if err != nil { ... }
//	defer client.Shutdown(context.Background())
//
//	trace := client.Trace(opik.TraceParams{Name: "answer-question", Input: question})
//	span := trace.Span(opik.SpanParams{Name: "llm-call", Type: opik.SpanTypeLLM})
//	// ... call the model ...
//	span.Update(opik.SpanUpdateParams{Output: answer, Usage: usage})
//	span.End()
//	trace.End()
//
// Spans from an OpenTelemetry pipeline can be bridged in through the
// otelbridge subpackage, and provider SDK clients can be wrapped with
// the instrument subpackage so their calls emit spans automatically.
package opik

import "sync"

var (
	defaultMu     sync.Mutex
	defaultClient *Client
)

// Default returns the lazily-initialized process-wide client,
// constructing it from environment configuration on first call.
// Libraries should prefer an explicitly injected *Client; Default
// exists for application entry points and one-off scripts.
//
// Pair with ResetDefault during teardown. Construction errors are
// returned on every call until a construction succeeds or SetDefault
// installs a client.
func Default() (*Client, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultClient != nil {
		return defaultClient, nil
	}
	c, err := New()
	if err != nil {
		return nil, err
	}
	defaultClient = c
	return c, nil
}

// SetDefault installs c as the process-wide default client, replacing
// any previously constructed one. The caller keeps ownership of c's
// lifecycle.
func SetDefault(c *Client) {
	defaultMu.Lock()
	defaultClient = c
	defaultMu.Unlock()
}

// ResetDefault clears the process-wide default client without shutting
// it down. Callers that obtained the client through Default are
// responsible for calling Shutdown on it first.
func ResetDefault() {
	defaultMu.Lock()
	defaultClient = nil
	defaultMu.Unlock()
}
