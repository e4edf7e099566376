package instrument

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	opik "github.com/opikhq/opik-go"
)

type backend struct {
	srv *httptest.Server

	mu           sync.Mutex
	traceBatches [][]map[string]any
	spanBatches  [][]map[string]any
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/private/projects/retrieve", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"p1","name":"x"}`))
	})
	mux.HandleFunc("/v1/private/traces/batch", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Traces []map[string]any `json:"traces"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		b.mu.Lock()
		b.traceBatches = append(b.traceBatches, body.Traces)
		b.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/v1/private/spans/batch", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Spans []map[string]any `json:"spans"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		b.mu.Lock()
		b.spanBatches = append(b.spanBatches, body.Spans)
		b.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) traces() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var all []map[string]any
	for _, batch := range b.traceBatches {
		all = append(all, batch...)
	}
	return all
}

func (b *backend) spans() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var all []map[string]any
	for _, batch := range b.spanBatches {
		all = append(all, batch...)
	}
	return all
}

func newTestClient(t *testing.T, b *backend) *opik.Client {
	t.Helper()
	c, err := opik.New(
		opik.WithBaseURL(b.srv.URL),
		opik.WithProjectName("instrument-test"),
		opik.WithHoldUntilFlush(true),
	)
	if err != nil {
		t.Fatalf("opik.New failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	return c
}

// chatAPI is a stand-in for a provider SDK namespace with function
// fields, the shape Wrap is built for.
type chatAPI struct {
	Complete func(ctx context.Context, prompt string) (string, error)
	Embed    func(ctx context.Context, text string) ([]float64, error)
}

type fakeSDK struct {
	Provider string
	APIBase  string
	Chat     *chatAPI
	Flush    func(ctx context.Context) error
}

func newFakeSDK() *fakeSDK {
	return &fakeSDK{
		Provider: "fakeai",
		APIBase:  "https://api.fake.ai",
		Chat: &chatAPI{
			Complete: func(ctx context.Context, prompt string) (string, error) {
				return "echo: " + prompt, nil
			},
			Embed: func(ctx context.Context, text string) ([]float64, error) {
				return []float64{0.1, 0.2}, nil
			},
		},
		Flush: func(ctx context.Context) error { return nil },
	}
}

func TestWrappedCallEmitsTraceAndSpan(t *testing.T) {
	b := newBackend(t)
	client := newTestClient(t, b)
	ctx := context.Background()

	wrapped := Wrap(client, newFakeSDK())
	out, err := wrapped.Chat.Complete(ctx, "hello")
	if err != nil {
		t.Fatalf("wrapped call failed: %v", err)
	}
	if out != "echo: hello" {
		t.Fatalf("wrapped call must return the real result, got %q", out)
	}

	if err := client.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	traces := b.traces()
	if len(traces) != 1 || traces[0]["name"] != "Chat.Complete" {
		t.Fatalf("expected one trace named after the call path, got %v", traces)
	}
	if traces[0]["output"] != "echo: hello" {
		t.Errorf("trace output not recorded: %v", traces[0]["output"])
	}

	spans := b.spans()
	if len(spans) != 1 {
		t.Fatalf("expected one span, got %d", len(spans))
	}
	sp := spans[0]
	if sp["provider"] != "fakeai" {
		t.Errorf("provider not detected from the root object, got %v", sp["provider"])
	}
	if sp["type"] != "llm" {
		t.Errorf("expected llm span type, got %v", sp["type"])
	}
	if sp["input"] != "hello" || sp["output"] != "echo: hello" {
		t.Errorf("span payload wrong: input=%v output=%v", sp["input"], sp["output"])
	}
	if sp["end_time"] == nil {
		t.Error("span must be closed when the call returns")
	}
}

func TestWrappedFieldInvokesOriginalOnce(t *testing.T) {
	b := newBackend(t)
	client := newTestClient(t, b)

	calls := 0
	sdk := newFakeSDK()
	sdk.Chat.Complete = func(ctx context.Context, prompt string) (string, error) {
		calls++
		return "ok", nil
	}
	wrapped := Wrap(client, sdk)

	out, err := wrapped.Chat.Complete(context.Background(), "x")
	if err != nil || out != "ok" {
		t.Fatalf("wrapped call failed: %q %v", out, err)
	}
	if calls != 1 {
		t.Fatalf("the wrapper must call the detached original exactly once, got %d calls", calls)
	}
}

func TestNestedWrappedCallSharesRootProvider(t *testing.T) {
	b := newBackend(t)
	client := newTestClient(t, b)
	ctx := context.Background()

	sdk := newFakeSDK()
	var wrapped *fakeSDK
	sdk.Chat.Complete = func(ctx context.Context, prompt string) (string, error) {
		// A provider SDK calling its own surface again, as tool-use
		// loops do.
		if _, err := wrapped.Chat.Embed(ctx, prompt); err != nil {
			return "", err
		}
		return "done", nil
	}
	wrapped = Wrap(client, sdk)

	if _, err := wrapped.Chat.Complete(ctx, "hi"); err != nil {
		t.Fatalf("wrapped call failed: %v", err)
	}
	if err := client.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	traces := b.traces()
	if len(traces) != 1 {
		t.Fatalf("nested calls must share one trace, got %d", len(traces))
	}

	spans := b.spans()
	if len(spans) != 2 {
		t.Fatalf("expected outer and inner spans, got %d", len(spans))
	}
	byName := map[string]map[string]any{}
	for _, sp := range spans {
		byName[sp["name"].(string)] = sp
	}
	outer, inner := byName["Chat.Complete"], byName["Chat.Embed"]
	if outer == nil || inner == nil {
		t.Fatalf("missing spans: %v", byName)
	}
	if inner["parent_span_id"] != outer["id"] {
		t.Error("inner call must nest under the outer span")
	}
	if inner["provider"] != "fakeai" || outer["provider"] != "fakeai" {
		t.Error("every span must carry the provider detected at the root")
	}
}

func TestWrapNestsUnderContextTrace(t *testing.T) {
	b := newBackend(t)
	client := newTestClient(t, b)

	trace := client.Trace(opik.TraceParams{Name: "request"})
	ctx := opik.ContextWithTrace(context.Background(), trace)

	wrapped := Wrap(client, newFakeSDK())
	if _, err := wrapped.Chat.Complete(ctx, "hi"); err != nil {
		t.Fatalf("wrapped call failed: %v", err)
	}
	if err := client.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	traces := b.traces()
	if len(traces) != 1 || traces[0]["name"] != "request" {
		t.Fatalf("call must join the caller's trace, got %v", traces)
	}
	spans := b.spans()
	if len(spans) != 1 || spans[0]["trace_id"] != trace.ID() {
		t.Fatalf("span must belong to the caller's trace, got %v", spans)
	}
}

func TestWrapPreservesOriginalAndDataFields(t *testing.T) {
	b := newBackend(t)
	client := newTestClient(t, b)

	sdk := newFakeSDK()
	wrapped := Wrap(client, sdk)

	if wrapped.APIBase != "https://api.fake.ai" || wrapped.Provider != "fakeai" {
		t.Error("non-function fields must pass through untouched")
	}
	if wrapped.Chat == sdk.Chat {
		t.Error("nested objects must be copies, not the caller's instances")
	}
	out, err := sdk.Chat.Complete(context.Background(), "raw")
	if err != nil || out != "echo: raw" {
		t.Errorf("the unwrapped instance must keep working, got %q %v", out, err)
	}
}

func TestSharedSubObjectWrapsOnce(t *testing.T) {
	type root struct {
		Provider string
		A        *chatAPI
		B        *chatAPI
	}
	b := newBackend(t)
	client := newTestClient(t, b)

	shared := newFakeSDK().Chat
	wrapped := Wrap(client, &root{Provider: "fakeai", A: shared, B: shared})

	if wrapped.A != wrapped.B {
		t.Fatal("a shared sub-object must wrap to one shared copy")
	}
}

func TestFlushFieldDelegatesToClient(t *testing.T) {
	b := newBackend(t)
	client := newTestClient(t, b)
	ctx := context.Background()

	wrapped := Wrap(client, newFakeSDK())
	if _, err := wrapped.Chat.Complete(ctx, "hi"); err != nil {
		t.Fatalf("wrapped call failed: %v", err)
	}

	// No client.Flush here: the wrapped Flush field must deliver.
	if err := wrapped.Flush(ctx); err != nil {
		t.Fatalf("wrapped Flush failed: %v", err)
	}
	if len(b.traces()) != 1 || len(b.spans()) != 1 {
		t.Fatalf("wrapped Flush must transmit queued entities, got %d/%d",
			len(b.traces()), len(b.spans()))
	}
	// And it must not have produced a span of its own.
	for _, sp := range b.spans() {
		if strings.Contains(sp["name"].(string), "Flush") {
			t.Fatal("the Flush field must delegate, not be traced")
		}
	}
}

func TestErrorsPropagateAndAreRecorded(t *testing.T) {
	b := newBackend(t)
	client := newTestClient(t, b)
	ctx := context.Background()
	sentinel := errors.New("model overloaded")

	sdk := newFakeSDK()
	sdk.Chat.Complete = func(ctx context.Context, prompt string) (string, error) {
		return "", sentinel
	}
	wrapped := Wrap(client, sdk)

	_, err := wrapped.Chat.Complete(ctx, "hi")
	if !errors.Is(err, sentinel) {
		t.Fatalf("instrumentation must not mask the call's error, got %v", err)
	}

	if err := client.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	spans := b.spans()
	if len(spans) != 1 {
		t.Fatalf("expected one span, got %d", len(spans))
	}
	meta, _ := spans[0]["metadata"].(map[string]any)
	if meta["error_message"] != "model overloaded" {
		t.Errorf("error must be recorded on the span, got %v", meta)
	}
}

func TestPanicsPropagateAfterClosingSpan(t *testing.T) {
	b := newBackend(t)
	client := newTestClient(t, b)
	ctx := context.Background()

	sdk := newFakeSDK()
	sdk.Chat.Complete = func(ctx context.Context, prompt string) (string, error) {
		panic("boom")
	}
	wrapped := Wrap(client, sdk)

	func() {
		defer func() {
			if r := recover(); r != "boom" {
				t.Fatalf("panic must reach the caller unchanged, got %v", r)
			}
		}()
		_, _ = wrapped.Chat.Complete(ctx, "hi")
		t.Fatal("expected panic")
	}()

	if err := client.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	spans := b.spans()
	if len(spans) != 1 {
		t.Fatalf("span must be closed even on panic, got %d spans", len(spans))
	}
	meta, _ := spans[0]["metadata"].(map[string]any)
	msg, _ := meta["error_message"].(string)
	if !strings.Contains(msg, "boom") {
		t.Errorf("panic must be recorded on the span, got %v", meta)
	}
}

type methodSDK struct{ provider string }

func (m *methodSDK) ProviderName() string { return m.provider }

func (m *methodSDK) Generate(ctx context.Context, prompt string) (string, error) {
	return "gen: " + prompt, nil
}

func TestTracedWrapsMethodValues(t *testing.T) {
	b := newBackend(t)
	client := newTestClient(t, b)
	ctx := context.Background()

	sdk := &methodSDK{provider: "methodai"}
	generate := Traced(client, "Generate", sdk.Generate, WithProvider("methodai"))

	out, err := generate(ctx, "hi")
	if err != nil || out != "gen: hi" {
		t.Fatalf("traced method must return the real result, got %q %v", out, err)
	}

	if err := client.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	spans := b.spans()
	if len(spans) != 1 || spans[0]["name"] != "Generate" {
		t.Fatalf("expected one span for the traced method, got %v", spans)
	}
	if spans[0]["provider"] != "methodai" {
		t.Errorf("provider option not applied, got %v", spans[0]["provider"])
	}
}

func TestProviderNamerDetection(t *testing.T) {
	if got := detectProvider(&methodSDK{provider: "methodai"}); got != "methodai" {
		t.Fatalf("ProviderNamer must win detection, got %q", got)
	}
	if got := detectProvider(newFakeSDK()); got != "fakeai" {
		t.Fatalf("Provider field fallback failed, got %q", got)
	}
	if got := detectProvider(42); got != "" {
		t.Fatalf("non-struct targets have no provider, got %q", got)
	}
}

func TestWithSpanTypeOverride(t *testing.T) {
	b := newBackend(t)
	client := newTestClient(t, b)
	ctx := context.Background()

	wrapped := Wrap(client, newFakeSDK(), WithSpanType(opik.SpanTypeTool))
	if _, err := wrapped.Chat.Complete(ctx, "hi"); err != nil {
		t.Fatalf("wrapped call failed: %v", err)
	}
	if err := client.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	spans := b.spans()
	if len(spans) != 1 || spans[0]["type"] != "tool" {
		t.Fatalf("span type option not applied, got %v", spans)
	}
}
