// Package instrument wraps provider SDK clients so that their calls
// transparently emit Opik spans. Interception is structural rather than
// an enumerated wrapper list: provider SDKs expose dozens of call
// shapes and nested namespaces that change between versions, and
// hand-maintained wrappers would silently miss new ones.
//
// Wrap walks an object graph of struct fields: function-typed fields
// are replaced with traced equivalents, object-typed fields are wrapped
// recursively, and everything else passes through untouched. Provider
// identity is detected once from the root object and threaded into
// every span the wrapped instance emits, however deeply nested the
// call. Method-based SDK surfaces, which Go cannot rewrite in place,
// are covered by Traced, which wraps an individual method value.
package instrument

import (
	"context"
	"fmt"
	"reflect"
	"time"

	opik "github.com/opikhq/opik-go"
)

// ProviderNamer is the duck-typed marker a provider client may expose
// to identify which backend it talks to.
type ProviderNamer interface {
	ProviderName() string
}

// Option configures wrapping.
type Option func(*settings)

type settings struct {
	provider string
	spanType opik.SpanType
}

// WithProvider overrides provider detection with an explicit name.
func WithProvider(name string) Option {
	return func(s *settings) { s.provider = name }
}

// WithSpanType sets the span type emitted for wrapped calls. Default is
// the LLM span type.
func WithSpanType(t opik.SpanType) Option {
	return func(s *settings) { s.spanType = t }
}

// wrapper carries per-root state: the client, the provider tag detected
// once at the root, and a memo of already-wrapped pointers so shared
// and cyclic sub-objects wrap exactly once.
type wrapper struct {
	client   *opik.Client
	provider string
	spanType opik.SpanType
	seen     map[uintptr]reflect.Value
}

var (
	ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType = reflect.TypeOf((*error)(nil)).Elem()
)

// Wrap returns a value with the same shape as target whose
// function-typed fields emit a span per invocation. A struct or
// struct-pointer target is copied and its exported fields rewritten;
// nested struct fields are wrapped recursively under the same provider
// tag. Any other kind of value is returned unchanged.
//
// A field named Flush with signature func(context.Context) error is
// special-cased to delegate to the client's Flush instead of being
// traced.
func Wrap[T any](client *opik.Client, target T, opts ...Option) T {
	cfg := settings{spanType: opik.SpanTypeLLM}
	for _, opt := range opts {
		opt(&cfg)
	}

	w := &wrapper{
		client:   client,
		provider: cfg.provider,
		spanType: cfg.spanType,
		seen:     make(map[uintptr]reflect.Value),
	}
	if w.provider == "" {
		w.provider = detectProvider(target)
	}

	v := reflect.ValueOf(target)
	wrapped := w.wrapValue(v, "")
	if !wrapped.IsValid() {
		return target
	}
	out, ok := wrapped.Interface().(T)
	if !ok {
		return target
	}
	return out
}

// Traced wraps a single function value, typically a method value of a
// provider client, so each call emits a span named name. The wrapped
// call's error is re-returned unchanged after the span is closed;
// instrumentation never masks the real failure.
func Traced[F any](client *opik.Client, name string, fn F, opts ...Option) F {
	cfg := settings{spanType: opik.SpanTypeLLM}
	for _, opt := range opts {
		opt(&cfg)
	}

	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return fn
	}
	w := &wrapper{client: client, provider: cfg.provider, spanType: cfg.spanType}
	return w.wrapFunc(v, name).Interface().(F)
}

// detectProvider performs the one-time, duck-typed provider lookup on
// the root object.
func detectProvider(target any) string {
	if pn, ok := target.(ProviderNamer); ok {
		return pn.ProviderName()
	}

	v := reflect.ValueOf(target)
	for v.Kind() == reflect.Pointer && !v.IsNil() {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return ""
	}
	for _, fieldName := range []string{"Provider", "ProviderName"} {
		f := v.FieldByName(fieldName)
		if f.IsValid() && f.Kind() == reflect.String {
			return f.String()
		}
	}
	return ""
}

// wrapValue dispatches on the value's kind. path is the dotted field
// path from the root, used as the span name prefix.
func (w *wrapper) wrapValue(v reflect.Value, path string) reflect.Value {
	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() || v.Elem().Kind() != reflect.Struct {
			return v
		}
		if memo, ok := w.seen[v.Pointer()]; ok {
			return memo
		}
		clone := reflect.New(v.Type().Elem())
		clone.Elem().Set(v.Elem())
		w.seen[v.Pointer()] = clone
		w.wrapStructFields(clone.Elem(), path)
		return clone
	case reflect.Struct:
		clone := reflect.New(v.Type()).Elem()
		clone.Set(v)
		w.wrapStructFields(clone, path)
		return clone
	case reflect.Func:
		if v.IsNil() {
			return v
		}
		return w.wrapFunc(v, path)
	default:
		return v
	}
}

// wrapStructFields rewrites the exported fields of an addressable
// struct copy in place.
func (w *wrapper) wrapStructFields(sv reflect.Value, path string) {
	t := sv.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		fv := sv.Field(i)
		name := field.Name
		if path != "" {
			name = path + "." + field.Name
		}

		if field.Name == "Flush" && fv.Kind() == reflect.Func && isFlushSignature(field.Type) {
			fv.Set(reflect.ValueOf(w.client.Flush))
			continue
		}

		switch fv.Kind() {
		case reflect.Func:
			// Detach the function value from the field slot before
			// overwriting it: a traced replacement built from the
			// addressable field would dereference the slot at call
			// time and invoke itself.
			fv.Set(w.wrapValue(reflect.ValueOf(fv.Interface()), name))
		case reflect.Pointer, reflect.Struct:
			fv.Set(w.wrapValue(fv, name))
		}
	}
}

func isFlushSignature(t reflect.Type) bool {
	return t.NumIn() == 1 && t.NumOut() == 1 &&
		t.In(0) == ctxType && t.Out(0) == errType
}

// wrapFunc builds a traced replacement for fn. The replacement opens a
// span before invoking fn, threads the span through the context so
// nested wrapped calls become children, records the output or error
// once fn returns, and closes the span. Errors and panics propagate to
// the original caller untouched.
func (w *wrapper) wrapFunc(fn reflect.Value, name string) reflect.Value {
	t := fn.Type()

	return reflect.MakeFunc(t, func(args []reflect.Value) []reflect.Value {
		ctx, hasCtx := callContext(args)
		span, finishTrace := w.openSpan(ctx, name, callInput(args, hasCtx))
		if hasCtx {
			args = append([]reflect.Value(nil), args...)
			args[0] = reflect.ValueOf(opik.ContextWithSpan(ctx, span))
		}

		defer func() {
			if r := recover(); r != nil {
				w.closeSpan(span, finishTrace, nil, fmt.Errorf("panic: %v", r))
				panic(r)
			}
		}()

		var results []reflect.Value
		if t.IsVariadic() {
			results = fn.CallSlice(args)
		} else {
			results = fn.Call(args)
		}

		w.closeSpan(span, finishTrace, callOutput(t, results), callError(t, results))
		return results
	})
}

// openSpan nests under the span or trace carried by ctx; a call with
// neither opens a fresh trace that is ended together with the span.
func (w *wrapper) openSpan(ctx context.Context, name string, input any) (*opik.Span, *opik.Trace) {
	params := opik.SpanParams{
		Name:     name,
		Type:     w.spanType,
		Provider: w.provider,
		Input:    input,
	}
	if parent, ok := opik.SpanFromContext(ctx); ok {
		return parent.Span(params), nil
	}
	if trace, ok := opik.TraceFromContext(ctx); ok {
		return trace.Span(params), nil
	}
	trace := w.client.Trace(opik.TraceParams{Name: name, Input: input})
	return trace.Span(params), trace
}

func (w *wrapper) closeSpan(span *opik.Span, trace *opik.Trace, output any, err error) {
	now := time.Now().UTC()
	upd := opik.SpanUpdateParams{EndTime: &now, Output: output}
	if err != nil {
		upd.Metadata = map[string]any{"error_message": err.Error()}
	}
	span.Update(upd)

	if trace != nil {
		trace.Update(opik.TraceUpdateParams{EndTime: &now, Output: output})
	}
}

// callContext extracts the caller's context when the wrapped function
// takes one as its first parameter.
func callContext(args []reflect.Value) (context.Context, bool) {
	if len(args) > 0 && args[0].Type().Implements(ctxType) {
		if ctx, ok := args[0].Interface().(context.Context); ok && ctx != nil {
			return ctx, true
		}
	}
	return context.Background(), false
}

// callInput records the non-context arguments as the span input.
func callInput(args []reflect.Value, hasCtx bool) any {
	if hasCtx {
		args = args[1:]
	}
	switch len(args) {
	case 0:
		return nil
	case 1:
		return args[0].Interface()
	default:
		in := make([]any, len(args))
		for i, a := range args {
			in[i] = a.Interface()
		}
		return in
	}
}

// callOutput records the first non-error return as the span output.
func callOutput(t reflect.Type, results []reflect.Value) any {
	for i, r := range results {
		if t.Out(i) == errType {
			continue
		}
		return r.Interface()
	}
	return nil
}

// callError extracts a non-nil error return, conventionally the last.
func callError(t reflect.Type, results []reflect.Value) error {
	for i := len(results) - 1; i >= 0; i-- {
		if t.Out(i) != errType {
			continue
		}
		if results[i].IsNil() {
			return nil
		}
		err, _ := results[i].Interface().(error)
		return err
	}
	return nil
}
