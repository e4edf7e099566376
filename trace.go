package opik

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opikhq/opik-go/internal/jsonmeta"
	"github.com/opikhq/opik-go/internal/rest"
)

// Trace is a live handle to a top-level execution record. The handle
// owns a single data snapshot; every mutation computes a fresh snapshot
// value, assigns it, and enqueues the change with the batch queue, so
// reads are consistent without waiting for the network.
type Trace struct {
	client *Client

	mu   sync.Mutex
	data TraceData
}

// ID returns the trace id, assigned at creation and immutable. The
// lock is still required: Update replaces the whole data value.
func (t *Trace) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data.ID
}

// Data returns a copy of the current in-memory snapshot.
func (t *Trace) Data() TraceData {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data
}

// Span opens a child span under this trace and enqueues its creation.
// The child's project name is derived with the trace's project taking
// precedence over an explicit override, which takes precedence over the
// client's default. Returns a live handle immediately.
func (t *Trace) Span(params SpanParams) *Span {
	t.mu.Lock()
	project := t.data.ProjectName
	traceID := t.data.ID
	t.mu.Unlock()

	return t.client.newSpan(traceID, "", project, params)
}

// Update applies a partial update: metadata is merged key-by-key into
// the current metadata, other non-nil fields replace their current
// values. The in-memory snapshot is updated synchronously and the
// change is enqueued for transmission.
func (t *Trace) Update(params TraceUpdateParams) {
	t.mu.Lock()

	next := t.data
	refs := promptRefs(params.Prompts)
	metadataTouched := params.Metadata != nil || len(refs) > 0
	if metadataTouched {
		next.Metadata = jsonmeta.MergeUpdate(next.Metadata, params.Metadata, refs)
	}
	if params.EndTime != nil {
		next.EndTime = clampEnd(next.StartTime, *params.EndTime)
	}
	if params.Input != nil {
		next.Input = params.Input
	}
	if params.Output != nil {
		next.Output = params.Output
	}
	if params.Tags != nil {
		next.Tags = params.Tags
	}
	t.data = next

	upd := rest.TraceUpdate{
		ProjectName: next.ProjectName,
		EndTime:     next.EndTime,
		Input:       params.Input,
		Output:      params.Output,
		Tags:        params.Tags,
	}
	if metadataTouched {
		upd.Metadata = next.Metadata
	}
	id := next.ID
	t.mu.Unlock()

	t.client.traces.Update(id, upd)
}

// End closes the trace at the current time.
func (t *Trace) End() {
	now := time.Now().UTC()
	t.Update(TraceUpdateParams{EndTime: &now})
}

// newSpan assembles and enqueues a span creation shared by Trace.Span
// and Span.Span.
func (c *Client) newSpan(traceID, parentSpanID, project string, params SpanParams) *Span {
	if project == "" {
		project = params.ProjectName
	}
	if project == "" {
		project = c.cfg.ProjectName
	}

	data := SpanData{
		ID:           uuid.NewString(),
		TraceID:      traceID,
		ParentSpanID: parentSpanID,
		ProjectName:  project,
		Name:         params.Name,
		Type:         params.Type,
		StartTime:    params.StartTime,
		EndTime:      params.EndTime,
		Input:        params.Input,
		Output:       params.Output,
		Metadata:     jsonmeta.Normalize(params.Metadata),
		Model:        params.Model,
		Provider:     params.Provider,
		Usage:        params.Usage,
		Tags:         params.Tags,
	}
	if data.Type == "" {
		data.Type = SpanTypeGeneral
	}
	if data.StartTime.IsZero() {
		data.StartTime = time.Now().UTC()
	}

	s := &Span{client: c, data: data}
	c.spans.Create(data.ID, spanWrite(data))
	return s
}

// clampEnd enforces that an end time is never older than the start.
func clampEnd(start, end time.Time) *time.Time {
	if end.Before(start) {
		end = start
	}
	return &end
}
