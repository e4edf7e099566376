package opik

import (
	"sync"
	"time"

	"github.com/opikhq/opik-go/internal/jsonmeta"
	"github.com/opikhq/opik-go/internal/rest"
)

// Span is a live handle to a unit of work within a trace. Its trace id
// and parent span id are fixed at creation; timestamps, output,
// metadata, and usage remain mutable through Update.
type Span struct {
	client *Client

	mu   sync.Mutex
	data SpanData
}

// ID returns the span id, assigned at creation and immutable. The
// lock is still required: Update replaces the whole data value.
func (s *Span) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ID
}

// TraceID returns the id of the owning trace.
func (s *Span) TraceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.TraceID
}

// Data returns a copy of the current in-memory snapshot.
func (s *Span) Data() SpanData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Span opens a nested child span under this span. Nesting depth is
// unbounded; the child shares this span's trace and project.
func (s *Span) Span(params SpanParams) *Span {
	s.mu.Lock()
	traceID := s.data.TraceID
	parentID := s.data.ID
	project := s.data.ProjectName
	s.mu.Unlock()

	return s.client.newSpan(traceID, parentID, project, params)
}

// Update applies a partial update: metadata is merged key-by-key into
// the current metadata, other non-nil fields replace their current
// values. The in-memory snapshot is updated synchronously and the
// change is enqueued for transmission.
func (s *Span) Update(params SpanUpdateParams) {
	s.mu.Lock()

	next := s.data
	metadataTouched := params.Metadata != nil
	if metadataTouched {
		next.Metadata = jsonmeta.MergeUpdate(next.Metadata, params.Metadata, nil)
	}
	if params.EndTime != nil {
		next.EndTime = clampEnd(next.StartTime, *params.EndTime)
	}
	if params.Output != nil {
		next.Output = params.Output
	}
	if params.Usage != nil {
		next.Usage = params.Usage
	}
	s.data = next

	upd := rest.SpanUpdate{
		TraceID:     next.TraceID,
		ProjectName: next.ProjectName,
		EndTime:     next.EndTime,
		Output:      params.Output,
		Usage:       params.Usage,
	}
	if metadataTouched {
		upd.Metadata = next.Metadata
	}
	id := next.ID
	s.mu.Unlock()

	s.client.spans.Update(id, upd)
}

// End closes the span at the current time.
func (s *Span) End() {
	now := time.Now().UTC()
	s.Update(SpanUpdateParams{EndTime: &now})
}
