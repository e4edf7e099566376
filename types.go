package opik

import "time"

// SpanType discriminates what kind of work a span records.
type SpanType string

const (
	SpanTypeGeneral SpanType = "general"
	SpanTypeTool    SpanType = "tool"
	SpanTypeLLM     SpanType = "llm"
)

// TraceData is the in-memory snapshot of a trace. Entities hold a
// single owned TraceData value and replace it wholesale on every
// update, so synchronous reads always observe the latest state even
// before the network call lands.
type TraceData struct {
	ID          string
	ProjectName string
	Name        string
	StartTime   time.Time
	EndTime     *time.Time
	Input       any
	Output      any
	Metadata    map[string]any
	Tags        []string
	ThreadID    string
}

// SpanData is the in-memory snapshot of a span. TraceID and
// ParentSpanID are fixed at creation; only timestamps, output,
// metadata, and usage change afterwards.
type SpanData struct {
	ID           string
	TraceID      string
	ParentSpanID string
	ProjectName  string
	Name         string
	Type         SpanType
	StartTime    time.Time
	EndTime      *time.Time
	Input        any
	Output       any
	Metadata     map[string]any
	Model        string
	Provider     string
	Usage        map[string]int
	Tags         []string
}

// TraceParams configures a new trace. Zero values are filled in:
// missing start time is stamped with the current time, missing project
// name falls back to the client's configured project.
type TraceParams struct {
	Name        string
	ProjectName string
	StartTime   time.Time
	EndTime     *time.Time
	Input       any
	Output      any
	Metadata    any
	Tags        []string
	ThreadID    string

	// Prompts attaches prompt version references to the trace
	// metadata under the reserved prompts key.
	Prompts []*Prompt
}

// TraceUpdateParams is a partial trace update. Nil fields are left
// untouched; Metadata is merged key-by-key into the current metadata.
type TraceUpdateParams struct {
	EndTime  *time.Time
	Input    any
	Output   any
	Metadata any
	Tags     []string
	Prompts  []*Prompt
}

// SpanParams configures a new span under a trace or a parent span.
type SpanParams struct {
	Name        string
	Type        SpanType
	ProjectName string
	StartTime   time.Time
	EndTime     *time.Time
	Input       any
	Output      any
	Metadata    any
	Model       string
	Provider    string
	Usage       map[string]int
	Tags        []string
}

// SpanUpdateParams is a partial span update. Only timestamps, output,
// metadata, and usage are mutable after creation.
type SpanUpdateParams struct {
	EndTime  *time.Time
	Output   any
	Metadata any
	Usage    map[string]int
}
