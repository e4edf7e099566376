package rest

import "time"

// TraceWrite is the wire shape for a trace creation. Creations are
// always sent through the bulk endpoint, even for a single trace.
type TraceWrite struct {
	ID          string         `json:"id"`
	ProjectName string         `json:"project_name,omitempty"`
	Name        string         `json:"name,omitempty"`
	StartTime   time.Time      `json:"start_time"`
	EndTime     *time.Time     `json:"end_time,omitempty"`
	Input       any            `json:"input,omitempty"`
	Output      any            `json:"output,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	ThreadID    string         `json:"thread_id,omitempty"`
}

// TraceUpdate is the wire shape for a partial trace patch. The server
// keys the patch by trace id (in the URL) and project name.
type TraceUpdate struct {
	ProjectName string         `json:"project_name,omitempty"`
	EndTime     *time.Time     `json:"end_time,omitempty"`
	Input       any            `json:"input,omitempty"`
	Output      any            `json:"output,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
}

// SpanWrite is the wire shape for a span creation.
type SpanWrite struct {
	ID           string         `json:"id"`
	TraceID      string         `json:"trace_id"`
	ParentSpanID string         `json:"parent_span_id,omitempty"`
	ProjectName  string         `json:"project_name,omitempty"`
	Name         string         `json:"name,omitempty"`
	Type         string         `json:"type"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      *time.Time     `json:"end_time,omitempty"`
	Input        any            `json:"input,omitempty"`
	Output       any            `json:"output,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Model        string         `json:"model,omitempty"`
	Provider     string         `json:"provider,omitempty"`
	Usage        map[string]int `json:"usage,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
}

// SpanUpdate is the wire shape for a partial span patch.
type SpanUpdate struct {
	TraceID     string         `json:"trace_id,omitempty"`
	ProjectName string         `json:"project_name,omitempty"`
	EndTime     *time.Time     `json:"end_time,omitempty"`
	Input       any            `json:"input,omitempty"`
	Output      any            `json:"output,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Model       string         `json:"model,omitempty"`
	Provider    string         `json:"provider,omitempty"`
	Usage       map[string]int `json:"usage,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
}

// Project is a collection-backend project record.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PromptVersion is a stored prompt template version.
type PromptVersion struct {
	PromptID string         `json:"prompt_id,omitempty"`
	Name     string         `json:"name"`
	Template string         `json:"template"`
	Type     string         `json:"type,omitempty"`
	Commit   string         `json:"commit,omitempty"`
	Version  int            `json:"version,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
