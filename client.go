package opik

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/singleflight"

	"github.com/opikhq/opik-go/internal/batch"
	"github.com/opikhq/opik-go/internal/config"
	"github.com/opikhq/opik-go/internal/jsonmeta"
	"github.com/opikhq/opik-go/internal/rest"
	"github.com/opikhq/opik-go/internal/spool"
)

// Spool entry kinds. The payload encodes the full delivery call so a
// drained entry can be replayed without queue state.
const (
	spoolTraceCreate = "trace_create"
	spoolSpanCreate  = "span_create"
	spoolTraceUpdate = "trace_update"
	spoolSpanUpdate  = "span_update"
)

// Client is the single entry point of the capture pipeline. It owns
// configuration, one batch queue per entity kind, and a
// project-existence cache. Capture calls never block on the network;
// all transmission happens through the batch queues.
//
// All methods are safe for concurrent use.
type Client struct {
	cfg    config.Config
	logger *slog.Logger
	rest   *rest.Client

	traces *batch.Queue[rest.TraceWrite, rest.TraceUpdate]
	spans  *batch.Queue[rest.SpanWrite, rest.SpanUpdate]

	spool *spool.Spool // nil unless WithSpoolPath was given

	projectSF singleflight.Group
	projectMu sync.Mutex
	projects  map[string]struct{}
}

// New constructs a Client. Configuration precedence is explicit option
// > environment variable > .env file > built-in default. Construction
// fails on invalid configuration, e.g. a cloud endpoint without an API
// key or workspace name.
func New(opts ...Option) (*Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	resolved := resolvedOptions{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(&resolved)
	}
	if err := resolved.cfg.Validate(); err != nil {
		return nil, err
	}

	restClient, err := rest.NewClient(rest.Config{
		BaseURL:       resolved.cfg.BaseURL,
		APIKey:        resolved.cfg.APIKey,
		WorkspaceName: resolved.cfg.WorkspaceName,
		HTTPClient:    resolved.httpClient,
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:      resolved.cfg,
		logger:   resolved.logger,
		rest:     restClient,
		projects: make(map[string]struct{}),
	}

	if resolved.spoolPath != "" {
		sp, err := spool.Open(resolved.spoolPath)
		if err != nil {
			return nil, err
		}
		c.spool = sp
	}

	qcfg := batch.Config{
		FlushDelay:     resolved.cfg.BatchDelay,
		HoldUntilFlush: resolved.cfg.HoldUntilFlush,
		Logger:         resolved.logger,
	}
	c.traces = batch.New[rest.TraceWrite, rest.TraceUpdate](&traceSender{c}, mergeTraceCreate, qcfg)
	c.spans = batch.New[rest.SpanWrite, rest.SpanUpdate](&spanSender{c}, mergeSpanCreate, qcfg)

	meter := otel.GetMeterProvider().Meter("github.com/opikhq/opik-go")
	c.traces.RegisterMetrics(meter, "trace")
	c.spans.RegisterMetrics(meter, "span")

	return c, nil
}

// Trace opens a new trace and registers its creation with the batch
// queue. It returns a live handle immediately, without waiting for the
// network.
func (c *Client) Trace(params TraceParams) *Trace {
	data := TraceData{
		ID:          uuid.NewString(),
		ProjectName: params.ProjectName,
		Name:        params.Name,
		StartTime:   params.StartTime,
		EndTime:     params.EndTime,
		Input:       params.Input,
		Output:      params.Output,
		Metadata:    jsonmeta.MergeUpdate(nil, params.Metadata, promptRefs(params.Prompts)),
		Tags:        params.Tags,
		ThreadID:    params.ThreadID,
	}
	if data.ProjectName == "" {
		data.ProjectName = c.cfg.ProjectName
	}
	if data.StartTime.IsZero() {
		data.StartTime = time.Now().UTC()
	}

	t := &Trace{client: c, data: data}
	c.traces.Create(data.ID, traceWrite(data))
	return t
}

// ProjectName returns the client's default project.
func (c *Client) ProjectName() string {
	return c.cfg.ProjectName
}

// Flush transmits everything queued in both entity queues and waits for
// delivery to complete. Spooled batches from earlier failed flushes are
// re-attempted first.
func (c *Client) Flush(ctx context.Context) error {
	var errs []error
	if c.spool != nil {
		if _, err := c.spool.Drain(ctx, c.redeliver); err != nil {
			c.logger.Warn("opik: spool redelivery incomplete", "error", err)
		}
	}
	if err := c.traces.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.spans.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Shutdown flushes both queues and releases owned resources. The client
// must not be used afterwards.
func (c *Client) Shutdown(ctx context.Context) error {
	err := c.Flush(ctx)
	if c.spool != nil {
		if cerr := c.spool.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// ensureProject makes sure a project exists, creating it on first
// sight. Results are cached per unique project name; concurrent lookups
// for the same name collapse into one backend call.
func (c *Client) ensureProject(ctx context.Context, name string) error {
	c.projectMu.Lock()
	_, known := c.projects[name]
	c.projectMu.Unlock()
	if known {
		return nil
	}

	_, err, _ := c.projectSF.Do(name, func() (any, error) {
		exists, err := c.rest.ProjectExists(ctx, name)
		if err != nil {
			return nil, err
		}
		if !exists {
			if err := c.rest.CreateProject(ctx, name); err != nil {
				return nil, err
			}
		}
		c.projectMu.Lock()
		c.projects[name] = struct{}{}
		c.projectMu.Unlock()
		return nil, nil
	})
	return err
}

func (c *Client) ensureProjects(ctx context.Context, names map[string]struct{}) error {
	for name := range names {
		if name == "" {
			continue
		}
		if err := c.ensureProject(ctx, name); err != nil {
			return fmt.Errorf("ensure project %q: %w", name, err)
		}
	}
	return nil
}

// spoolOrFail stores a failed delivery for the next flush when a spool
// is configured; otherwise the original error is propagated and the
// queue records the loss.
func (c *Client) spoolOrFail(ctx context.Context, kind string, payload any, cause error) error {
	if c.spool == nil {
		return cause
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return errors.Join(cause, err)
	}
	if err := c.spool.Put(ctx, kind, encoded); err != nil {
		return errors.Join(cause, err)
	}
	c.logger.Warn("opik: delivery failed, batch spooled for retry", "kind", kind, "error", cause)
	return nil
}

// redeliver replays one spooled entry.
func (c *Client) redeliver(ctx context.Context, kind string, payload []byte) error {
	switch kind {
	case spoolTraceCreate:
		var traces []rest.TraceWrite
		if err := json.Unmarshal(payload, &traces); err != nil {
			return err
		}
		return c.rest.CreateTraces(ctx, traces)
	case spoolSpanCreate:
		var spans []rest.SpanWrite
		if err := json.Unmarshal(payload, &spans); err != nil {
			return err
		}
		return c.rest.CreateSpans(ctx, spans)
	case spoolTraceUpdate:
		var entry struct {
			ID     string           `json:"id"`
			Update rest.TraceUpdate `json:"update"`
		}
		if err := json.Unmarshal(payload, &entry); err != nil {
			return err
		}
		return c.rest.UpdateTrace(ctx, entry.ID, entry.Update)
	case spoolSpanUpdate:
		var entry struct {
			ID     string          `json:"id"`
			Update rest.SpanUpdate `json:"update"`
		}
		if err := json.Unmarshal(payload, &entry); err != nil {
			return err
		}
		return c.rest.UpdateSpan(ctx, entry.ID, entry.Update)
	default:
		return fmt.Errorf("unknown spool kind %q", kind)
	}
}

// traceSender delivers drained trace batches. Project existence is
// resolved here, inside the flush path, so capture calls stay free of
// network I/O.
type traceSender struct{ c *Client }

func (s *traceSender) SendCreate(ctx context.Context, traces []rest.TraceWrite) error {
	names := make(map[string]struct{}, 1)
	for _, t := range traces {
		names[t.ProjectName] = struct{}{}
	}
	if err := s.c.ensureProjects(ctx, names); err != nil {
		return err
	}
	if err := s.c.rest.CreateTraces(ctx, traces); err != nil {
		return s.c.spoolOrFail(ctx, spoolTraceCreate, traces, err)
	}
	return nil
}

func (s *traceSender) SendUpdate(ctx context.Context, id string, upd rest.TraceUpdate) error {
	if err := s.c.rest.UpdateTrace(ctx, id, upd); err != nil {
		entry := map[string]any{"id": id, "update": upd}
		return s.c.spoolOrFail(ctx, spoolTraceUpdate, entry, err)
	}
	return nil
}

type spanSender struct{ c *Client }

func (s *spanSender) SendCreate(ctx context.Context, spans []rest.SpanWrite) error {
	names := make(map[string]struct{}, 1)
	for _, sp := range spans {
		names[sp.ProjectName] = struct{}{}
	}
	if err := s.c.ensureProjects(ctx, names); err != nil {
		return err
	}
	if err := s.c.rest.CreateSpans(ctx, spans); err != nil {
		return s.c.spoolOrFail(ctx, spoolSpanCreate, spans, err)
	}
	return nil
}

func (s *spanSender) SendUpdate(ctx context.Context, id string, upd rest.SpanUpdate) error {
	if err := s.c.rest.UpdateSpan(ctx, id, upd); err != nil {
		entry := map[string]any{"id": id, "update": upd}
		return s.c.spoolOrFail(ctx, spoolSpanUpdate, entry, err)
	}
	return nil
}

// mergeTraceCreate folds a partial update into a still-queued trace
// creation so the network sees a single fully-updated create.
func mergeTraceCreate(c rest.TraceWrite, u rest.TraceUpdate) rest.TraceWrite {
	if u.EndTime != nil {
		c.EndTime = u.EndTime
	}
	if u.Input != nil {
		c.Input = u.Input
	}
	if u.Output != nil {
		c.Output = u.Output
	}
	if u.Metadata != nil {
		c.Metadata = u.Metadata
	}
	if u.Tags != nil {
		c.Tags = u.Tags
	}
	return c
}

func mergeSpanCreate(c rest.SpanWrite, u rest.SpanUpdate) rest.SpanWrite {
	if u.EndTime != nil {
		c.EndTime = u.EndTime
	}
	if u.Input != nil {
		c.Input = u.Input
	}
	if u.Output != nil {
		c.Output = u.Output
	}
	if u.Metadata != nil {
		c.Metadata = u.Metadata
	}
	if u.Usage != nil {
		c.Usage = u.Usage
	}
	if u.Model != "" {
		c.Model = u.Model
	}
	if u.Provider != "" {
		c.Provider = u.Provider
	}
	if u.Tags != nil {
		c.Tags = u.Tags
	}
	return c
}

func traceWrite(d TraceData) rest.TraceWrite {
	return rest.TraceWrite{
		ID:          d.ID,
		ProjectName: d.ProjectName,
		Name:        d.Name,
		StartTime:   d.StartTime,
		EndTime:     d.EndTime,
		Input:       d.Input,
		Output:      d.Output,
		Metadata:    emptyAsNil(d.Metadata),
		Tags:        d.Tags,
		ThreadID:    d.ThreadID,
	}
}

func spanWrite(d SpanData) rest.SpanWrite {
	return rest.SpanWrite{
		ID:           d.ID,
		TraceID:      d.TraceID,
		ParentSpanID: d.ParentSpanID,
		ProjectName:  d.ProjectName,
		Name:         d.Name,
		Type:         string(d.Type),
		StartTime:    d.StartTime,
		EndTime:      d.EndTime,
		Input:        d.Input,
		Output:       d.Output,
		Metadata:     emptyAsNil(d.Metadata),
		Model:        d.Model,
		Provider:     d.Provider,
		Usage:        d.Usage,
		Tags:         d.Tags,
	}
}

// emptyAsNil keeps empty metadata off the wire.
func emptyAsNil(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	return m
}
