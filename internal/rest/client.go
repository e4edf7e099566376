// Package rest is the HTTP transport for the collection backend's
// private API. It is pure request/response plumbing: encode, send,
// decode, and classify failures into typed errors. Batching policy
// lives one layer up in internal/batch.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	workspaceHeader = "Comet-Workspace"

	defaultTimeout = 30 * time.Second
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the collection backend API
	// (e.g. "https://www.comet.com/opik/api").
	BaseURL string

	// APIKey authenticates requests. May be empty against a
	// self-hosted backend.
	APIKey string

	// WorkspaceName selects the workspace on multi-tenant backends.
	WorkspaceName string

	// HTTPClient is an optional custom HTTP client. If nil, a default
	// client with a 30-second timeout is used.
	HTTPClient *http.Client
}

// Client issues requests against the collection backend.
// All methods are safe for concurrent use.
type Client struct {
	baseURL   string
	apiKey    string
	workspace string
	client    *http.Client
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("opik: rest: BaseURL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		workspace: cfg.WorkspaceName,
		client:    httpClient,
	}, nil
}

// CreateTraces bulk-creates traces. The SDK never issues a per-entity
// create; a batch of one is still sent through here.
func (c *Client) CreateTraces(ctx context.Context, traces []TraceWrite) error {
	body := map[string]any{"traces": traces}
	return c.do(ctx, http.MethodPost, "/v1/private/traces/batch", body, nil)
}

// CreateSpans bulk-creates spans.
func (c *Client) CreateSpans(ctx context.Context, spans []SpanWrite) error {
	body := map[string]any{"spans": spans}
	return c.do(ctx, http.MethodPost, "/v1/private/spans/batch", body, nil)
}

// UpdateTrace patches a single trace by id.
func (c *Client) UpdateTrace(ctx context.Context, id string, upd TraceUpdate) error {
	return c.do(ctx, http.MethodPatch, "/v1/private/traces/"+url.PathEscape(id), upd, nil)
}

// UpdateSpan patches a single span by id.
func (c *Client) UpdateSpan(ctx context.Context, id string, upd SpanUpdate) error {
	return c.do(ctx, http.MethodPatch, "/v1/private/spans/"+url.PathEscape(id), upd, nil)
}

// ProjectExists reports whether a project with the given name exists.
func (c *Client) ProjectExists(ctx context.Context, name string) (bool, error) {
	var p Project
	err := c.do(ctx, http.MethodPost, "/v1/private/projects/retrieve", map[string]any{"name": name}, &p)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateProject creates a project. An already-existing project is not
// an error.
func (c *Client) CreateProject(ctx context.Context, name string) error {
	err := c.do(ctx, http.MethodPost, "/v1/private/projects", map[string]any{"name": name}, nil)
	if IsConflict(err) {
		return nil
	}
	return err
}

// GetPromptVersion retrieves the latest stored version of a named
// prompt. Returns a NotFound error when the prompt does not exist.
func (c *Client) GetPromptVersion(ctx context.Context, name string) (*PromptVersion, error) {
	body := map[string]any{"name": name}
	var pv PromptVersion
	if err := c.do(ctx, http.MethodPost, "/v1/private/prompts/versions/retrieve", body, &pv); err != nil {
		return nil, err
	}
	return &pv, nil
}

// CreatePromptVersion stores a new version of a named prompt, creating
// the prompt itself if needed.
func (c *Client) CreatePromptVersion(ctx context.Context, pv PromptVersion) (*PromptVersion, error) {
	version := map[string]any{"template": pv.Template}
	if pv.Type != "" {
		version["type"] = pv.Type
	}
	if pv.Metadata != nil {
		version["metadata"] = pv.Metadata
	}
	body := map[string]any{"name": pv.Name, "version": version}
	var created PromptVersion
	if err := c.do(ctx, http.MethodPost, "/v1/private/prompts/versions", body, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// errorEnvelope is the backend's standard error response wrapper.
type errorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Errors  []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) do(ctx context.Context, method, path string, body, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("opik: rest: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("opik: rest: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", c.apiKey)
	}
	if c.workspace != "" {
		req.Header.Set(workspaceHeader, c.workspace)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("opik: rest: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("opik: rest: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	if resp.StatusCode == http.StatusNoContent || dest == nil || len(bodyBytes) == 0 {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return fmt.Errorf("opik: rest: decode response: %w", err)
	}
	return nil
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && (envelope.Message != "" || len(envelope.Errors) > 0) {
		apiErr.Code = envelope.Code
		apiErr.Message = envelope.Message
		if apiErr.Message == "" {
			apiErr.Message = envelope.Errors[0].Message
		}
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}
	return apiErr
}

// Error represents an error from the collection backend with the HTTP
// status code and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("opik: backend %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == http.StatusNotFound
}

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == http.StatusUnauthorized
}

// IsConflict returns true if the error is a 409.
func IsConflict(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == http.StatusConflict
}

// IsRateLimited returns true if the error is a 429.
func IsRateLimited(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == http.StatusTooManyRequests
}
