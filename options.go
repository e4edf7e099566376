package opik

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/opikhq/opik-go/internal/config"
)

// Option configures a Client. Options take precedence over environment
// variables and the .env file.
type Option func(*resolvedOptions)

// resolvedOptions holds the configuration after applying env, file, and
// option layers. Unexported — callers use the With* functions.
type resolvedOptions struct {
	cfg        config.Config
	logger     *slog.Logger
	httpClient *http.Client
	spoolPath  string
}

// WithAPIKey sets the API key (OPIK_API_KEY env var).
func WithAPIKey(key string) Option {
	return func(o *resolvedOptions) { o.cfg.APIKey = key }
}

// WithBaseURL overrides the collection backend URL (OPIK_URL_OVERRIDE
// env var). Non-cloud URLs do not require credentials.
func WithBaseURL(url string) Option {
	return func(o *resolvedOptions) { o.cfg.BaseURL = url }
}

// WithProjectName sets the default project for captured traces and
// spans (OPIK_PROJECT_NAME env var).
func WithProjectName(name string) Option {
	return func(o *resolvedOptions) { o.cfg.ProjectName = name }
}

// WithWorkspace sets the workspace name (OPIK_WORKSPACE env var).
func WithWorkspace(name string) Option {
	return func(o *resolvedOptions) { o.cfg.WorkspaceName = name }
}

// WithBatchDelay sets the debounce window before queued operations are
// flushed automatically (OPIK_BATCH_DELAY_MS env var).
func WithBatchDelay(d time.Duration) Option {
	return func(o *resolvedOptions) { o.cfg.BatchDelay = d }
}

// WithHoldUntilFlush disables the automatic flush timer; nothing is
// transmitted until Flush is called explicitly (OPIK_HOLD_UNTIL_FLUSH
// env var). Use this in short-lived processes such as serverless
// handlers, where a timer flush would either delay exit or never fire.
func WithHoldUntilFlush(hold bool) Option {
	return func(o *resolvedOptions) { o.cfg.HoldUntilFlush = hold }
}

// WithLogger sets the structured logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithHTTPClient sets a custom HTTP client for the transport.
func WithHTTPClient(client *http.Client) Option {
	return func(o *resolvedOptions) { o.httpClient = client }
}

// WithSpoolPath enables the durable retry spool at the given sqlite
// file path. Batches that fail to transmit are spooled and re-attempted
// at the start of the next flush, surviving process restarts.
func WithSpoolPath(path string) Option {
	return func(o *resolvedOptions) { o.spoolPath = path }
}
