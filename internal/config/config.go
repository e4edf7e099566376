// Package config loads and validates SDK configuration. Precedence is
// explicit constructor option > environment variable > .env file >
// built-in default; the option layer is applied by the client, this
// package owns the remaining three.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultBaseURL is the hosted ("cloud") collection backend. Cloud
// endpoints require an API key and a workspace name.
const DefaultBaseURL = "https://www.comet.com/opik/api"

// Config holds all SDK configuration.
type Config struct {
	APIKey        string
	BaseURL       string
	ProjectName   string
	WorkspaceName string

	// BatchDelay is the debounce window before queued operations are
	// flushed automatically.
	BatchDelay time.Duration

	// HoldUntilFlush disables the automatic flush timer; the caller
	// must flush explicitly. Meant for short-lived processes.
	HoldUntilFlush bool
}

// Load reads configuration from environment variables, falling back to
// a .env file in the working directory and then to built-in defaults.
func Load() (Config, error) {
	// Values already present in the environment win over the file.
	_ = godotenv.Load()

	delayMs, err := envInt("OPIK_BATCH_DELAY_MS", 300)
	if err != nil {
		return Config{}, err
	}
	hold, err := envBool("OPIK_HOLD_UNTIL_FLUSH", false)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		APIKey:         envStr("OPIK_API_KEY", ""),
		BaseURL:        envStr("OPIK_URL_OVERRIDE", DefaultBaseURL),
		ProjectName:    envStr("OPIK_PROJECT_NAME", "Default Project"),
		WorkspaceName:  envStr("OPIK_WORKSPACE", ""),
		BatchDelay:     time.Duration(delayMs) * time.Millisecond,
		HoldUntilFlush: hold,
	}
	return cfg, nil
}

// Validate checks invariants that make a configuration usable. It is
// called after the option layer has been applied.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("opik: config: base URL must not be empty")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("opik: config: invalid base URL %q: %w", c.BaseURL, err)
	}
	if c.ProjectName == "" {
		return fmt.Errorf("opik: config: project name must not be empty")
	}
	if c.BatchDelay < 0 {
		return fmt.Errorf("opik: config: batch delay must not be negative")
	}
	if c.IsCloud() {
		if c.APIKey == "" {
			return fmt.Errorf("opik: config: API key is required for cloud endpoint %s", c.BaseURL)
		}
		if c.WorkspaceName == "" {
			return fmt.Errorf("opik: config: workspace name is required for cloud endpoint %s", c.BaseURL)
		}
	}
	return nil
}

// IsCloud reports whether the configured endpoint is the hosted
// backend rather than a self-hosted deployment.
func (c Config) IsCloud() bool {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "comet.com" || strings.HasSuffix(host, ".comet.com")
}

func envStr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}
