// Package client implements threadbox.ExecutionClient over the HTTP API
// exposed by the execution server inside each sandbox.
package client

import (
	"log/slog"
	"net/http"
	"time"
)

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	httpClient    *http.Client
	logger        *slog.Logger
	promptTimeout time.Duration
	maxRetries    int // total attempts for idempotent-safe calls (1 = no retry)
	retryDelay    time.Duration
	pollInterval  time.Duration
	maxPoll       time.Duration
	maxBody       int64
}

func defaultConfig() clientConfig {
	return clientConfig{
		httpClient:    &http.Client{},
		promptTimeout: 10 * time.Minute,
		maxRetries:    2, // 1 retry
		retryDelay:    500 * time.Millisecond,
		pollInterval:  250 * time.Millisecond,
		maxPoll:       2 * time.Second,
		maxBody:       10 << 20, // 10MB
	}
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *clientConfig) { cfg.httpClient = c }
}

// WithLogger sets a structured logger. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *clientConfig) { cfg.logger = l }
}

// WithPromptTimeout bounds a single SendPrompt round trip. Default: 10m.
func WithPromptTimeout(d time.Duration) Option {
	return func(cfg *clientConfig) { cfg.promptTimeout = d }
}

// WithMaxRetries sets the total number of attempts for CreateSession.
// 1 means no retry; 2 means one retry on transient failure. Default: 2.
func WithMaxRetries(n int) Option {
	return func(cfg *clientConfig) {
		if n < 1 {
			n = 1
		}
		cfg.maxRetries = n
	}
}

// WithRetryDelay sets the initial backoff delay between retries.
// The delay doubles on each subsequent retry. Default: 500ms.
func WithRetryDelay(d time.Duration) Option {
	return func(cfg *clientConfig) { cfg.retryDelay = d }
}

// WithPollInterval sets the first and the maximum delay between health
// probes in WaitForHealthy. Defaults: 250ms doubling up to 2s.
func WithPollInterval(first, max time.Duration) Option {
	return func(cfg *clientConfig) {
		cfg.pollInterval = first
		cfg.maxPoll = max
	}
}
