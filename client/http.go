package client

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

	"github.com/nevindra/threadbox"
)

// Client talks to a sandbox execution server. One Client serves every
// sandbox; the endpoint and token travel in the PreviewAccess of each call.
type Client struct {
	cfg clientConfig
}

var _ threadbox.ExecutionClient = (*Client)(nil)

// New creates a Client.
func New(opts ...Option) *Client {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = threadbox.NopLogger
	}
	return &Client{cfg: cfg}
}

// WaitForHealthy polls GET /health until it answers 2xx or timeout elapses.
// It returns false without error when the server never became healthy.
func (c *Client) WaitForHealthy(ctx context.Context, access threadbox.PreviewAccess, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	delay := c.cfg.pollInterval
	for {
		probeCtx, cancel := context.WithDeadline(ctx, deadline)
		_, err := c.do(probeCtx, access, http.MethodGet, "/health", nil)
		cancel()
		if err == nil {
			return true, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if time.Now().Add(delay).After(deadline) {
			c.cfg.logger.Debug("client: health wait timed out", "url", access.URL, "error", err)
			return false, nil
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
		delay *= 2
		if delay > c.cfg.maxPoll {
			delay = c.cfg.maxPoll
		}
	}
}

type createSessionResponse struct {
	ID string `json:"id"`
}

// CreateSession opens an agent session on the execution server.
// Transient failures are retried with a doubling delay.
func (c *Client) CreateSession(ctx context.Context, access threadbox.PreviewAccess) (string, error) {
	var lastErr error
	delay := c.cfg.retryDelay

	for attempt := 0; attempt < c.cfg.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		body, err := c.do(ctx, access, http.MethodPost, "/session", struct{}{})
		if err == nil {
			var resp createSessionResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				return "", fmt.Errorf("parse session response: %w", err)
			}
			if resp.ID == "" {
				return "", errors.New("execution server returned an empty session id")
			}
			return resp.ID, nil
		}
		if !isTransient(err) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

type promptRequest struct {
	Text string `json:"text"`
}

type promptResponse struct {
	Text string `json:"text"`
}

// SendPrompt delivers one prompt and returns the agent's reply. Prompts are
// not retried here: the server may already have acted on a failed attempt.
func (c *Client) SendPrompt(ctx context.Context, access threadbox.PreviewAccess, sessionID, text string) (string, error) {
	if c.cfg.promptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.promptTimeout)
		defer cancel()
	}
	path := "/session/" + url.PathEscape(sessionID) + "/prompt"
	body, err := c.do(ctx, access, http.MethodPost, path, promptRequest{Text: text})
	if err != nil {
		return "", err
	}
	var resp promptResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parse prompt response: %w", err)
	}
	return resp.Text, nil
}

// do performs one request. Non-2xx answers become *threadbox.ErrHTTP with
// the status; transport failures become *threadbox.ErrHTTP with status 0.
// Cancellation by the caller's ctx is returned as ctx.Err().
func (c *Client) do(ctx context.Context, access threadbox.PreviewAccess, method, path string, payload any) ([]byte, error) {
	if access.IsZero() {
		return nil, &threadbox.ErrHTTP{Status: 0, Body: "no preview url"}
	}
	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(access.URL, "/")+path, reqBody)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if access.Token != "" {
		req.Header.Set("Authorization", "Bearer "+access.Token)
	}

	start := time.Now()
	resp, err := c.cfg.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		return nil, &threadbox.ErrHTTP{Status: 0, Body: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.maxBody))
	if err != nil {
		return nil, &threadbox.ErrHTTP{Status: 0, Body: fmt.Sprintf("read response: %v", err)}
	}
	c.cfg.logger.Debug("client: request", "method", method, "path", path,
		"status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &threadbox.ErrHTTP{Status: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

// isTransient reports whether err is a network or server failure worth retrying.
func isTransient(err error) bool {
	status := threadbox.StatusOf(err)
	return status == 0 || status >= 500
}
