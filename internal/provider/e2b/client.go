package e2b

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

var (
	// errNotFound marks a 404 from either API.
	errNotFound = errors.New("not found")
	// errMethodNotAllowed marks a 405, returned by envd builds that lack an
	// endpoint.
	errMethodNotAllowed = errors.New("method not allowed")
)

// Config holds E2B credentials and defaults.
type Config struct {
	APIKey   string
	APIURL   string
	Domain   string
	Template string
	// Timeout is the sandbox lifetime requested from the control plane.
	Timeout time.Duration
}

// client talks to the E2B control plane and the per-sandbox envd API.
type client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	maxRetries int
	baseDelay  time.Duration
}

func newClient(cfg Config, logger *slog.Logger) *client {
	return &client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		logger:     logger,
		maxRetries: 3,
		baseDelay:  500 * time.Millisecond,
	}
}

// request describes one HTTP call. Retry is only set for idempotent calls.
type request struct {
	method      string
	url         string
	body        []byte
	contentType string
	headers     map[string]string
	retry       bool
}

// do executes req, retrying transport errors and 5xx responses with jittered
// exponential backoff when req.retry is set.
func (c *client) do(ctx context.Context, req request) ([]byte, error) {
	attempts := 1
	if req.retry {
		attempts = c.maxRetries
	}

	var lastErr error
	delay := c.baseDelay

	for attempt := 1; attempt <= attempts; attempt++ {
		var body io.Reader
		if req.body != nil {
			body = bytes.NewReader(req.body)
		}
		httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, body)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		if req.contentType != "" {
			httpReq.Header.Set("Content-Type", req.contentType)
		}
		for k, v := range req.headers {
			httpReq.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("request %s %s: %w", req.method, req.url, err)
			}
			lastErr = fmt.Errorf("request %s %s: %w", req.method, req.url, err)
		} else {
			respBody, err := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if err != nil {
				return nil, fmt.Errorf("read response: %w", err)
			}
			switch {
			case resp.StatusCode == http.StatusNotFound:
				return nil, fmt.Errorf("%s %s: %w", req.method, req.url, errNotFound)
			case resp.StatusCode == http.StatusMethodNotAllowed:
				return nil, fmt.Errorf("%s %s: %w", req.method, req.url, errMethodNotAllowed)
			case resp.StatusCode >= 500:
				lastErr = fmt.Errorf("API %s %s returned %d: %s", req.method, req.url, resp.StatusCode, strings.TrimSpace(string(respBody)))
			case resp.StatusCode < 200 || resp.StatusCode >= 300:
				return nil, fmt.Errorf("API %s %s returned %d: %s", req.method, req.url, resp.StatusCode, strings.TrimSpace(string(respBody)))
			default:
				return respBody, nil
			}
		}

		if attempt < attempts {
			c.logger.Warn("retrying request", "method", req.method, "url", req.url, "attempt", attempt, "error", lastErr)
			jittered := time.Duration(float64(delay) * (0.9 + rand.Float64()*0.2))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("request %s %s: %w", req.method, req.url, ctx.Err())
			case <-time.After(jittered):
			}
			delay *= 2
		}
	}
	return nil, lastErr
}

func (c *client) controlPlane(ctx context.Context, method, path string, in, out any, retry bool) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = b
	}
	data, err := c.do(ctx, request{
		method:      method,
		url:         strings.TrimRight(c.cfg.APIURL, "/") + path,
		body:        body,
		contentType: "application/json",
		headers:     map[string]string{"X-API-Key": c.cfg.APIKey},
		retry:       retry,
	})
	if err != nil {
		return err
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

type createSandboxRequest struct {
	TemplateID          string            `json:"templateID"`
	Timeout             int               `json:"timeout"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	Secure              bool              `json:"secure"`
	AllowInternetAccess bool              `json:"allow_internet_access"`
}

type sandboxResponse struct {
	SandboxID       string `json:"sandboxID"`
	EnvdVersion     string `json:"envdVersion"`
	EnvdAccessToken string `json:"envdAccessToken"`
	Domain          string `json:"domain,omitempty"`
}

type connectRequest struct {
	Timeout int `json:"timeout"`
}

type runRequest struct {
	Cmd  string   `json:"cmd"`
	Args []string `json:"args"`
	Cwd  string   `json:"cwd,omitempty"`
}

type runResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}
