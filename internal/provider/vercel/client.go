package vercel

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
	"net/url"
	"strings"
	"time"
)

var errNotFound = errors.New("not found")

type client struct {
	baseURL    string
	creds      credentials
	httpClient *http.Client
	logger     *slog.Logger
	maxRetries int
	baseDelay  time.Duration
}

func (c *client) endpoint(path string, query url.Values) string {
	if query == nil {
		query = url.Values{}
	}
	if c.creds.teamID != "" {
		query.Set("teamId", c.creds.teamID)
	}
	u := strings.TrimRight(c.baseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.creds.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.creds.bearer)
	}
	return req, nil
}

// call performs a request and returns the body. Idempotent calls are retried
// on transport errors and 5xx with jittered backoff.
func (c *client) call(ctx context.Context, method, path string, query url.Values, body []byte, headers map[string]string, retry bool) ([]byte, error) {
	attempts := 1
	if retry {
		attempts = c.maxRetries
	}

	var lastErr error
	delay := c.baseDelay

	for attempt := 1; attempt <= attempts; attempt++ {
		var r io.Reader
		if body != nil {
			r = bytes.NewReader(body)
		}
		req, err := c.newRequest(ctx, method, path, query, r)
		if err != nil {
			return nil, err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("request %s %s: %w", method, path, err)
			}
			lastErr = fmt.Errorf("request %s %s: %w", method, path, err)
		} else {
			data, err := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if err != nil {
				return nil, fmt.Errorf("read response: %w", err)
			}
			switch {
			case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
				return nil, fmt.Errorf("%s %s: %w", method, path, errNotFound)
			case resp.StatusCode >= 500:
				lastErr = fmt.Errorf("API %s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
			case resp.StatusCode < 200 || resp.StatusCode >= 300:
				return nil, fmt.Errorf("API %s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
			default:
				return data, nil
			}
		}

		if attempt < attempts {
			c.logger.Warn("retrying request", "method", method, "path", path, "attempt", attempt, "error", lastErr)
			jittered := time.Duration(float64(delay) * (0.9 + rand.Float64()*0.2))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("request %s %s: %w", method, path, ctx.Err())
			case <-time.After(jittered):
			}
			delay *= 2
		}
	}
	return nil, lastErr
}

func (c *client) callJSON(ctx context.Context, method, path string, query url.Values, in, out any, retry bool) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = b
	}
	data, err := c.call(ctx, method, path, query, body, map[string]string{"Content-Type": "application/json"}, retry)
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

// stream opens a long-lived GET and returns the open body.
func (c *client) stream(ctx context.Context, path string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request GET %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, fmt.Errorf("API GET %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return resp.Body, nil
}

type createRequest struct {
	ProjectID string    `json:"projectId,omitempty"`
	Runtime   string    `json:"runtime"`
	Ports     []int     `json:"ports"`
	Timeout   int64     `json:"timeout"`
	Resources resources `json:"resources"`
}

type resources struct {
	VCPUs int `json:"vcpus"`
}

type sandboxResponse struct {
	Sandbox struct {
		ID        string `json:"id"`
		Status    string `json:"status"`
		CreatedAt int64  `json:"createdAt"`
	} `json:"sandbox"`
	Routes []route `json:"routes"`
}

type route struct {
	Port      int    `json:"port"`
	Subdomain string `json:"subdomain"`
}

type commandRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Cwd     string   `json:"cwd,omitempty"`
}

type commandResponse struct {
	Command struct {
		ID       string `json:"id"`
		ExitCode *int   `json:"exitCode"`
	} `json:"command"`
}

type logLine struct {
	Stream string `json:"stream"`
	Data   string `json:"data"`
}

type readRequest struct {
	Path string `json:"path"`
	Cwd  string `json:"cwd,omitempty"`
}
