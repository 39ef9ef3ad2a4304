// Package fastapply merges small instructed edits into existing files using
// an external merge model.
package fastapply

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/felixgeelhaar/fortify/circuitbreaker"
	"github.com/felixgeelhaar/fortify/retry"
)

var (
	// ErrDisabled is returned when no merge service is configured.
	ErrDisabled = errors.New("fast apply is not configured")
	// ErrEmptyMerge is returned when the merge service answers with no content.
	ErrEmptyMerge = errors.New("merge service returned empty content")
	// ErrMergeRejected is returned for 4xx answers. These are not retried.
	ErrMergeRejected = errors.New("merge service rejected request")
)

// Config configures the merge service client.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	// BreakerThreshold is consecutive failures before the circuit opens.
	BreakerThreshold int
	BreakerTimeout   time.Duration
}

// Client calls an OpenAI-compatible chat completions endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
	retrier    retry.Retry[string]
	breaker    circuitbreaker.CircuitBreaker[string]
	logger     *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.morphllm.com/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = "morph-v3-large"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	threshold := uint32(cfg.BreakerThreshold) // #nosec G115 -- positive, checked above

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		retrier: retry.New[string](retry.Config{
			MaxAttempts:        cfg.MaxRetries,
			InitialDelay:       cfg.RetryDelay,
			BackoffPolicy:      retry.BackoffExponential,
			Multiplier:         2.0,
			NonRetryableErrors: []error{ErrMergeRejected, ErrEmptyMerge},
		}),
		breaker: circuitbreaker.New[string](circuitbreaker.Config{
			MaxRequests: 1,
			Interval:    cfg.BreakerTimeout,
			Timeout:     cfg.BreakerTimeout,
			ReadyToTrip: func(counts circuitbreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			IsSuccessful: breakerSuccess,
		}),
		logger: logger.With("component", "fastapply"),
	}
}

// breakerSuccess counts rejected and empty merges as healthy answers. Only
// 5xx and transport errors trip the breaker.
func breakerSuccess(err error) bool {
	return err == nil || errors.Is(err, ErrMergeRejected) || errors.Is(err, ErrEmptyMerge)
}

// Enabled reports whether an API key is configured.
func (c *Client) Enabled() bool {
	return c.cfg.APIKey != ""
}

// BreakerState returns the circuit breaker state name.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// MergePrompt renders the single user message the merge model expects.
func MergePrompt(instructions, code, update string) string {
	return "<instruction>" + instructions + "</instruction>\n" +
		"<code>" + code + "</code>\n" +
		"<update>" + update + "</update>"
}

// Merge asks the model to apply update to code and returns the full merged
// file.
func (c *Client) Merge(ctx context.Context, instructions, code, update string) (string, error) {
	if !c.Enabled() {
		return "", ErrDisabled
	}
	payload, err := json.Marshal(chatRequest{
		Model:    c.cfg.Model,
		Messages: []chatMessage{{Role: "user", Content: MergePrompt(instructions, code, update)}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal merge request: %w", err)
	}

	return c.breaker.Execute(ctx, func(ctx context.Context) (string, error) {
		return c.retrier.Do(ctx, func(ctx context.Context) (string, error) {
			return c.post(ctx, payload)
		})
	})
}

func (c *Client) post(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("merge request failed", "error", err)
		return "", fmt.Errorf("merge request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read merge response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		c.logger.Warn("merge service error", "status", resp.StatusCode)
		return "", fmt.Errorf("merge service error %d: %s", resp.StatusCode, truncate(body))
	case resp.StatusCode >= 400:
		return "", fmt.Errorf("%w: status %d: %s", ErrMergeRejected, resp.StatusCode, truncate(body))
	}

	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode merge response: %w", err)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", ErrEmptyMerge
	}
	return out.Choices[0].Message.Content, nil
}

func truncate(b []byte) string {
	const limit = 512
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
