package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/felixgeelhaar/fortify/retry"
)

const (
	readyInitialDelay = 250 * time.Millisecond
	readyMaxAttempts  = 20
)

// waitReady polls the sandbox URL until the dev server answers with a status
// below 500, bounded by ReadyTimeout. Without a probe it sleeps ReadyFallback.
func (s *Sandbox) waitReady(ctx context.Context) error {
	info := s.Info()
	if !s.opts.ReadyProbe || info == nil || info.URL == "" {
		return sleepCtx(ctx, s.opts.ReadyFallback)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.ReadyTimeout)
	defer cancel()

	r := retry.New[int](retry.Config{
		MaxAttempts:   readyMaxAttempts,
		InitialDelay:  readyInitialDelay,
		BackoffPolicy: retry.BackoffExponential,
		Multiplier:    1.5,
	})
	status, err := r.Do(ctx, func(ctx context.Context) (int, error) {
		return s.probe(ctx, info.URL)
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDevServerNotReady, info.URL, err)
	}
	s.logger.Debug("dev server ready", "url", info.URL, "status", status)
	return nil
}

func (s *Sandbox) probe(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return resp.StatusCode, fmt.Errorf("status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}
