// Package janitor provides background cleanup of idle sandboxes.
package janitor

import (
	"context"
	"log/slog"
	"time"
)

// CleanupFunc reaps sandboxes idle longer than maxAge and returns the count.
type CleanupFunc func(ctx context.Context, maxAge time.Duration) int

// Janitor periodically reaps idle sandboxes.
type Janitor struct {
	cleanupFn CleanupFunc
	maxAge    time.Duration
	logger    *slog.Logger
}

// New creates a new Janitor service.
func New(cleanupFn CleanupFunc, maxAge time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		cleanupFn: cleanupFn,
		maxAge:    maxAge,
		logger:    logger.With("component", "janitor"),
	}
}

// Start runs the cleanup loop. It blocks until the context is cancelled.
func (j *Janitor) Start(ctx context.Context, interval time.Duration) {
	j.logger.Info("starting janitor", "interval", interval, "max_idle", j.maxAge)

	// Run once immediately
	j.cleanup(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopped")
			return
		case <-ticker.C:
			j.cleanup(ctx)
		}
	}
}

func (j *Janitor) cleanup(ctx context.Context) {
	if n := j.cleanupFn(ctx, j.maxAge); n > 0 {
		j.logger.Info("reaped idle sandboxes", "count", n)
	}
}
