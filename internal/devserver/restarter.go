// Package devserver guards forced dev server restarts with an in-progress
// flag and a cooldown window.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/aspectrr/fluid.sh/preview/internal/provider"
	"github.com/aspectrr/fluid.sh/preview/internal/session"
)

// DefaultCooldown is the minimum gap between two forced restarts.
const DefaultCooldown = 5 * time.Second

// errorLogPath is the dev server error report the preview overlay polls.
const errorLogPath = "/tmp/vite-errors.json"

// Outcome is the result kind of a restart request.
type Outcome string

const (
	OutcomeRestarted  Outcome = "restarted"
	OutcomeInProgress Outcome = "in-progress"
	OutcomeCooldown   Outcome = "cooldown"
)

// Result describes what a restart request did. Ready is false when the server
// restarted but did not answer in time.
type Result struct {
	Outcome   Outcome       `json:"outcome"`
	Message   string        `json:"message"`
	Ready     bool          `json:"ready"`
	Remaining time.Duration `json:"-"`
}

// Restarter serializes forced restarts. Skipped requests are results, not
// errors.
type Restarter struct {
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	inProgress bool
	last       time.Time
}

func New(cooldown time.Duration, logger *slog.Logger) *Restarter {
	if logger == nil {
		logger = slog.Default()
	}
	if cooldown < 0 {
		cooldown = 0
	}
	return &Restarter{
		cooldown: cooldown,
		logger:   logger.With("component", "devserver"),
		now:      time.Now,
	}
}

// begin claims the restart slot, or reports why it cannot.
func (r *Restarter) begin() (Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inProgress {
		return Result{Outcome: OutcomeInProgress, Message: "Vite restart already in progress"}, false
	}
	if !r.last.IsZero() {
		if elapsed := r.now().Sub(r.last); elapsed < r.cooldown {
			remaining := r.cooldown - elapsed
			secs := int(math.Ceil(remaining.Seconds()))
			return Result{
				Outcome:   OutcomeCooldown,
				Message:   fmt.Sprintf("Vite was recently restarted, cooldown active (%ds remaining)", secs),
				Remaining: remaining,
			}, false
		}
	}
	r.inProgress = true
	return Result{}, true
}

func (r *Restarter) finish(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inProgress = false
	if ok {
		r.last = r.now()
	}
}

// Restart clears the dev server error report and forces a restart of st's
// dev server.
func (r *Restarter) Restart(ctx context.Context, st *session.State) (Result, error) {
	if st == nil || st.Provider == nil || !st.Provider.IsAlive() {
		return Result{}, provider.ErrNoActiveSandbox
	}
	if res, ok := r.begin(); !ok {
		r.logger.Info("restart skipped", "outcome", res.Outcome)
		return res, nil
	}

	logger := r.logger.With("sandbox_id", st.Sandbox.SandboxID)
	logger.Info("forcing dev server restart")

	err := st.Provider.RestartViteServer(ctx)
	notReady := errors.Is(err, provider.ErrDevServerNotReady)
	if err != nil && !notReady {
		r.finish(false)
		return Result{}, fmt.Errorf("restart dev server: %w", err)
	}
	r.finish(true)

	r.clearErrorLog(ctx, st)

	if notReady {
		logger.Warn("dev server restarted but not yet responding")
		return Result{Outcome: OutcomeRestarted, Message: "Vite restarted but is not responding yet"}, nil
	}
	return Result{Outcome: OutcomeRestarted, Message: "Vite restarted successfully", Ready: true}, nil
}

// clearErrorLog resets the error report. Failures are ignored.
func (r *Restarter) clearErrorLog(ctx context.Context, st *session.State) {
	body := fmt.Sprintf(`{"errors": [], "lastChecked": %d}`, r.now().UnixMilli())
	cmd := "echo " + shellquote.Join(body) + " > " + errorLogPath
	if res, err := st.Provider.RunCommand(ctx, cmd); err != nil || !res.Success {
		r.logger.Debug("could not reset dev server error log", "error", err)
	}
}
