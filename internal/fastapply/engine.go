package fastapply

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/aspectrr/fluid.sh/preview/internal/parser"
	"github.com/aspectrr/fluid.sh/preview/internal/project"
	"github.com/aspectrr/fluid.sh/preview/internal/provider"
	"github.com/aspectrr/fluid.sh/preview/internal/session"
)

// Merger produces a merged file from current code and an update snippet.
type Merger interface {
	Enabled() bool
	Merge(ctx context.Context, instructions, code, update string) (string, error)
}

// Result describes one applied edit.
type Result struct {
	Path         string `json:"path"`
	MergedCode   string `json:"mergedCode"`
	LinesAdded   int    `json:"linesAdded"`
	LinesRemoved int    `json:"linesRemoved"`
}

// Engine applies edit blocks to files in a sandbox.
type Engine struct {
	merger Merger
	logger *slog.Logger
}

// NewEngine returns an Engine. A nil merger disables it.
func NewEngine(m Merger, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{merger: m, logger: logger.With("component", "fastapply")}
}

// Enabled reports whether edits can be applied.
func (e *Engine) Enabled() bool {
	return e.merger != nil && e.merger.Enabled()
}

// Apply merges edit into its target file and writes the result back. The
// target must already exist.
func (e *Engine) Apply(ctx context.Context, st *session.State, edit parser.Edit) (*Result, error) {
	if !e.Enabled() {
		return nil, ErrDisabled
	}
	if st == nil || st.Provider == nil || !st.Provider.IsAlive() {
		return nil, provider.ErrNoActiveSandbox
	}
	rel := project.NormalizePath(edit.TargetFile)
	if rel == "" || rel == "." {
		return nil, fmt.Errorf("invalid edit target %q", edit.TargetFile)
	}

	current, err := e.read(ctx, st, rel)
	if err != nil {
		return nil, err
	}

	merged, err := e.merger.Merge(ctx, edit.Instructions, current, edit.Update)
	if err != nil {
		return nil, fmt.Errorf("merge %s: %w", rel, err)
	}

	if err := st.Provider.WriteFile(ctx, rel, merged); err != nil {
		return nil, fmt.Errorf("write %s: %w", rel, err)
	}
	st.Cache.Set(rel, merged)

	added, removed := LineStats(current, merged)
	e.logger.Info("edit applied", "path", rel, "added", added, "removed", removed)
	return &Result{Path: rel, MergedCode: merged, LinesAdded: added, LinesRemoved: removed}, nil
}

// read returns the current content from the cache, the provider, or a shell
// cat, in that order.
func (e *Engine) read(ctx context.Context, st *session.State, rel string) (string, error) {
	if entry, ok := st.Cache.Get(rel); ok {
		return entry.Content, nil
	}

	content, err := st.Provider.ReadFile(ctx, rel)
	if err == nil {
		st.Cache.Set(rel, content)
		return content, nil
	}
	e.logger.Debug("provider read failed, trying cat", "path", rel, "error", err)

	abs := path.Join(st.Provider.WorkDir(), rel)
	res, catErr := st.Provider.RunCommand(ctx, "cat "+shellquote.Join(abs))
	if catErr != nil || !res.Success {
		return "", fmt.Errorf("read %s: %w", rel, provider.ErrFileNotFound)
	}
	st.Cache.Set(rel, res.Stdout)
	return res.Stdout, nil
}

// LineStats counts inserted and deleted lines between before and after.
func LineStats(before, after string) (added, removed int) {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
	for _, d := range diffs {
		n := countLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += n
		case diffmatchpatch.DiffDelete:
			removed += n
		}
	}
	return added, removed
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}
