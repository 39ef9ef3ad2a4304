// Package apply writes AI-generated project changes into the active sandbox,
// streaming progress as it goes.
package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/aspectrr/fluid.sh/preview/internal/fastapply"
	"github.com/aspectrr/fluid.sh/preview/internal/packages"
	"github.com/aspectrr/fluid.sh/preview/internal/parser"
	"github.com/aspectrr/fluid.sh/preview/internal/project"
	"github.com/aspectrr/fluid.sh/preview/internal/provider"
	"github.com/aspectrr/fluid.sh/preview/internal/session"
	"github.com/aspectrr/fluid.sh/preview/internal/store"
	"github.com/aspectrr/fluid.sh/preview/internal/stream"
)

// Request is one apply call.
type Request struct {
	Response  string   `json:"response"`
	IsEdit    bool     `json:"isEdit"`
	Packages  []string `json:"packages"`
	SandboxID string   `json:"sandboxId"`
}

// AppliedEdit summarizes one merged edit block.
type AppliedEdit struct {
	Path         string `json:"path"`
	LinesAdded   int    `json:"linesAdded"`
	LinesRemoved int    `json:"linesRemoved"`
}

// Results is the payload of the final complete event.
type Results struct {
	FilesCreated             []string      `json:"filesCreated"`
	FilesUpdated             []string      `json:"filesUpdated"`
	Files                    []parser.File `json:"files"`
	CommandsExecuted         []string      `json:"commandsExecuted"`
	PackagesInstalled        []string      `json:"packagesInstalled"`
	PackagesAlreadyInstalled []string      `json:"packagesAlreadyInstalled"`
	PackagesFailed           []string      `json:"packagesFailed"`
	EditsApplied             []AppliedEdit `json:"editsApplied"`
	Errors                   []string      `json:"errors"`
	RefreshRequired          bool          `json:"refreshRequired"`
}

// Success reports whether nothing went wrong.
func (r *Results) Success() bool {
	return len(r.Errors) == 0 && len(r.PackagesFailed) == 0
}

func newResults() *Results {
	return &Results{
		FilesCreated:             []string{},
		FilesUpdated:             []string{},
		Files:                    []parser.File{},
		CommandsExecuted:         []string{},
		PackagesInstalled:        []string{},
		PackagesAlreadyInstalled: []string{},
		PackagesFailed:           []string{},
		EditsApplied:             []AppliedEdit{},
		Errors:                   []string{},
	}
}

// Installer installs npm packages into a session's sandbox.
type Installer interface {
	Install(ctx context.Context, st *session.State, requested []string, em stream.Emitter) (*packages.Result, error)
}

// Editor merges edit blocks into existing files.
type Editor interface {
	Enabled() bool
	Apply(ctx context.Context, st *session.State, edit parser.Edit) (*fastapply.Result, error)
}

// Recorder persists finished apply runs.
type Recorder interface {
	RecordApply(ctx context.Context, run *store.ApplyRun) error
}

// Applicator runs the parse, install, write, edit and command pipeline.
type Applicator struct {
	installer Installer
	editor    Editor
	recorder  Recorder
	logger    *slog.Logger
}

// New returns an Applicator. editor and recorder may be nil.
func New(installer Installer, editor Editor, recorder Recorder, logger *slog.Logger) *Applicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applicator{
		installer: installer,
		editor:    editor,
		recorder:  recorder,
		logger:    logger.With("component", "applicator"),
	}
}

// Apply applies req to st. Per-file, install and command failures are
// collected in the results; the returned error is reserved for a missing
// sandbox. A complete event is always the last event emitted.
func (a *Applicator) Apply(ctx context.Context, st *session.State, req Request, em stream.Emitter) (*Results, error) {
	if em == nil {
		em = stream.Discard
	}
	if st == nil || st.Provider == nil || !st.Provider.IsAlive() {
		em.Emit(stream.Event{Type: stream.TypeError, Error: provider.ErrNoActiveSandbox.Error()})
		return nil, provider.ErrNoActiveSandbox
	}
	logger := a.logger.With("sandbox_id", st.Sandbox.SandboxID)
	res := newResults()

	em.Emit(stream.Event{Type: stream.TypeStart, Message: "Starting code application..."})

	sc := parser.Parse(req.Response)
	files := sc.Files()
	edits := sc.Edits()
	commands := sc.Commands()
	logger.Info("parsed response",
		"files", len(files),
		"edits", len(edits),
		"commands", len(commands),
		"is_edit", req.IsEdit,
	)

	if pkgs := a.collectPackages(ctx, st, req, sc, files); len(pkgs) > 0 {
		em.Emit(stream.Event{Type: stream.TypeStep, Step: 1, Message: fmt.Sprintf("Installing %d package%s...", len(pkgs), plural(len(pkgs))), Packages: pkgs})
		a.install(ctx, st, pkgs, res, em)
	}

	if len(files) > 0 {
		em.Emit(stream.Event{Type: stream.TypeStep, Step: 2, Message: fmt.Sprintf("Creating %d file%s...", len(files), plural(len(files)))})
		a.writeFiles(ctx, st, files, res, em)
	}

	if len(edits) > 0 {
		a.applyEdits(ctx, st, req.IsEdit, edits, res, em)
	}

	if len(commands) > 0 {
		em.Emit(stream.Event{Type: stream.TypeStep, Step: 3, Message: fmt.Sprintf("Executing %d command%s...", len(commands), plural(len(commands)))})
		a.runCommands(ctx, st, commands, res, em)
	}

	res.RefreshRequired = len(res.FilesCreated)+len(res.FilesUpdated)+len(res.EditsApplied)+len(res.PackagesInstalled) > 0

	msg := fmt.Sprintf("Applied %d file%s", len(res.FilesCreated)+len(res.FilesUpdated), plural(len(res.FilesCreated)+len(res.FilesUpdated)))
	if len(res.Errors) > 0 {
		msg += fmt.Sprintf(" with %d error%s", len(res.Errors), plural(len(res.Errors)))
	}
	em.Emit(stream.Event{
		Type:    stream.TypeComplete,
		Message: msg,
		Results: res,
		Success: stream.BoolPtr(res.Success()),
	})

	a.record(ctx, st, res)
	logger.Info("apply finished",
		"created", len(res.FilesCreated),
		"updated", len(res.FilesUpdated),
		"edits", len(res.EditsApplied),
		"errors", len(res.Errors),
	)
	return res, nil
}

// ---------------------------------------------------------------------------
// Packages
// ---------------------------------------------------------------------------

// collectPackages merges the explicit list, <package> tags and imports
// detected in file content. Detected imports already declared in
// package.json are dropped.
func (a *Applicator) collectPackages(ctx context.Context, st *session.State, req Request, sc *parser.Scanner, files []parser.File) []string {
	requested := append([]string(nil), req.Packages...)
	requested = append(requested, sc.Packages()...)

	var detected []string
	for _, f := range files {
		detected = append(detected, parser.DetectPackages(f.Content)...)
	}
	if len(detected) > 0 {
		declared, err := packages.Declared(ctx, st)
		if err != nil {
			a.logger.Warn("could not read declared dependencies", "error", err)
			declared = map[string]bool{}
		}
		for _, name := range detected {
			if !declared[name] {
				requested = append(requested, name)
			}
		}
	}
	return packages.Dedupe(requested)
}

func (a *Applicator) install(ctx context.Context, st *session.State, pkgs []string, res *Results, em stream.Emitter) {
	if a.installer == nil {
		res.PackagesFailed = append(res.PackagesFailed, pkgs...)
		res.Errors = append(res.Errors, "package installation is not available")
		return
	}
	// Nested start and complete events are demoted to progress.
	r, err := a.installer.Install(ctx, st, pkgs, stream.EmitterFunc(func(ev stream.Event) {
		switch ev.Type {
		case stream.TypeStart, stream.TypeComplete:
			ev.Type = stream.TypePackageProgress
		}
		em.Emit(ev)
	}))
	if err != nil {
		if errors.Is(err, packages.ErrNoPackages) {
			return
		}
		res.PackagesFailed = append(res.PackagesFailed, pkgs...)
		res.Errors = append(res.Errors, "install packages: "+err.Error())
		em.Emit(stream.Event{Type: stream.TypeError, Error: err.Error()})
		return
	}
	res.PackagesInstalled = append(res.PackagesInstalled, r.Installed...)
	res.PackagesAlreadyInstalled = append(res.PackagesAlreadyInstalled, r.AlreadyInstalled...)
	res.PackagesFailed = append(res.PackagesFailed, r.Failed...)
	for _, e := range r.Errors {
		res.Errors = append(res.Errors, "install packages: "+e)
	}
}

// ---------------------------------------------------------------------------
// Files
// ---------------------------------------------------------------------------

func (a *Applicator) writeFiles(ctx context.Context, st *session.State, files []parser.File, res *Results, em stream.Emitter) {
	for i, f := range files {
		rel := project.NormalizePath(f.Path)
		if rel == "" || rel == "." {
			res.Errors = append(res.Errors, fmt.Sprintf("invalid file path %q", f.Path))
			continue
		}
		existed := st.Files().Has(rel)
		action := "creating"
		if existed {
			action = "updating"
		}
		em.Emit(stream.Event{
			Type:     stream.TypeFileProgress,
			Current:  i + 1,
			Total:    len(files),
			FileName: rel,
			Action:   action,
		})

		if err := st.Provider.WriteFile(ctx, rel, f.Content); err != nil {
			a.logger.Warn("file write failed", "path", rel, "error", err)
			res.Errors = append(res.Errors, fmt.Sprintf("Failed to write %s: %v", rel, err))
			em.Emit(stream.Event{Type: stream.TypeError, FileName: rel, Error: err.Error()})
			continue
		}
		st.Cache.Set(rel, f.Content)

		if existed {
			res.FilesUpdated = append(res.FilesUpdated, rel)
			action = "updated"
		} else {
			res.FilesCreated = append(res.FilesCreated, rel)
			action = "created"
		}
		res.Files = append(res.Files, parser.File{
			Path:      rel,
			Type:      f.Type,
			Completed: f.Completed,
			Edited:    existed,
		})
		em.Emit(stream.Event{Type: stream.TypeFileComplete, FileName: rel, Action: action})
	}
}

// ---------------------------------------------------------------------------
// Edits
// ---------------------------------------------------------------------------

func (a *Applicator) applyEdits(ctx context.Context, st *session.State, isEdit bool, edits []parser.Edit, res *Results, em stream.Emitter) {
	if !isEdit {
		a.logger.Debug("ignoring edit blocks outside edit mode", "count", len(edits))
		return
	}
	if a.editor == nil || !a.editor.Enabled() {
		for _, e := range edits {
			msg := fmt.Sprintf("Cannot edit %s: %v", e.TargetFile, fastapply.ErrDisabled)
			res.Errors = append(res.Errors, msg)
			em.Emit(stream.Event{Type: stream.TypeError, FileName: e.TargetFile, Error: msg})
		}
		return
	}
	for i, e := range edits {
		em.Emit(stream.Event{
			Type:     stream.TypeFileProgress,
			Current:  i + 1,
			Total:    len(edits),
			FileName: e.TargetFile,
			Action:   "editing",
		})
		r, err := a.editor.Apply(ctx, st, e)
		if err != nil {
			msg := fmt.Sprintf("Failed to edit %s: %v", e.TargetFile, err)
			res.Errors = append(res.Errors, msg)
			em.Emit(stream.Event{Type: stream.TypeError, FileName: e.TargetFile, Error: msg})
			continue
		}
		res.EditsApplied = append(res.EditsApplied, AppliedEdit{Path: r.Path, LinesAdded: r.LinesAdded, LinesRemoved: r.LinesRemoved})
		if !slices.Contains(res.FilesUpdated, r.Path) {
			res.FilesUpdated = append(res.FilesUpdated, r.Path)
		}
		em.Emit(stream.Event{Type: stream.TypeFileComplete, FileName: r.Path, Action: "edited"})
	}
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func (a *Applicator) runCommands(ctx context.Context, st *session.State, commands []string, res *Results, em stream.Emitter) {
	for i, cmd := range commands {
		em.Emit(stream.Event{Type: stream.TypeCommand, Command: cmd, Current: i + 1, Total: len(commands)})
		cr, err := st.Provider.RunCommand(ctx, cmd)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("Failed to run %q: %v", cmd, err))
			em.Emit(stream.Event{Type: stream.TypeError, Command: cmd, Error: err.Error()})
			continue
		}
		if out := strings.TrimRight(cr.Stdout, "\n"); out != "" {
			em.Emit(stream.Event{Type: stream.TypeCommandOutput, Command: cmd, Output: out, Stream: stream.StreamStdout})
		}
		if out := strings.TrimRight(cr.Stderr, "\n"); out != "" {
			em.Emit(stream.Event{Type: stream.TypeCommandOutput, Command: cmd, Output: out, Stream: stream.StreamStderr})
		}
		res.CommandsExecuted = append(res.CommandsExecuted, cmd)
		em.Emit(stream.Event{
			Type:     stream.TypeCommandComplete,
			Command:  cmd,
			ExitCode: stream.IntPtr(cr.ExitCode),
			Success:  stream.BoolPtr(cr.Success),
		})
	}
}

// ---------------------------------------------------------------------------
// History
// ---------------------------------------------------------------------------

func (a *Applicator) record(ctx context.Context, st *session.State, res *Results) {
	if a.recorder == nil {
		return
	}
	run := &store.ApplyRun{
		SandboxID:    st.Sandbox.SandboxID,
		FilesCreated: store.StringSlice(res.FilesCreated),
		FilesUpdated: store.StringSlice(res.FilesUpdated),
		Packages:     store.StringSlice(res.PackagesInstalled),
		Errors:       store.StringSlice(res.Errors),
	}
	if err := a.recorder.RecordApply(ctx, run); err != nil {
		a.logger.Warn("failed to record apply run", "error", err)
	}
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
