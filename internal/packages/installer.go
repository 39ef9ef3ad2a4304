// Package packages installs npm dependencies into a sandbox, skipping those
// already declared in its package.json.
package packages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aspectrr/fluid.sh/preview/internal/provider"
	"github.com/aspectrr/fluid.sh/preview/internal/session"
	"github.com/aspectrr/fluid.sh/preview/internal/stream"
)

// ErrNoPackages is returned when no valid package name was requested.
var ErrNoPackages = errors.New("no valid package names provided")

const manifestPath = "package.json"

// Options configure an Installer.
type Options struct {
	// ProviderRestarts is set when the provider already restarts the dev
	// server after a successful install.
	ProviderRestarts bool
}

// Result summarizes one install.
type Result struct {
	Requested        []string `json:"requested"`
	AlreadyInstalled []string `json:"alreadyInstalled"`
	Installed        []string `json:"installed"`
	Failed           []string `json:"failed"`
	Restarted        bool     `json:"restarted"`
	Output           string   `json:"output,omitempty"`
	Warnings         []string `json:"warnings"`
	Errors           []string `json:"errors"`
}

// Success reports whether every missing package was installed.
func (r *Result) Success() bool {
	return len(r.Failed) == 0 && len(r.Errors) == 0
}

// Installer installs the missing subset of requested packages.
type Installer struct {
	opts   Options
	logger *slog.Logger
}

func NewInstaller(opts Options, logger *slog.Logger) *Installer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Installer{opts: opts, logger: logger.With("component", "installer")}
}

// Install installs the requested packages that st's package.json does not
// declare, then restarts the dev server. Command failures are reported in the
// result; the returned error is reserved for a missing sandbox or an empty
// request.
func (in *Installer) Install(ctx context.Context, st *session.State, requested []string, em stream.Emitter) (*Result, error) {
	if st == nil || st.Provider == nil || !st.Provider.IsAlive() {
		return nil, provider.ErrNoActiveSandbox
	}
	if em == nil {
		em = stream.Discard
	}

	res := &Result{
		Requested:        Dedupe(requested),
		AlreadyInstalled: []string{},
		Installed:        []string{},
		Failed:           []string{},
		Warnings:         []string{},
		Errors:           []string{},
	}
	if len(res.Requested) == 0 {
		return nil, ErrNoPackages
	}
	logger := in.logger.With("sandbox_id", st.Sandbox.SandboxID)

	em.Emit(stream.Event{
		Type:     stream.TypeStart,
		Message:  fmt.Sprintf("Installing %d package%s...", len(res.Requested), plural(len(res.Requested))),
		Packages: res.Requested,
	})

	var candidates []string
	for _, spec := range res.Requested {
		if !ValidSpec(spec) {
			msg := fmt.Sprintf("Skipping invalid package spec %q", spec)
			res.Failed = append(res.Failed, spec)
			res.Warnings = append(res.Warnings, msg)
			em.Emit(stream.Event{Type: stream.TypeWarning, Message: msg})
			continue
		}
		if name, version := PackageName(spec); version != "" {
			logger.Debug("versioned package", "name", name, "version", version, "kind", Classify(version))
		}
		candidates = append(candidates, spec)
	}

	em.Emit(stream.Event{Type: stream.TypeStatus, Message: "Checking installed packages..."})
	declared := in.declared(ctx, st, res, em)

	var missing []string
	for _, spec := range candidates {
		name, _ := PackageName(spec)
		if declared[name] {
			res.AlreadyInstalled = append(res.AlreadyInstalled, name)
		} else {
			missing = append(missing, spec)
		}
	}
	if len(res.AlreadyInstalled) > 0 {
		em.Emit(stream.Event{
			Type:             stream.TypeStatus,
			Message:          "Already installed: " + strings.Join(res.AlreadyInstalled, ", "),
			AlreadyInstalled: res.AlreadyInstalled,
		})
	}

	providerRestarted := false
	if len(missing) == 0 {
		em.Emit(stream.Event{
			Type:              stream.TypeSuccess,
			Message:           "All packages are already installed",
			InstalledPackages: []string{},
			AlreadyInstalled:  res.AlreadyInstalled,
		})
	} else {
		providerRestarted = in.run(ctx, st, missing, res, em)
	}

	if providerRestarted {
		res.Restarted = true
	} else {
		in.restart(ctx, st, res, em)
	}

	msg := "Package installation complete and dev server restarted!"
	if len(missing) == 0 {
		msg = "Dev server restarted!"
	}
	if !res.Success() {
		msg = "Package installation finished with errors"
	}
	em.Emit(stream.Event{
		Type:              stream.TypeComplete,
		Message:           msg,
		InstalledPackages: res.Installed,
		AlreadyInstalled:  res.AlreadyInstalled,
		Success:           stream.BoolPtr(res.Success()),
	})
	logger.Info("install finished",
		"installed", res.Installed,
		"already", res.AlreadyInstalled,
		"failed", res.Failed,
	)
	return res, nil
}

// declared returns the dependency names in st's package.json. A missing or
// unreadable manifest declares nothing.
func (in *Installer) declared(ctx context.Context, st *session.State, res *Result, em stream.Emitter) map[string]bool {
	content, err := readManifest(ctx, st)
	if err != nil {
		if !errors.Is(err, provider.ErrFileNotFound) {
			msg := "Could not read package.json, installing all requested packages"
			res.Warnings = append(res.Warnings, msg)
			em.Emit(stream.Event{Type: stream.TypeWarning, Message: msg})
			in.logger.Warn("read package.json failed", "error", err)
		}
		return map[string]bool{}
	}
	names, err := DeclaredDependencies(content)
	if err != nil {
		in.logger.Warn("parse package.json failed", "error", err)
		return map[string]bool{}
	}
	return names
}

// Declared returns the dependency names in st's package.json. A missing
// manifest declares nothing.
func Declared(ctx context.Context, st *session.State) (map[string]bool, error) {
	content, err := readManifest(ctx, st)
	if errors.Is(err, provider.ErrFileNotFound) {
		return map[string]bool{}, nil
	}
	if err != nil {
		return nil, err
	}
	return DeclaredDependencies(content)
}

func readManifest(ctx context.Context, st *session.State) (string, error) {
	if e, ok := st.Cache.Get(manifestPath); ok {
		return e.Content, nil
	}
	content, err := st.Provider.ReadFile(ctx, manifestPath)
	if err != nil {
		return "", err
	}
	st.Cache.Set(manifestPath, content)
	return content, nil
}

// DeclaredDependencies returns the names listed in dependencies and
// devDependencies of a package.json document.
func DeclaredDependencies(manifest string) (map[string]bool, error) {
	var pkg struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal([]byte(manifest), &pkg); err != nil {
		return nil, fmt.Errorf("parse package.json: %w", err)
	}
	out := make(map[string]bool, len(pkg.Dependencies)+len(pkg.DevDependencies))
	for n := range pkg.Dependencies {
		out[n] = true
	}
	for n := range pkg.DevDependencies {
		out[n] = true
	}
	return out, nil
}

// run installs missing in one npm invocation. It reports whether the
// provider restarted the dev server itself.
func (in *Installer) run(ctx context.Context, st *session.State, missing []string, res *Result, em stream.Emitter) bool {
	em.Emit(stream.Event{
		Type:     stream.TypePackageProgress,
		Action:   "installing",
		Message:  fmt.Sprintf("Installing %d new package%s: %s", len(missing), plural(len(missing)), strings.Join(missing, ", ")),
		Packages: missing,
	})

	cr, err := st.Provider.InstallPackages(ctx, missing)
	if err != nil {
		res.Failed = append(res.Failed, missing...)
		res.Errors = append(res.Errors, err.Error())
		em.Emit(stream.Event{Type: stream.TypeError, Message: "Package installation failed: " + err.Error()})
		return false
	}

	// The manifest changed remotely.
	st.Cache.Delete(manifestPath)
	res.Output = cr.Stdout
	in.emitOutput(cr, res, em)

	if !cr.Success {
		res.Failed = append(res.Failed, missing...)
		res.Errors = append(res.Errors, fmt.Sprintf("npm install exited with code %d", cr.ExitCode))
		em.Emit(stream.Event{Type: stream.TypeError, Message: "Package installation failed"})
		return false
	}

	res.Installed = append(res.Installed, missing...)
	em.Emit(stream.Event{
		Type:              stream.TypeSuccess,
		Message:           "Successfully installed: " + strings.Join(missing, ", "),
		InstalledPackages: missing,
	})
	return in.opts.ProviderRestarts
}

func (in *Installer) emitOutput(cr *provider.CommandResult, res *Result, em stream.Emitter) {
	emit := func(text, kind string) {
		for _, line := range splitLines(text) {
			k := kind
			if isNpmWarning(line) {
				k = stream.StreamWarning
				res.Warnings = append(res.Warnings, line)
			}
			em.Emit(stream.Event{Type: stream.TypeCommandOutput, Output: line, Stream: k})
		}
	}
	emit(cr.Stdout, stream.StreamStdout)
	emit(cr.Stderr, stream.StreamStderr)
}

// isNpmWarning matches npm warnings and peer dependency conflicts on either
// stream.
func isNpmWarning(line string) bool {
	return strings.Contains(line, "npm WARN") || strings.Contains(line, "ERESOLVE")
}

func (in *Installer) restart(ctx context.Context, st *session.State, res *Result, em stream.Emitter) {
	em.Emit(stream.Event{Type: stream.TypeStatus, Message: "Restarting development server..."})
	err := st.Provider.RestartViteServer(ctx)
	switch {
	case err == nil:
		res.Restarted = true
	case errors.Is(err, provider.ErrDevServerNotReady):
		res.Restarted = true
		msg := "Dev server restarted but is not responding yet"
		res.Warnings = append(res.Warnings, msg)
		em.Emit(stream.Event{Type: stream.TypeWarning, Message: msg})
	default:
		msg := "Failed to restart dev server: " + err.Error()
		res.Errors = append(res.Errors, msg)
		em.Emit(stream.Event{Type: stream.TypeError, Message: msg})
	}
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimRight(line, "\r"); strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
