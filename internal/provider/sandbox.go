package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	shellquote "github.com/kballard/go-shellquote"

	"github.com/aspectrr/fluid.sh/preview/internal/project"
)

const (
	killDevServerCmd  = "pkill -f vite || true"
	startDevServerCmd = "nohup npm run dev > /tmp/vite.log 2>&1 &"
	legacyPeerDeps    = "--legacy-peer-deps"
)

// excludedDirs are pruned from listings and archives.
var excludedDirs = []string{"node_modules", ".git", ".next", "dist", "build"}

// ExcludedDirs returns the build and dependency directory names that are
// never listed.
func ExcludedDirs() []string {
	return append([]string(nil), excludedDirs...)
}

// Options configures the shared sandbox engine for one variant.
type Options struct {
	WorkDir       string
	DevPort       int
	NPMFlags      string
	AutoRestart   bool
	KillGrace     time.Duration
	ReadyTimeout  time.Duration
	ReadyFallback time.Duration
	ReadyProbe    bool
	// Banner is the placeholder text shown by the scaffold App.
	Banner     string
	HTTPClient *http.Client
}

// Sandbox implements Provider on top of a Backend. It owns the live handle,
// the known-file set and the Vite dev-server workflow.
type Sandbox struct {
	backend Backend
	opts    Options
	files   *project.FileSet
	http    *http.Client
	logger  *slog.Logger

	mu     sync.RWMutex
	handle *Handle
	info   *SandboxInfo
}

// New creates a sandbox engine for backend.
func New(backend Backend, opts Options, logger *slog.Logger) *Sandbox {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DevPort == 0 {
		opts.DevPort = 5173
	}
	if opts.WorkDir == "" {
		opts.WorkDir = "/home/user/app"
	}
	if opts.Banner == "" {
		opts.Banner = "Sandbox Ready"
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Sandbox{
		backend: backend,
		opts:    opts,
		files:   project.NewFileSet(),
		http:    client,
		logger:  logger.With("component", "sandbox", "provider", string(backend.Kind())),
	}
}

func (s *Sandbox) Kind() Kind              { return s.backend.Kind() }
func (s *Sandbox) Files() *project.FileSet { return s.files }
func (s *Sandbox) WorkDir() string         { return s.opts.WorkDir }

func (s *Sandbox) Info() *SandboxInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.info == nil {
		return nil
	}
	info := *s.info
	return &info
}

func (s *Sandbox) IsAlive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle != nil
}

func (s *Sandbox) current() (*Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.handle == nil {
		return nil, ErrNoActiveSandbox
	}
	return s.handle, nil
}

func (s *Sandbox) attach(h *Handle) *SandboxInfo {
	info := &SandboxInfo{
		SandboxID: h.ID,
		URL:       h.URL,
		Provider:  s.backend.Kind(),
		CreatedAt: h.CreatedAt,
	}
	s.mu.Lock()
	s.handle = h
	s.info = info
	s.mu.Unlock()
	out := *info
	return &out
}

// CreateSandbox provisions a new sandbox, stopping any previous one first.
func (s *Sandbox) CreateSandbox(ctx context.Context) (*SandboxInfo, error) {
	if s.IsAlive() {
		s.Terminate(ctx)
	}
	s.files.Clear()

	s.logger.Info("creating sandbox", "port", s.opts.DevPort)
	h, err := s.backend.Create(ctx, s.opts.DevPort)
	if err != nil {
		return nil, fmt.Errorf("create %s sandbox: %w", s.backend.Kind(), err)
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}

	info := s.attach(h)
	s.logger.Info("sandbox created", "sandbox_id", info.SandboxID, "url", info.URL)
	return info, nil
}

// Reconnect attaches to a running sandbox by ID and re-seeds the known-file
// set from a remote listing.
func (s *Sandbox) Reconnect(ctx context.Context, sandboxID string) (*SandboxInfo, error) {
	h, err := s.backend.Connect(ctx, sandboxID, s.opts.DevPort)
	if err != nil {
		return nil, err
	}
	info := s.attach(h)

	paths, _ := s.ListFiles(ctx, "")
	s.files.Clear()
	for _, p := range paths {
		s.files.Add(p)
	}
	s.logger.Info("reconnected to sandbox", "sandbox_id", info.SandboxID, "files", len(paths))
	return info, nil
}

// Terminate destroys the sandbox. It is idempotent and never fails.
func (s *Sandbox) Terminate(ctx context.Context) {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.info = nil
	s.mu.Unlock()
	if h == nil {
		return
	}
	if err := s.backend.Destroy(ctx, h); err != nil {
		s.logger.Warn("failed to destroy sandbox", "sandbox_id", h.ID, "error", err)
		return
	}
	s.logger.Info("sandbox terminated", "sandbox_id", h.ID)
}

func (s *Sandbox) RunCommand(ctx context.Context, command string) (*CommandResult, error) {
	h, err := s.current()
	if err != nil {
		return nil, err
	}
	return s.backend.Exec(ctx, h, Command{Line: command, Cwd: s.opts.WorkDir})
}

// resolve maps a project-relative path to its absolute sandbox path and its
// canonical relative form.
func (s *Sandbox) resolve(p string) (abs, rel string, err error) {
	if strings.TrimSpace(p) == "" {
		return "", "", errors.New("empty path")
	}
	abs, err = project.Resolve(s.opts.WorkDir, p)
	if err != nil {
		return "", "", fmt.Errorf("resolve %q: %w", p, err)
	}
	rel = strings.TrimPrefix(abs, strings.TrimRight(s.opts.WorkDir, "/")+"/")
	return abs, rel, nil
}

// WriteFile writes content through the backend's bulk API, falling back to a
// shell heredoc for text content.
func (s *Sandbox) WriteFile(ctx context.Context, p, content string) error {
	h, err := s.current()
	if err != nil {
		return err
	}
	abs, rel, err := s.resolve(p)
	if err != nil {
		return err
	}

	bulkErr := s.backend.WriteFiles(ctx, h, []File{{Path: abs, Content: []byte(content)}})
	if bulkErr != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("write %s: %w", rel, ctx.Err())
		}
		if !isText(content) {
			return fmt.Errorf("write %s: %w", rel, bulkErr)
		}
		s.logger.Warn("bulk write failed, using shell fallback", "path", rel, "error", bulkErr)
		if err := s.writeViaShell(ctx, h, abs, content); err != nil {
			return fmt.Errorf("write %s: bulk: %v; shell: %w", rel, bulkErr, err)
		}
	}

	s.files.Add(rel)
	return nil
}

func (s *Sandbox) writeViaShell(ctx context.Context, h *Handle, abs, content string) error {
	res, err := s.backend.Exec(ctx, h, Command{Line: heredocWrite(abs, content), Cwd: s.opts.WorkDir})
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// ReadFile reads through the backend, then falls back to cat.
func (s *Sandbox) ReadFile(ctx context.Context, p string) (string, error) {
	h, err := s.current()
	if err != nil {
		return "", err
	}
	abs, rel, err := s.resolve(p)
	if err != nil {
		return "", err
	}

	data, err := s.backend.ReadFile(ctx, h, abs)
	if err == nil {
		return string(data), nil
	}
	if errors.Is(err, ErrFileNotFound) {
		return "", fmt.Errorf("read %s: %w", rel, ErrFileNotFound)
	}

	s.logger.Debug("native read failed, trying cat", "path", rel, "error", err)
	res, cerr := s.backend.Exec(ctx, h, Command{Line: "cat " + shellquote.Join(abs), Cwd: s.opts.WorkDir})
	if cerr != nil {
		return "", fmt.Errorf("read %s: %w", rel, err)
	}
	if !res.Success {
		return "", fmt.Errorf("read %s: %w: %s", rel, ErrFileNotFound, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

// ListFiles returns project-relative file paths under dir, excluding build and
// dependency directories. A failing command yields an empty list.
func (s *Sandbox) ListFiles(ctx context.Context, dir string) ([]string, error) {
	h, err := s.current()
	if err != nil {
		return nil, err
	}
	if dir == "" {
		dir = s.opts.WorkDir
	}

	prune := make([]string, 0, len(excludedDirs)*2)
	for i, d := range excludedDirs {
		if i > 0 {
			prune = append(prune, "-o")
		}
		prune = append(prune, "-name", shellquote.Join(d))
	}
	line := fmt.Sprintf("cd %s && find . \\( %s \\) -prune -o -type f -print",
		shellquote.Join(dir), strings.Join(prune, " "))

	res, err := s.backend.Exec(ctx, h, Command{Line: line, Cwd: s.opts.WorkDir})
	if err != nil || !res.Success {
		s.logger.Warn("list files failed", "dir", dir, "error", err)
		return []string{}, nil
	}

	var out []string
	for _, l := range strings.Split(res.Stdout, "\n") {
		l = strings.TrimPrefix(strings.TrimSpace(l), "./")
		if l == "" || l == "." {
			continue
		}
		out = append(out, l)
	}
	sort.Strings(out)
	if out == nil {
		out = []string{}
	}
	return out, nil
}

// InstallPackages runs a single npm install for names.
func (s *Sandbox) InstallPackages(ctx context.Context, names []string) (*CommandResult, error) {
	h, err := s.current()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return NewCommandResult("", "", 0), nil
	}

	line := "npm install " + s.npmFlags() + " " + shellquote.Join(names...)
	s.logger.Info("installing packages", "packages", names)
	res, err := s.backend.Exec(ctx, h, Command{Line: line, Cwd: s.opts.WorkDir})
	if err != nil {
		return nil, fmt.Errorf("npm install: %w", err)
	}

	if res.Success && s.opts.AutoRestart {
		if err := s.RestartViteServer(ctx); err != nil {
			s.logger.Warn("auto restart after install failed", "error", err)
		}
	}
	return res, nil
}

func (s *Sandbox) npmFlags() string {
	flags := strings.TrimSpace(s.opts.NPMFlags)
	if !strings.Contains(flags, legacyPeerDeps) {
		flags = strings.TrimSpace(flags + " " + legacyPeerDeps)
	}
	return flags
}

// SetupViteApp writes the starter project, installs dependencies and starts
// the dev server. Install and readiness failures are logged, not returned.
func (s *Sandbox) SetupViteApp(ctx context.Context) error {
	h, err := s.current()
	if err != nil {
		return err
	}

	scaffold := Scaffold(s.opts.DevPort, s.opts.Banner)
	bulk := make([]File, 0, len(scaffold))
	for _, f := range scaffold {
		abs, _, err := s.resolve(f.Path)
		if err != nil {
			return err
		}
		bulk = append(bulk, File{Path: abs, Content: []byte(f.Content)})
	}
	if err := s.backend.WriteFiles(ctx, h, bulk); err != nil {
		s.logger.Warn("bulk scaffold write failed, writing files individually", "error", err)
		for _, f := range scaffold {
			if err := s.WriteFile(ctx, f.Path, f.Content); err != nil {
				return fmt.Errorf("write scaffold: %w", err)
			}
		}
	}

	s.installDependencies(ctx, h)

	if err := s.startDevServer(ctx, h); err != nil {
		return fmt.Errorf("start dev server: %w", err)
	}
	if err := s.waitReady(ctx); err != nil {
		s.logger.Warn("dev server not ready after setup", "error", err)
	}

	for _, f := range scaffold {
		s.files.Add(f.Path)
	}
	s.logger.Info("vite app ready", "sandbox_id", h.ID)
	return nil
}

func (s *Sandbox) installDependencies(ctx context.Context, h *Handle) {
	res, err := s.backend.Exec(ctx, h, Command{Line: strings.TrimSpace("npm install " + s.opts.NPMFlags), Cwd: s.opts.WorkDir})
	if err == nil && res.Success {
		return
	}
	s.logger.Warn("npm install failed, trying shell invocation", "error", err, "stderr", stderrOf(res))

	alt := "sh -c " + shellquote.Join("cd "+s.opts.WorkDir+" && npm install "+legacyPeerDeps)
	res, err = s.backend.Exec(ctx, h, Command{Line: alt, Cwd: s.opts.WorkDir})
	if err == nil && res.Success {
		return
	}
	s.logger.Error("npm install failed, continuing without dependencies", "error", err, "stderr", stderrOf(res))
}

func (s *Sandbox) startDevServer(ctx context.Context, h *Handle) error {
	if _, err := s.backend.Exec(ctx, h, Command{Line: killDevServerCmd, Cwd: "/"}); err != nil {
		return err
	}
	if err := sleepCtx(ctx, s.opts.KillGrace); err != nil {
		return err
	}
	_, err := s.backend.Exec(ctx, h, Command{Line: startDevServerCmd, Cwd: s.opts.WorkDir, Detached: true})
	return err
}

// RestartViteServer kills and relaunches the dev server, then waits for it.
func (s *Sandbox) RestartViteServer(ctx context.Context) error {
	h, err := s.current()
	if err != nil {
		return err
	}
	s.logger.Info("restarting dev server", "sandbox_id", h.ID)
	if err := s.startDevServer(ctx, h); err != nil {
		return fmt.Errorf("restart dev server: %w", err)
	}
	return s.waitReady(ctx)
}

func stderrOf(res *CommandResult) string {
	if res == nil {
		return ""
	}
	return strings.TrimSpace(res.Stderr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// dirOf returns the parent directory of an absolute sandbox path.
func dirOf(abs string) string {
	return path.Dir(abs)
}
