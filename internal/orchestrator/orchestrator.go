// Package orchestrator owns the active sandbox session. It coordinates the
// sandbox manager, the session holder and persistence to create, resolve and
// destroy sandboxes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aspectrr/fluid.sh/preview/internal/manager"
	"github.com/aspectrr/fluid.sh/preview/internal/project"
	"github.com/aspectrr/fluid.sh/preview/internal/provider"
	"github.com/aspectrr/fluid.sh/preview/internal/session"
	"github.com/aspectrr/fluid.sh/preview/internal/store"
	"github.com/aspectrr/fluid.sh/preview/internal/telemetry"
)

const (
	timeoutStoreWrite = 10 * time.Second
	readConcurrency   = 8
	// maxSnapshotFileSize skips large generated files such as lockfiles.
	maxSnapshotFileSize = 64 * 1024
)

// Service coordinates sandbox lifecycle for the process.
type Service struct {
	manager   *manager.Manager
	holder    *session.Holder
	creator   session.Creator
	store     store.Store
	telemetry telemetry.Service
	logger    *slog.Logger
}

// New creates a Service. st may be nil, in which case history is not kept.
func New(mgr *manager.Manager, st store.Store, tele telemetry.Service, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if tele == nil {
		tele = &telemetry.NoopService{}
	}
	s := &Service{
		manager:   mgr,
		holder:    session.NewHolder(),
		store:     st,
		telemetry: tele,
		logger:    logger.With("component", "orchestrator"),
	}
	mgr.OnTerminate(s.onTerminate)
	return s
}

// Manager returns the sandbox registry.
func (s *Service) Manager() *manager.Manager { return s.manager }

// Track forwards a telemetry event keyed by sandbox ID.
func (s *Service) Track(sandboxID, event string, props map[string]any) {
	s.telemetry.Track(sandboxID, event, props)
}

// ---------------------------------------------------------------------------
// Sandbox lifecycle
// ---------------------------------------------------------------------------

// CreateSandbox returns the live active sandbox session, creating one if
// needed. Concurrent callers share a single creation attempt. reused reports
// whether an existing live sandbox was returned.
func (s *Service) CreateSandbox(ctx context.Context) (st *session.State, reused bool, err error) {
	if cur := s.holder.Current(); cur != nil && cur.Provider.IsAlive() {
		s.manager.GetProvider(cur.Sandbox.SandboxID)
		return cur, true, nil
	}

	st, shared, err := s.creator.Do(ctx, s.create)
	if err != nil {
		return nil, false, err
	}
	if shared {
		s.logger.Debug("joined in-flight sandbox creation", "sandbox_id", st.Sandbox.SandboxID)
	}
	return st, false, nil
}

func (s *Service) create(ctx context.Context) (*session.State, error) {
	// Re-check under single-flight: a previous attempt may have finished
	// between the caller's check and this one starting.
	if cur := s.holder.Current(); cur != nil && cur.Provider.IsAlive() {
		return cur, nil
	}

	if n := s.manager.TerminateAll(ctx); n > 0 {
		s.logger.Info("terminated previous sandboxes", "count", n)
	}
	s.holder.Clear()

	p, _ := s.manager.GetOrCreateProvider(ctx, "")
	info, err := p.CreateSandbox(ctx)
	if err != nil {
		s.holder.Clear()
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	logger := s.logger.With("sandbox_id", info.SandboxID, "provider", info.Provider)
	logger.Info("sandbox created", "url", info.URL)

	if err := p.SetupViteApp(ctx); err != nil {
		p.Terminate(ctx)
		s.holder.Clear()
		s.recordSandbox(ctx, info, store.SandboxFailed)
		return nil, fmt.Errorf("setup vite app: %w", err)
	}

	s.manager.RegisterSandbox(info.SandboxID, p)
	st := session.NewState(p)
	s.holder.Replace(st)
	s.recordSandbox(ctx, info, store.SandboxActive)

	s.telemetry.Track(info.SandboxID, "sandbox_created", map[string]any{
		"provider": string(info.Provider),
	})
	logger.Info("sandbox ready")
	return st, nil
}

// Session resolves the session for sandboxID, or the active session when
// sandboxID is empty. A sandbox not known to this process is reattached by ID
// when the provider supports it.
func (s *Service) Session(ctx context.Context, sandboxID string) (*session.State, error) {
	cur := s.holder.Current()
	if sandboxID == "" || (cur != nil && cur.Sandbox.SandboxID == sandboxID) {
		if cur == nil || !cur.Provider.IsAlive() {
			return nil, provider.ErrNoActiveSandbox
		}
		s.manager.GetProvider(cur.Sandbox.SandboxID)
		return cur, nil
	}

	p, attached := s.manager.GetOrCreateProvider(ctx, sandboxID)
	if !attached || !p.IsAlive() {
		return nil, fmt.Errorf("%w: %s", provider.ErrNoActiveSandbox, sandboxID)
	}
	s.manager.SetActiveSandbox(sandboxID)
	st := session.NewState(p)
	s.holder.Replace(st)
	s.logger.Info("switched active sandbox", "sandbox_id", sandboxID)
	return st, nil
}

// Status reports on the active sandbox without touching the remote.
func (s *Service) Status(_ context.Context) StatusReport {
	rep := StatusReport{
		HealthStatus:       HealthNone,
		CreationInProgress: s.creator.InProgress(),
	}
	cur := s.holder.Current()
	if cur == nil {
		return rep
	}
	rep.Active = cur.Provider.IsAlive()
	if rep.Active {
		rep.HealthStatus = HealthHealthy
	} else {
		rep.HealthStatus = HealthUnhealthy
	}
	info := cur.Sandbox
	rep.Sandbox = &info
	rep.FileCount = cur.Files().Len()
	rep.CachedFiles = cur.Cache.Len()
	return rep
}

// Kill terminates the active sandbox.
func (s *Service) Kill(ctx context.Context) KillResult {
	id := s.manager.ActiveID()
	cur := s.holder.Current()
	if cur != nil {
		id = cur.Sandbox.SandboxID
	}
	if id == "" {
		return KillResult{}
	}

	if s.manager.TerminateSandbox(ctx, id) {
		return KillResult{Killed: true, SandboxID: id}
	}
	// Not registered, e.g. creation never completed registration.
	if cur != nil {
		cur.Provider.Terminate(ctx)
		s.onTerminate(ctx, id)
		return KillResult{Killed: true, SandboxID: id}
	}
	return KillResult{}
}

// Shutdown terminates every sandbox owned by this process.
func (s *Service) Shutdown(ctx context.Context) {
	if n := s.manager.TerminateAll(ctx); n > 0 {
		s.logger.Info("terminated sandboxes on shutdown", "count", n)
	}
	s.holder.Clear()
}

func (s *Service) onTerminate(ctx context.Context, sandboxID string) {
	s.holder.ClearIf(sandboxID)
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeoutStoreWrite)
	defer cancel()
	err := s.store.UpdateSandboxState(ctx, sandboxID, store.SandboxTerminated)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		s.logger.Debug("terminated sandbox has no record", "sandbox_id", sandboxID)
	default:
		s.logger.Warn("record sandbox termination failed", "sandbox_id", sandboxID, "error", err)
	}
}

func (s *Service) recordSandbox(ctx context.Context, info *provider.SandboxInfo, state store.SandboxState) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeoutStoreWrite)
	defer cancel()
	rec := &store.SandboxRecord{
		ID:        info.SandboxID,
		Provider:  string(info.Provider),
		URL:       info.URL,
		State:     state,
		CreatedAt: info.CreatedAt,
	}
	err := s.store.CreateSandbox(ctx, rec)
	if errors.Is(err, store.ErrAlreadyExists) {
		err = s.store.UpdateSandboxState(ctx, info.SandboxID, state)
	}
	if err != nil {
		s.logger.Warn("record sandbox failed", "sandbox_id", info.SandboxID, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Files
// ---------------------------------------------------------------------------

// Files returns the readable project files of st's sandbox. Cached content is
// preferred; remote reads refresh the cache and the known-files set.
func (s *Service) Files(ctx context.Context, st *session.State) (*FilesSnapshot, error) {
	paths, err := st.Provider.ListFiles(ctx, st.Provider.WorkDir())
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}

	type read struct {
		path    string
		content string
	}
	results := make([]read, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(readConcurrency)
	for i, p := range paths {
		st.Files().Add(p)
		if !snapshotFile(p) {
			continue
		}
		g.Go(func() error {
			if e, ok := st.Cache.Get(p); ok {
				results[i] = read{path: p, content: e.Content}
				return nil
			}
			content, err := st.Provider.ReadFile(gctx, p)
			if err != nil {
				s.logger.Debug("skip unreadable file", "path", p, "error", err)
				return nil
			}
			if len(content) > maxSnapshotFileSize {
				return nil
			}
			st.Cache.Set(p, content)
			results[i] = read{path: p, content: content}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	files := make(map[string]string, len(paths))
	for _, r := range results {
		if r.path != "" {
			files[r.path] = r.content
		}
	}
	return &FilesSnapshot{
		Files:     files,
		Structure: buildTree(paths),
		FileCount: len(files),
	}, nil
}

func snapshotFile(p string) bool {
	if p == "package-lock.json" || strings.HasSuffix(p, ".log") {
		return false
	}
	switch project.FileType(p) {
	case "jsx", "tsx", "javascript", "typescript", "css", "json", "html":
		return true
	}
	return false
}

// buildTree renders paths as an indented directory tree.
func buildTree(paths []string) string {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	var b strings.Builder
	seen := make(map[string]bool)
	for _, p := range sorted {
		parts := strings.Split(p, "/")
		for depth := range parts {
			key := strings.Join(parts[:depth+1], "/")
			if seen[key] {
				continue
			}
			seen[key] = true
			b.WriteString(strings.Repeat("  ", depth))
			b.WriteString(parts[depth])
			if depth < len(parts)-1 {
				b.WriteString("/")
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// History
// ---------------------------------------------------------------------------

// RecordApply persists one apply run. A missing ID is assigned.
func (s *Service) RecordApply(ctx context.Context, run *store.ApplyRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	s.telemetry.Track(run.SandboxID, "code_applied", map[string]any{
		"files_created": len(run.FilesCreated),
		"files_updated": len(run.FilesUpdated),
		"packages":      len(run.Packages),
		"errors":        len(run.Errors),
	})
	if s.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeoutStoreWrite)
	defer cancel()
	if err := s.store.CreateApplyRun(ctx, run); err != nil {
		return fmt.Errorf("record apply run: %w", err)
	}
	return nil
}

// History returns recorded sandboxes, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]*store.SandboxRecord, error) {
	if s.store == nil {
		return []*store.SandboxRecord{}, nil
	}
	return s.store.ListSandboxes(ctx, &store.ListOptions{Limit: limit})
}

// ApplyHistory returns recorded apply runs for a sandbox, newest first.
func (s *Service) ApplyHistory(ctx context.Context, sandboxID string, limit int) ([]*store.ApplyRun, error) {
	if s.store == nil {
		return []*store.ApplyRun{}, nil
	}
	return s.store.ListApplyRuns(ctx, sandboxID, &store.ListOptions{Limit: limit})
}

// Live returns the sandboxes currently registered in this process.
func (s *Service) Live() []manager.Entry {
	return s.manager.List()
}
