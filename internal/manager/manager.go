// Package manager tracks live sandbox providers by sandbox ID and which one is
// active, so stateless requests can refer to "the sandbox".
package manager

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aspectrr/fluid.sh/preview/internal/provider"
)

// terminateConcurrency bounds TerminateAll fan-out.
const terminateConcurrency = 4

// Entry describes a registered sandbox.
type Entry struct {
	SandboxID    string
	Provider     provider.Provider
	CreatedAt    time.Time
	LastAccessed time.Time
}

// TerminateHook runs after a sandbox has been removed and terminated.
type TerminateHook func(ctx context.Context, sandboxID string)

// Manager is a process-wide registry of sandbox providers.
type Manager struct {
	newProvider func() provider.Provider
	logger      *slog.Logger
	now         func() time.Time

	mu          sync.RWMutex
	entries     map[string]*Entry
	activeID    string
	onTerminate TerminateHook
}

// New creates an empty manager. newProvider builds an unattached provider for
// reconnection attempts.
func New(newProvider func() provider.Provider, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		newProvider: newProvider,
		logger:      logger.With("component", "manager"),
		now:         time.Now,
		entries:     make(map[string]*Entry),
	}
}

// OnTerminate sets the hook run for every terminated sandbox.
func (m *Manager) OnTerminate(fn TerminateHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTerminate = fn
}

// GetOrCreateProvider returns the provider registered under sandboxID. If none
// is registered it builds a fresh provider and tries to reconnect it by ID;
// on success the provider is registered and made active. When reconnection
// is unsupported or fails the unattached provider is returned and creation is
// left to the caller.
func (m *Manager) GetOrCreateProvider(ctx context.Context, sandboxID string) (provider.Provider, bool) {
	if p, ok := m.GetProvider(sandboxID); ok {
		return p, true
	}

	p := m.newProvider()
	if sandboxID == "" {
		return p, false
	}

	if _, err := p.Reconnect(ctx, sandboxID); err != nil {
		if errors.Is(err, provider.ErrReconnectUnsupported) {
			m.logger.Debug("reconnect not supported", "sandbox_id", sandboxID)
		} else {
			m.logger.Warn("reconnect failed", "sandbox_id", sandboxID, "error", err)
		}
		return p, false
	}

	m.RegisterSandbox(sandboxID, p)
	m.logger.Info("reconnected sandbox", "sandbox_id", sandboxID)
	return p, true
}

// RegisterSandbox stores p under sandboxID and marks it active.
func (m *Manager) RegisterSandbox(sandboxID string, p provider.Provider) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[sandboxID] = &Entry{
		SandboxID:    sandboxID,
		Provider:     p,
		CreatedAt:    now,
		LastAccessed: now,
	}
	m.activeID = sandboxID
}

// GetProvider looks up a provider and bumps its last-accessed time.
func (m *Manager) GetProvider(sandboxID string) (provider.Provider, bool) {
	if sandboxID == "" {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sandboxID]
	if !ok {
		return nil, false
	}
	e.LastAccessed = m.now()
	return e.Provider, true
}

// GetActiveProvider returns the active provider and bumps its last-accessed
// time.
func (m *Manager) GetActiveProvider() (provider.Provider, bool) {
	m.mu.RLock()
	id := m.activeID
	m.mu.RUnlock()
	return m.GetProvider(id)
}

// ActiveID returns the active sandbox ID, or "".
func (m *Manager) ActiveID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeID
}

// SetActiveSandbox marks a registered sandbox active.
func (m *Manager) SetActiveSandbox(sandboxID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[sandboxID]; !ok {
		return false
	}
	m.activeID = sandboxID
	return true
}

// List returns value copies of all entries, oldest first.
func (m *Manager) List() []Entry {
	m.mu.RLock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// TerminateSandbox removes the entry and terminates its provider. Bookkeeping
// is removed even though remote termination is best-effort.
func (m *Manager) TerminateSandbox(ctx context.Context, sandboxID string) bool {
	m.mu.Lock()
	e, ok := m.entries[sandboxID]
	delete(m.entries, sandboxID)
	if m.activeID == sandboxID {
		m.activeID = ""
	}
	hook := m.onTerminate
	m.mu.Unlock()
	if !ok {
		return false
	}

	e.Provider.Terminate(ctx)
	if hook != nil {
		hook(ctx, sandboxID)
	}
	m.logger.Info("sandbox terminated", "sandbox_id", sandboxID)
	return true
}

// TerminateAll terminates every registered sandbox concurrently.
func (m *Manager) TerminateAll(ctx context.Context) int {
	m.mu.RLock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(terminateConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			m.TerminateSandbox(gctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return len(ids)
}

// Cleanup terminates sandboxes not accessed within maxAge and returns how
// many were reaped.
func (m *Manager) Cleanup(ctx context.Context, maxAge time.Duration) int {
	cutoff := m.now().Add(-maxAge)

	m.mu.RLock()
	var stale []string
	for id, e := range m.entries {
		if e.LastAccessed.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	reaped := 0
	for _, id := range stale {
		m.logger.Info("reaping idle sandbox", "sandbox_id", id, "max_age", maxAge)
		if m.TerminateSandbox(ctx, id) {
			reaped++
		}
	}
	return reaped
}
