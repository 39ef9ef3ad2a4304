// Package session holds the coordinating service's view of the active
// sandbox: its provider, file cache and in-flight creation.
package session

import (
	"sync"

	"github.com/aspectrr/fluid.sh/preview/internal/project"
	"github.com/aspectrr/fluid.sh/preview/internal/provider"
)

// State is one sandbox's session. A new sandbox gets a new State; states are
// never merged.
type State struct {
	Provider provider.Provider
	Sandbox  provider.SandboxInfo
	Cache    *FileCache
}

// NewState builds a fresh session around a provider with a live sandbox.
func NewState(p provider.Provider) *State {
	s := &State{
		Provider: p,
		Cache:    NewFileCache(),
	}
	if info := p.Info(); info != nil {
		s.Sandbox = *info
	}
	return s
}

// Files is the set of paths known to exist in the sandbox.
func (s *State) Files() *project.FileSet {
	return s.Provider.Files()
}

// Holder owns the current State.
type Holder struct {
	mu    sync.RWMutex
	state *State
}

func NewHolder() *Holder {
	return &Holder{}
}

// Current returns the active state, or nil.
func (h *Holder) Current() *State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Replace installs s wholesale and returns the previous state.
func (h *Holder) Replace(s *State) *State {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.state
	h.state = s
	return prev
}

// Clear drops the active state and returns it.
func (h *Holder) Clear() *State {
	return h.Replace(nil)
}

// ClearIf drops the active state only if it belongs to sandboxID.
func (h *Holder) ClearIf(sandboxID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == nil || h.state.Sandbox.SandboxID != sandboxID {
		return false
	}
	h.state = nil
	return true
}
