package project

import (
	"sort"
	"sync"
)

// FileSet is the set of project paths known to exist in a sandbox.
type FileSet struct {
	mu    sync.RWMutex
	paths map[string]struct{}
}

func NewFileSet() *FileSet {
	return &FileSet{paths: make(map[string]struct{})}
}

// Add records p, returning true when it was not already present.
func (s *FileSet) Add(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.paths[p]; ok {
		return false
	}
	s.paths[p] = struct{}{}
	return true
}

func (s *FileSet) Has(p string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.paths[p]
	return ok
}

func (s *FileSet) Remove(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.paths, p)
}

func (s *FileSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.paths)
}

// List returns the paths in lexical order.
func (s *FileSet) List() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.paths))
	for p := range s.paths {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (s *FileSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths = make(map[string]struct{})
}
