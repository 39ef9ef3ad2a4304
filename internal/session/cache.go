package session

import (
	"sort"
	"sync"
	"time"
)

// Entry is a cached file body and when it was last written.
type Entry struct {
	Content      string    `json:"content"`
	LastModified time.Time `json:"lastModified"`
}

// FileCache mirrors sandbox file contents keyed by normalized project path.
// It is best-effort and never durable.
type FileCache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

func NewFileCache() *FileCache {
	return &FileCache{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

func (c *FileCache) Get(path string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[path]
	return e, ok
}

// Set records content as the last successful write for path.
func (c *FileCache) Set(path, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[path] = Entry{Content: content, LastModified: c.now().UTC()}
}

func (c *FileCache) Delete(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, path)
}

func (c *FileCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Paths returns cached paths in lexical order.
func (c *FileCache) Paths() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.entries))
	for p := range c.entries {
		out = append(out, p)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Snapshot returns a copy of all entries.
func (c *FileCache) Snapshot() map[string]Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Entry, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}
