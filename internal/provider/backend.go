package provider

import (
	"context"
	"time"
)

// Backend maps the engine's primitive operations onto one remote execution
// API. Backends are stateless with respect to the project: the Sandbox engine
// owns the handle, the file set and the dev-server workflow.
type Backend interface {
	Kind() Kind
	// Create provisions a new sandbox exposing port.
	Create(ctx context.Context, port int) (*Handle, error)
	// Connect attaches to a running sandbox by ID, or returns
	// ErrReconnectUnsupported.
	Connect(ctx context.Context, sandboxID string, port int) (*Handle, error)
	// Exec runs a shell command line. A non-zero exit is reported in the
	// result; errors are transport failures.
	Exec(ctx context.Context, h *Handle, cmd Command) (*CommandResult, error)
	// WriteFiles is the native bulk write. Paths are absolute.
	WriteFiles(ctx context.Context, h *Handle, files []File) error
	// ReadFile returns ErrFileNotFound for missing paths.
	ReadFile(ctx context.Context, h *Handle, path string) ([]byte, error)
	// Destroy treats an already-gone sandbox as success.
	Destroy(ctx context.Context, h *Handle) error
}

// Handle references a live remote sandbox.
type Handle struct {
	ID          string
	URL         string
	Domain      string
	AccessToken string
	CreatedAt   time.Time
}

// Command is a shell command line run by a backend.
type Command struct {
	Line string
	Cwd  string
	// Detached commands are started without waiting for completion.
	Detached bool
}

// File is a single file for a bulk write.
type File struct {
	Path    string
	Content []byte
}
