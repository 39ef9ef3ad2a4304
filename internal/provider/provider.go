// Package provider defines the Provider interface that abstracts sandbox
// lifecycle, command execution and file access across remote backends
// (container-based, ephemeral VM, browser-executed).
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/aspectrr/fluid.sh/preview/internal/project"
)

// Kind identifies a provider variant. It is chosen once from configuration.
type Kind string

const (
	KindE2B          Kind = "e2b"
	KindVercel       Kind = "vercel"
	KindWebContainer Kind = "webcontainer"
)

var (
	// ErrNoActiveSandbox is returned when an operation needs a live sandbox
	// handle and none exists.
	ErrNoActiveSandbox = errors.New("no active sandbox")
	// ErrReconnectUnsupported is returned by backends that cannot attach to a
	// running sandbox by ID.
	ErrReconnectUnsupported = errors.New("reconnect not supported by provider")
	ErrFileNotFound         = errors.New("file not found")
	// ErrDevServerNotReady is returned when the dev server did not answer
	// within the readiness window.
	ErrDevServerNotReady = errors.New("dev server not ready")
)

// Provider abstracts a single sandbox's lifecycle. Each Provider owns at most
// one live sandbox handle at a time.
type Provider interface {
	Kind() Kind
	// Info returns a copy of the current sandbox metadata, or nil.
	Info() *SandboxInfo
	// Files is the set of project paths known to exist in the sandbox.
	Files() *project.FileSet
	// WorkDir is the absolute project directory inside the sandbox.
	WorkDir() string

	// Sandbox lifecycle
	CreateSandbox(ctx context.Context) (*SandboxInfo, error)
	Reconnect(ctx context.Context, sandboxID string) (*SandboxInfo, error)
	Terminate(ctx context.Context)
	IsAlive() bool

	// Commands and files
	RunCommand(ctx context.Context, command string) (*CommandResult, error)
	WriteFile(ctx context.Context, path, content string) error
	ReadFile(ctx context.Context, path string) (string, error)
	ListFiles(ctx context.Context, dir string) ([]string, error)

	// Project tooling
	InstallPackages(ctx context.Context, names []string) (*CommandResult, error)
	SetupViteApp(ctx context.Context) error
	RestartViteServer(ctx context.Context) error
}

// SandboxInfo is immutable once created and replaced wholesale on re-creation.
type SandboxInfo struct {
	SandboxID string    `json:"sandboxId"`
	URL       string    `json:"url"`
	Provider  Kind      `json:"provider"`
	CreatedAt time.Time `json:"createdAt"`
}

// CommandResult holds the result of a command execution. A non-zero exit is
// data, not an error.
type CommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	Success  bool   `json:"success"`
}

// NewCommandResult builds a CommandResult with Success derived from exitCode.
func NewCommandResult(stdout, stderr string, exitCode int) *CommandResult {
	return &CommandResult{
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: exitCode,
		Success:  exitCode == 0,
	}
}
