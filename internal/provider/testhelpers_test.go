package provider

import (
	"context"
	"sync"
	"time"
)

// mockBackend is a function-field Backend. Unconfigured methods panic.
type mockBackend struct {
	CreateFn     func(ctx context.Context, port int) (*Handle, error)
	ConnectFn    func(ctx context.Context, id string, port int) (*Handle, error)
	ExecFn       func(ctx context.Context, h *Handle, cmd Command) (*CommandResult, error)
	WriteFilesFn func(ctx context.Context, h *Handle, files []File) error
	ReadFileFn   func(ctx context.Context, h *Handle, path string) ([]byte, error)
	DestroyFn    func(ctx context.Context, h *Handle) error

	mu    sync.Mutex
	execs []Command
}

func (m *mockBackend) Kind() Kind { return KindE2B }

func (m *mockBackend) Create(ctx context.Context, port int) (*Handle, error) {
	if m.CreateFn == nil {
		panic("mockBackend.Create not configured")
	}
	return m.CreateFn(ctx, port)
}

func (m *mockBackend) Connect(ctx context.Context, id string, port int) (*Handle, error) {
	if m.ConnectFn == nil {
		panic("mockBackend.Connect not configured")
	}
	return m.ConnectFn(ctx, id, port)
}

func (m *mockBackend) Exec(ctx context.Context, h *Handle, cmd Command) (*CommandResult, error) {
	m.mu.Lock()
	m.execs = append(m.execs, cmd)
	m.mu.Unlock()
	if m.ExecFn == nil {
		panic("mockBackend.Exec not configured")
	}
	return m.ExecFn(ctx, h, cmd)
}

func (m *mockBackend) WriteFiles(ctx context.Context, h *Handle, files []File) error {
	if m.WriteFilesFn == nil {
		panic("mockBackend.WriteFiles not configured")
	}
	return m.WriteFilesFn(ctx, h, files)
}

func (m *mockBackend) ReadFile(ctx context.Context, h *Handle, path string) ([]byte, error) {
	if m.ReadFileFn == nil {
		panic("mockBackend.ReadFile not configured")
	}
	return m.ReadFileFn(ctx, h, path)
}

func (m *mockBackend) Destroy(ctx context.Context, h *Handle) error {
	if m.DestroyFn == nil {
		panic("mockBackend.Destroy not configured")
	}
	return m.DestroyFn(ctx, h)
}

func (m *mockBackend) commands() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Command(nil), m.execs...)
}

func testOptions() Options {
	return Options{
		WorkDir: "/home/user/app",
		DevPort: 5173,
	}
}

// liveSandbox returns an engine with an attached handle.
func liveSandbox(b *mockBackend) *Sandbox {
	s := New(b, testOptions(), nil)
	s.attach(&Handle{ID: "sbx-1", URL: "https://5173-sbx-1.e2b.app", CreatedAt: time.Now()})
	return s
}

func ok(stdout string) (*CommandResult, error) {
	return NewCommandResult(stdout, "", 0), nil
}
