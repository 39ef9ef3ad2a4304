// Package providertest provides an in-memory Provider for tests.
package providertest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aspectrr/fluid.sh/preview/internal/project"
	"github.com/aspectrr/fluid.sh/preview/internal/provider"
)

// DefaultManifest is the package.json written by SetupViteApp.
const DefaultManifest = `{
  "name": "sandbox-app",
  "dependencies": {
    "react": "^18.2.0",
    "react-dom": "^18.2.0"
  },
  "devDependencies": {
    "vite": "^4.3.9"
  }
}
`

// Fake is an in-memory Provider. Hook fields override default behavior.
type Fake struct {
	CreateFn     func(ctx context.Context) (*provider.SandboxInfo, error)
	ReconnectFn  func(ctx context.Context, id string) (*provider.SandboxInfo, error)
	RunCommandFn func(ctx context.Context, cmd string) (*provider.CommandResult, error)
	WriteFileFn  func(ctx context.Context, path, content string) error
	InstallFn    func(ctx context.Context, names []string) (*provider.CommandResult, error)
	SetupFn      func(ctx context.Context) error
	RestartFn    func(ctx context.Context) error

	mu         sync.Mutex
	info       *provider.SandboxInfo
	files      *project.FileSet
	contents   map[string]string
	commands   []string
	installs   [][]string
	events     []string
	creates    int
	restarts   int
	terminates int
	setups     int
}

// New returns a Fake with no sandbox attached.
func New() *Fake {
	return &Fake{
		files:    project.NewFileSet(),
		contents: make(map[string]string),
	}
}

// NewLive returns a Fake with sandbox id attached.
func NewLive(id string) *Fake {
	f := New()
	f.info = &provider.SandboxInfo{SandboxID: id, URL: "https://" + id + ".test", Provider: provider.KindE2B}
	return f
}

func (f *Fake) record(event string) {
	f.events = append(f.events, event)
}

func (f *Fake) Kind() provider.Kind     { return provider.KindE2B }
func (f *Fake) Files() *project.FileSet { return f.files }
func (f *Fake) WorkDir() string         { return "/home/user/app" }

func (f *Fake) Info() *provider.SandboxInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.info == nil {
		return nil
	}
	info := *f.info
	return &info
}

func (f *Fake) IsAlive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info != nil
}

func (f *Fake) CreateSandbox(ctx context.Context) (*provider.SandboxInfo, error) {
	f.mu.Lock()
	f.creates++
	n := f.creates
	f.record("create")
	f.mu.Unlock()

	var info *provider.SandboxInfo
	if f.CreateFn != nil {
		var err error
		if info, err = f.CreateFn(ctx); err != nil {
			return nil, err
		}
	} else {
		id := fmt.Sprintf("fake-%d", n)
		info = &provider.SandboxInfo{SandboxID: id, URL: "https://" + id + ".test", Provider: provider.KindE2B}
	}

	f.mu.Lock()
	f.info = info
	f.mu.Unlock()
	out := *info
	return &out, nil
}

func (f *Fake) Reconnect(ctx context.Context, id string) (*provider.SandboxInfo, error) {
	if f.ReconnectFn == nil {
		return nil, provider.ErrReconnectUnsupported
	}
	info, err := f.ReconnectFn(ctx, id)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.info = info
	f.mu.Unlock()
	out := *info
	return &out, nil
}

func (f *Fake) Terminate(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.info != nil {
		f.terminates++
	}
	f.info = nil
}

func (f *Fake) RunCommand(ctx context.Context, cmd string) (*provider.CommandResult, error) {
	if !f.IsAlive() {
		return nil, provider.ErrNoActiveSandbox
	}
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.record("command:" + cmd)
	f.mu.Unlock()
	if f.RunCommandFn != nil {
		return f.RunCommandFn(ctx, cmd)
	}
	return provider.NewCommandResult("", "", 0), nil
}

func (f *Fake) WriteFile(ctx context.Context, path, content string) error {
	if !f.IsAlive() {
		return provider.ErrNoActiveSandbox
	}
	f.mu.Lock()
	f.record("write:" + path)
	f.mu.Unlock()
	if f.WriteFileFn != nil {
		if err := f.WriteFileFn(ctx, path, content); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.contents[path] = content
	f.mu.Unlock()
	f.files.Add(path)
	return nil
}

func (f *Fake) ReadFile(_ context.Context, path string) (string, error) {
	if !f.IsAlive() {
		return "", provider.ErrNoActiveSandbox
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contents[strings.TrimPrefix(path, "/")]
	if !ok {
		return "", fmt.Errorf("read %s: %w", path, provider.ErrFileNotFound)
	}
	return c, nil
}

func (f *Fake) ListFiles(context.Context, string) ([]string, error) {
	if !f.IsAlive() {
		return nil, provider.ErrNoActiveSandbox
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.contents))
	for p := range f.contents {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (f *Fake) InstallPackages(ctx context.Context, names []string) (*provider.CommandResult, error) {
	if !f.IsAlive() {
		return nil, provider.ErrNoActiveSandbox
	}
	f.mu.Lock()
	f.installs = append(f.installs, append([]string(nil), names...))
	f.record("install:" + strings.Join(names, ","))
	f.mu.Unlock()
	if f.InstallFn != nil {
		return f.InstallFn(ctx, names)
	}
	return provider.NewCommandResult("added "+fmt.Sprint(len(names))+" packages\n", "", 0), nil
}

func (f *Fake) SetupViteApp(ctx context.Context) error {
	if !f.IsAlive() {
		return provider.ErrNoActiveSandbox
	}
	f.mu.Lock()
	f.setups++
	f.mu.Unlock()
	if f.SetupFn != nil {
		return f.SetupFn(ctx)
	}
	if err := f.WriteFile(ctx, "package.json", DefaultManifest); err != nil {
		return err
	}
	return f.WriteFile(ctx, "src/App.jsx", "export default function App() { return null }\n")
}

func (f *Fake) RestartViteServer(ctx context.Context) error {
	if !f.IsAlive() {
		return provider.ErrNoActiveSandbox
	}
	f.mu.Lock()
	f.restarts++
	f.record("restart")
	f.mu.Unlock()
	if f.RestartFn != nil {
		return f.RestartFn(ctx)
	}
	return nil
}

// Put seeds a remote file without recording a write.
func (f *Fake) Put(path, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contents[path] = content
	f.files.Add(path)
}

// Content returns the remote body of path.
func (f *Fake) Content(path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contents[path]
	return c, ok
}

func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *Fake) Installs() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.installs...)
}

// Events is the ordered log of mutating calls.
func (f *Fake) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *Fake) Creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func (f *Fake) Restarts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restarts
}

func (f *Fake) Terminates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminates
}

func (f *Fake) Setups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setups
}

var _ provider.Provider = (*Fake)(nil)
