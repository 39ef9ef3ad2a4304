package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewCommandResult(t *testing.T) {
	if r := NewCommandResult("out", "", 0); !r.Success {
		t.Error("expected success for exit 0")
	}
	if r := NewCommandResult("", "boom", 2); r.Success {
		t.Error("expected failure for exit 2")
	}
}

func TestCreateSandbox(t *testing.T) {
	b := &mockBackend{
		CreateFn: func(_ context.Context, port int) (*Handle, error) {
			if port != 5173 {
				t.Errorf("expected port 5173, got %d", port)
			}
			return &Handle{ID: "sbx-1", URL: "https://5173-sbx-1.e2b.app"}, nil
		},
	}
	s := New(b, testOptions(), nil)

	info, err := s.CreateSandbox(context.Background())
	if err != nil {
		t.Fatalf("CreateSandbox: %v", err)
	}
	if info.SandboxID != "sbx-1" || info.Provider != KindE2B {
		t.Errorf("unexpected info: %+v", info)
	}
	if info.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
	if !s.IsAlive() {
		t.Error("expected sandbox alive")
	}
}

func TestCreateSandbox_StopsPrevious(t *testing.T) {
	var destroyed atomic.Int32
	b := &mockBackend{
		CreateFn: func(context.Context, int) (*Handle, error) {
			return &Handle{ID: "sbx-2"}, nil
		},
		DestroyFn: func(_ context.Context, h *Handle) error {
			destroyed.Add(1)
			return errors.New("already stopped")
		},
	}
	s := liveSandbox(b)

	info, err := s.CreateSandbox(context.Background())
	if err != nil {
		t.Fatalf("CreateSandbox: %v", err)
	}
	if destroyed.Load() != 1 {
		t.Errorf("expected previous sandbox destroyed once, got %d", destroyed.Load())
	}
	if info.SandboxID != "sbx-2" {
		t.Errorf("expected new sandbox, got %s", info.SandboxID)
	}
}

func TestCreateSandbox_Failure(t *testing.T) {
	b := &mockBackend{
		CreateFn: func(context.Context, int) (*Handle, error) {
			return nil, errors.New("quota exceeded")
		},
	}
	s := New(b, testOptions(), nil)

	if _, err := s.CreateSandbox(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if s.IsAlive() || s.Info() != nil {
		t.Error("expected no handle after failed create")
	}
}

func TestRunCommand_NoSandbox(t *testing.T) {
	s := New(&mockBackend{}, testOptions(), nil)

	_, err := s.RunCommand(context.Background(), "ls")
	if !errors.Is(err, ErrNoActiveSandbox) {
		t.Errorf("expected ErrNoActiveSandbox, got %v", err)
	}
}

func TestRunCommand_NonZeroExitIsData(t *testing.T) {
	b := &mockBackend{
		ExecFn: func(_ context.Context, _ *Handle, cmd Command) (*CommandResult, error) {
			if cmd.Cwd != "/home/user/app" {
				t.Errorf("expected workdir cwd, got %q", cmd.Cwd)
			}
			return NewCommandResult("", "not found", 127), nil
		},
	}
	s := liveSandbox(b)

	res, err := s.RunCommand(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success || res.ExitCode != 127 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestWriteFile_Bulk(t *testing.T) {
	var got []File
	b := &mockBackend{
		WriteFilesFn: func(_ context.Context, _ *Handle, files []File) error {
			got = files
			return nil
		},
	}
	s := liveSandbox(b)

	if err := s.WriteFile(context.Background(), "src/App.jsx", "export default 1"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if len(got) != 1 || got[0].Path != "/home/user/app/src/App.jsx" {
		t.Fatalf("unexpected bulk write: %+v", got)
	}
	if !s.Files().Has("src/App.jsx") {
		t.Error("expected path tracked")
	}
}

func TestWriteFile_ConfinedToWorkDir(t *testing.T) {
	var got string
	b := &mockBackend{
		WriteFilesFn: func(_ context.Context, _ *Handle, files []File) error {
			got = files[0].Path
			return nil
		},
	}
	s := liveSandbox(b)

	if err := s.WriteFile(context.Background(), "../../etc/passwd", "x"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if got != "/home/user/app/etc/passwd" {
		t.Errorf("expected path confined to workdir, got %q", got)
	}
}

func TestWriteFile_ShellFallback(t *testing.T) {
	b := &mockBackend{
		WriteFilesFn: func(context.Context, *Handle, []File) error {
			return errors.New("upload failed")
		},
		ExecFn: func(_ context.Context, _ *Handle, cmd Command) (*CommandResult, error) {
			return ok("")
		},
	}
	s := liveSandbox(b)

	content := "const home = `${process.env.HOME}`;\n"
	if err := s.WriteFile(context.Background(), "src/env.js", content); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cmds := b.commands()
	if len(cmds) != 1 {
		t.Fatalf("expected one shell command, got %d", len(cmds))
	}
	if !strings.Contains(cmds[0].Line, content) {
		t.Errorf("expected verbatim content in heredoc, got %q", cmds[0].Line)
	}
	if !strings.HasPrefix(cmds[0].Line, "mkdir -p /home/user/app/src && cat > /home/user/app/src/env.js <<'PREVIEW_EOF_") {
		t.Errorf("unexpected heredoc header: %q", cmds[0].Line)
	}
	if !s.Files().Has("src/env.js") {
		t.Error("expected path tracked after fallback")
	}
}

func TestWriteFile_BinaryNoFallback(t *testing.T) {
	b := &mockBackend{
		WriteFilesFn: func(context.Context, *Handle, []File) error {
			return errors.New("upload failed")
		},
	}
	s := liveSandbox(b)

	if err := s.WriteFile(context.Background(), "public/x.bin", "a\x00b"); err == nil {
		t.Fatal("expected error for binary content")
	}
	if len(b.commands()) != 0 {
		t.Error("expected no shell fallback for binary content")
	}
}

func TestWriteFile_AllMechanismsFail(t *testing.T) {
	b := &mockBackend{
		WriteFilesFn: func(context.Context, *Handle, []File) error {
			return errors.New("upload failed")
		},
		ExecFn: func(context.Context, *Handle, Command) (*CommandResult, error) {
			return NewCommandResult("", "read-only file system", 1), nil
		},
	}
	s := liveSandbox(b)

	if err := s.WriteFile(context.Background(), "src/App.jsx", "x"); err == nil {
		t.Fatal("expected error")
	}
	if s.Files().Has("src/App.jsx") {
		t.Error("expected failed path not tracked")
	}
}

func TestReadFile(t *testing.T) {
	t.Run("native", func(t *testing.T) {
		b := &mockBackend{
			ReadFileFn: func(_ context.Context, _ *Handle, path string) ([]byte, error) {
				return []byte("hello"), nil
			},
		}
		got, err := liveSandbox(b).ReadFile(context.Background(), "src/App.jsx")
		if err != nil || got != "hello" {
			t.Errorf("got %q, %v", got, err)
		}
	})

	t.Run("not found", func(t *testing.T) {
		b := &mockBackend{
			ReadFileFn: func(context.Context, *Handle, string) ([]byte, error) {
				return nil, ErrFileNotFound
			},
		}
		_, err := liveSandbox(b).ReadFile(context.Background(), "src/Nope.jsx")
		if !errors.Is(err, ErrFileNotFound) {
			t.Errorf("expected ErrFileNotFound, got %v", err)
		}
	})

	t.Run("cat fallback", func(t *testing.T) {
		b := &mockBackend{
			ReadFileFn: func(context.Context, *Handle, string) ([]byte, error) {
				return nil, errors.New("502 bad gateway")
			},
			ExecFn: func(_ context.Context, _ *Handle, cmd Command) (*CommandResult, error) {
				if cmd.Line != "cat /home/user/app/src/App.jsx" {
					t.Errorf("unexpected command %q", cmd.Line)
				}
				return ok("from cat")
			},
		}
		got, err := liveSandbox(b).ReadFile(context.Background(), "src/App.jsx")
		if err != nil || got != "from cat" {
			t.Errorf("got %q, %v", got, err)
		}
	})

	t.Run("cat fails", func(t *testing.T) {
		b := &mockBackend{
			ReadFileFn: func(context.Context, *Handle, string) ([]byte, error) {
				return nil, errors.New("502 bad gateway")
			},
			ExecFn: func(context.Context, *Handle, Command) (*CommandResult, error) {
				return NewCommandResult("", "No such file", 1), nil
			},
		}
		_, err := liveSandbox(b).ReadFile(context.Background(), "src/App.jsx")
		if !errors.Is(err, ErrFileNotFound) {
			t.Errorf("expected ErrFileNotFound, got %v", err)
		}
	})
}

func TestListFiles(t *testing.T) {
	b := &mockBackend{
		ExecFn: func(_ context.Context, _ *Handle, cmd Command) (*CommandResult, error) {
			if !strings.Contains(cmd.Line, "-name node_modules") || !strings.Contains(cmd.Line, "-prune") {
				t.Errorf("expected pruned find, got %q", cmd.Line)
			}
			return ok("./src/App.jsx\n./index.html\n./package.json\n\n")
		},
	}

	got, err := liveSandbox(b).ListFiles(context.Background(), "")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	want := []string{"index.html", "package.json", "src/App.jsx"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestListFiles_CommandFailure(t *testing.T) {
	b := &mockBackend{
		ExecFn: func(context.Context, *Handle, Command) (*CommandResult, error) {
			return nil, errors.New("connection reset")
		},
	}

	got, err := liveSandbox(b).ListFiles(context.Background(), "")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("expected empty list, got %v", got)
	}
}

func TestInstallPackages(t *testing.T) {
	b := &mockBackend{
		ExecFn: func(context.Context, *Handle, Command) (*CommandResult, error) {
			return ok("added 2 packages")
		},
	}
	s := liveSandbox(b)

	res, err := s.InstallPackages(context.Background(), []string{"axios", "@scope/pkg"})
	if err != nil || !res.Success {
		t.Fatalf("InstallPackages: %+v, %v", res, err)
	}
	cmds := b.commands()
	if len(cmds) != 1 {
		t.Fatalf("expected one install command, got %d", len(cmds))
	}
	if cmds[0].Line != "npm install --legacy-peer-deps axios @scope/pkg" {
		t.Errorf("unexpected install line %q", cmds[0].Line)
	}
}

func TestInstallPackages_AutoRestart(t *testing.T) {
	b := &mockBackend{
		ExecFn: func(context.Context, *Handle, Command) (*CommandResult, error) {
			return ok("")
		},
	}
	opts := testOptions()
	opts.AutoRestart = true
	opts.NPMFlags = "--no-audit"
	s := New(b, opts, nil)
	s.attach(&Handle{ID: "sbx-1"})

	if _, err := s.InstallPackages(context.Background(), []string{"axios"}); err != nil {
		t.Fatalf("InstallPackages: %v", err)
	}
	cmds := b.commands()
	if len(cmds) != 3 {
		t.Fatalf("expected install + kill + start, got %d commands", len(cmds))
	}
	if cmds[0].Line != "npm install --no-audit --legacy-peer-deps axios" {
		t.Errorf("unexpected install line %q", cmds[0].Line)
	}
	if cmds[1].Line != killDevServerCmd || !cmds[2].Detached {
		t.Errorf("expected dev server restart, got %+v", cmds[1:])
	}
}

func TestSetupViteApp(t *testing.T) {
	var written []File
	installs := 0
	b := &mockBackend{
		WriteFilesFn: func(_ context.Context, _ *Handle, files []File) error {
			written = files
			return nil
		},
		ExecFn: func(_ context.Context, _ *Handle, cmd Command) (*CommandResult, error) {
			if strings.Contains(cmd.Line, "npm install") {
				installs++
				if installs == 1 {
					return nil, errors.New("stream reset")
				}
			}
			return ok("")
		},
	}
	s := liveSandbox(b)

	if err := s.SetupViteApp(context.Background()); err != nil {
		t.Fatalf("SetupViteApp: %v", err)
	}
	if len(written) != 8 {
		t.Errorf("expected 8 scaffold files, got %d", len(written))
	}
	if installs != 2 {
		t.Errorf("expected fallback install attempt, got %d installs", installs)
	}

	cmds := b.commands()
	last := cmds[len(cmds)-1]
	if last.Line != startDevServerCmd || !last.Detached {
		t.Errorf("expected detached dev server start last, got %+v", last)
	}
	for _, p := range []string{"package.json", "vite.config.js", "src/App.jsx", "src/main.jsx", "index.html"} {
		if !s.Files().Has(p) {
			t.Errorf("expected %s tracked", p)
		}
	}
}

func TestTerminate_Idempotent(t *testing.T) {
	var calls atomic.Int32
	b := &mockBackend{
		DestroyFn: func(context.Context, *Handle) error {
			calls.Add(1)
			return errors.New("boom")
		},
	}
	s := liveSandbox(b)

	s.Terminate(context.Background())
	s.Terminate(context.Background())

	if calls.Load() != 1 {
		t.Errorf("expected one destroy call, got %d", calls.Load())
	}
	if s.IsAlive() {
		t.Error("expected not alive after terminate")
	}
}

func TestReconnect_SeedsFiles(t *testing.T) {
	b := &mockBackend{
		ConnectFn: func(_ context.Context, id string, _ int) (*Handle, error) {
			return &Handle{ID: id, URL: "https://x"}, nil
		},
		ExecFn: func(context.Context, *Handle, Command) (*CommandResult, error) {
			return ok("./src/App.jsx\n")
		},
	}
	s := New(b, testOptions(), nil)

	info, err := s.Reconnect(context.Background(), "sbx-9")
	if err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if info.SandboxID != "sbx-9" || !s.Files().Has("src/App.jsx") {
		t.Errorf("unexpected reconnect state: %+v %v", info, s.Files().List())
	}
}

func TestWaitReady_Polls(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	opts := testOptions()
	opts.ReadyProbe = true
	opts.ReadyTimeout = 5 * time.Second
	s := New(&mockBackend{}, opts, nil)
	s.attach(&Handle{ID: "sbx-1", URL: srv.URL})

	if err := s.waitReady(context.Background()); err != nil {
		t.Fatalf("waitReady: %v", err)
	}
	if hits.Load() != 3 {
		t.Errorf("expected 3 probes, got %d", hits.Load())
	}
}

func TestWaitReady_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	opts := testOptions()
	opts.ReadyProbe = true
	opts.ReadyTimeout = 300 * time.Millisecond
	s := New(&mockBackend{}, opts, nil)
	s.attach(&Handle{ID: "sbx-1", URL: srv.URL})

	err := s.waitReady(context.Background())
	if !errors.Is(err, ErrDevServerNotReady) {
		t.Errorf("expected ErrDevServerNotReady, got %v", err)
	}
}

func TestHeredocWrite_NoTrailingNewline(t *testing.T) {
	line := heredocWrite("/app/src/a.js", "x = 1")
	if !strings.HasSuffix(line, "truncate -s -1 /app/src/a.js") {
		t.Errorf("expected trailing newline trimmed, got %q", line)
	}

	line = heredocWrite("/app/src/a.js", "x = 1\n")
	if strings.Contains(line, "truncate") {
		t.Errorf("expected no truncate for newline-terminated content, got %q", line)
	}
}

func TestScaffold(t *testing.T) {
	files := Scaffold(3000, "Ready")
	var vite, app string
	for _, f := range files {
		switch f.Path {
		case "vite.config.js":
			vite = f.Content
		case "src/App.jsx":
			app = f.Content
		}
	}
	if !strings.Contains(vite, "port: 3000") || !strings.Contains(vite, "'.vercel.run'") {
		t.Errorf("unexpected vite config: %s", vite)
	}
	if !strings.Contains(app, "Ready<br/>") {
		t.Errorf("expected banner in App.jsx: %s", app)
	}
}
