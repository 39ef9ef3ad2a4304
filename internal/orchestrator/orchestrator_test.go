package orchestrator

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aspectrr/fluid.sh/preview/internal/manager"
	"github.com/aspectrr/fluid.sh/preview/internal/provider"
	"github.com/aspectrr/fluid.sh/preview/internal/provider/providertest"
	"github.com/aspectrr/fluid.sh/preview/internal/store"
)

// memStore is an in-memory store.Store.
type memStore struct {
	mu        sync.Mutex
	sandboxes map[string]*store.SandboxRecord
	runs      []*store.ApplyRun
}

func newMemStore() *memStore {
	return &memStore{sandboxes: make(map[string]*store.SandboxRecord)}
}

func (m *memStore) Config() store.Config       { return store.Config{} }
func (m *memStore) Ping(context.Context) error { return nil }
func (m *memStore) Close() error               { return nil }

func (m *memStore) CreateSandbox(_ context.Context, r *store.SandboxRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sandboxes[r.ID]; ok {
		return store.ErrAlreadyExists
	}
	cp := *r
	m.sandboxes[r.ID] = &cp
	return nil
}

func (m *memStore) GetSandbox(_ context.Context, id string) (*store.SandboxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.sandboxes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) UpdateSandboxState(_ context.Context, id string, state store.SandboxState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.sandboxes[id]
	if !ok {
		return store.ErrNotFound
	}
	r.State = state
	return nil
}

func (m *memStore) ListSandboxes(context.Context, *store.ListOptions) ([]*store.SandboxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.SandboxRecord, 0, len(m.sandboxes))
	for _, r := range m.sandboxes {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) CreateApplyRun(_ context.Context, r *store.ApplyRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, r)
	return nil
}

func (m *memStore) ListApplyRuns(_ context.Context, sandboxID string, _ *store.ListOptions) ([]*store.ApplyRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.ApplyRun
	for _, r := range m.runs {
		if r.SandboxID == sandboxID {
			out = append(out, r)
		}
	}
	return out, nil
}

// fakes hands out sequentially numbered fakes and remembers them.
type fakes struct {
	mu    sync.Mutex
	n     int
	made  []*providertest.Fake
	setup func(f *providertest.Fake, n int)
}

func (fs *fakes) New() provider.Provider {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.n++
	n := fs.n
	f := providertest.New()
	f.CreateFn = func(context.Context) (*provider.SandboxInfo, error) {
		id := "sbx-" + string(rune('0'+n))
		return &provider.SandboxInfo{SandboxID: id, URL: "https://" + id + ".test", Provider: provider.KindE2B}, nil
	}
	if fs.setup != nil {
		fs.setup(f, n)
	}
	fs.made = append(fs.made, f)
	return f
}

func newTestService(fs *fakes) (*Service, *memStore) {
	if fs == nil {
		fs = &fakes{}
	}
	st := newMemStore()
	return New(manager.New(fs.New, nil), st, nil, nil), st
}

func TestCreateSandbox(t *testing.T) {
	svc, st := newTestService(nil)

	sess, reused, err := svc.CreateSandbox(context.Background())
	if err != nil {
		t.Fatalf("CreateSandbox: %v", err)
	}
	if reused {
		t.Error("expected fresh sandbox")
	}
	if sess.Sandbox.SandboxID != "sbx-1" {
		t.Errorf("expected sbx-1, got %q", sess.Sandbox.SandboxID)
	}
	if !sess.Files().Has("package.json") {
		t.Error("expected scaffold tracked in known files")
	}

	rec, err := st.GetSandbox(context.Background(), "sbx-1")
	if err != nil {
		t.Fatalf("expected record: %v", err)
	}
	if rec.State != store.SandboxActive {
		t.Errorf("expected active record, got %s", rec.State)
	}

	again, reused, err := svc.CreateSandbox(context.Background())
	if err != nil {
		t.Fatalf("second CreateSandbox: %v", err)
	}
	if !reused || again != sess {
		t.Error("expected live sandbox reused")
	}
}

func TestCreateSandbox_SingleFlight(t *testing.T) {
	var creates atomic.Int32
	release := make(chan struct{})
	fs := &fakes{setup: func(f *providertest.Fake, n int) {
		inner := f.CreateFn
		f.CreateFn = func(ctx context.Context) (*provider.SandboxInfo, error) {
			creates.Add(1)
			<-release
			return inner(ctx)
		}
	}}
	svc, _ := newTestService(fs)

	const callers = 5
	var wg sync.WaitGroup
	ids := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, _, err := svc.CreateSandbox(context.Background())
			errs[i] = err
			if s != nil {
				ids[i] = s.Sandbox.SandboxID
			}
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for creates.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("creation never started")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := creates.Load(); n != 1 {
		t.Errorf("expected exactly one remote creation, got %d", n)
	}
	for i := range ids {
		if errs[i] != nil {
			t.Errorf("caller %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Errorf("caller %d got %q, want %q", i, ids[i], ids[0])
		}
	}
}

func TestCreateSandbox_CreateFailureClearsSession(t *testing.T) {
	fs := &fakes{setup: func(f *providertest.Fake, n int) {
		if n == 1 {
			f.CreateFn = func(context.Context) (*provider.SandboxInfo, error) {
				return nil, errors.New("quota exceeded")
			}
		}
	}}
	svc, _ := newTestService(fs)

	if _, _, err := svc.CreateSandbox(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if _, err := svc.Session(context.Background(), ""); !errors.Is(err, provider.ErrNoActiveSandbox) {
		t.Errorf("expected no active sandbox, got %v", err)
	}
	if len(svc.Live()) != 0 {
		t.Error("expected nothing registered")
	}

	sess, _, err := svc.CreateSandbox(context.Background())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if sess.Sandbox.SandboxID != "sbx-2" {
		t.Errorf("expected retry to create sbx-2, got %q", sess.Sandbox.SandboxID)
	}
}

func TestCreateSandbox_SetupFailure(t *testing.T) {
	fs := &fakes{setup: func(f *providertest.Fake, n int) {
		f.SetupFn = func(context.Context) error { return errors.New("npm exploded") }
	}}
	svc, st := newTestService(fs)

	if _, _, err := svc.CreateSandbox(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if fs.made[0].IsAlive() {
		t.Error("expected half-created sandbox terminated")
	}
	rec, err := st.GetSandbox(context.Background(), "sbx-1")
	if err != nil {
		t.Fatalf("expected failed record: %v", err)
	}
	if rec.State != store.SandboxFailed {
		t.Errorf("expected failed state, got %s", rec.State)
	}
}

func TestCreateSandbox_ReplacesDeadSandbox(t *testing.T) {
	fs := &fakes{}
	svc, _ := newTestService(fs)

	first, _, err := svc.CreateSandbox(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	first.Cache.Set("src/App.jsx", "old")
	fs.made[0].Terminate(context.Background())

	second, reused, err := svc.CreateSandbox(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if reused || second == first {
		t.Fatal("expected a new session")
	}
	if second.Cache.Len() != 0 {
		t.Error("expected fresh cache, not merged")
	}
	if len(svc.Live()) != 1 {
		t.Errorf("expected only the new sandbox registered, got %d", len(svc.Live()))
	}
}

func TestSession_ReconnectByID(t *testing.T) {
	fs := &fakes{setup: func(f *providertest.Fake, n int) {
		f.ReconnectFn = func(_ context.Context, id string) (*provider.SandboxInfo, error) {
			return &provider.SandboxInfo{SandboxID: id, Provider: provider.KindE2B}, nil
		}
	}}
	svc, _ := newTestService(fs)

	sess, err := svc.Session(context.Background(), "remote-1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if sess.Sandbox.SandboxID != "remote-1" {
		t.Errorf("expected remote-1, got %q", sess.Sandbox.SandboxID)
	}
	if svc.Manager().ActiveID() != "remote-1" {
		t.Error("expected reconnected sandbox active")
	}
}

func TestSession_UnknownID(t *testing.T) {
	svc, _ := newTestService(nil)
	if _, err := svc.Session(context.Background(), "nope"); !errors.Is(err, provider.ErrNoActiveSandbox) {
		t.Errorf("expected ErrNoActiveSandbox, got %v", err)
	}
}

func TestKill(t *testing.T) {
	fs := &fakes{}
	svc, st := newTestService(fs)

	if res := svc.Kill(context.Background()); res.Killed {
		t.Error("expected nothing to kill")
	}

	if _, _, err := svc.CreateSandbox(context.Background()); err != nil {
		t.Fatal(err)
	}
	res := svc.Kill(context.Background())
	if !res.Killed || res.SandboxID != "sbx-1" {
		t.Errorf("unexpected kill result %+v", res)
	}
	if fs.made[0].IsAlive() {
		t.Error("expected provider terminated")
	}
	if svc.Status(context.Background()).Active {
		t.Error("expected no active sandbox after kill")
	}
	rec, _ := st.GetSandbox(context.Background(), "sbx-1")
	if rec.State != store.SandboxTerminated {
		t.Errorf("expected terminated record, got %s", rec.State)
	}
}

func TestStatus(t *testing.T) {
	svc, _ := newTestService(nil)

	rep := svc.Status(context.Background())
	if rep.Active || rep.HealthStatus != HealthNone {
		t.Errorf("unexpected empty status %+v", rep)
	}

	if _, _, err := svc.CreateSandbox(context.Background()); err != nil {
		t.Fatal(err)
	}
	rep = svc.Status(context.Background())
	if !rep.Active || rep.HealthStatus != HealthHealthy || rep.Sandbox == nil {
		t.Errorf("unexpected status %+v", rep)
	}
	if rep.FileCount == 0 {
		t.Error("expected known files counted")
	}
}

func TestFiles(t *testing.T) {
	fs := &fakes{}
	svc, _ := newTestService(fs)
	sess, _, err := svc.CreateSandbox(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	f := fs.made[0]
	f.Put("src/components/Hero.jsx", "export const Hero = () => null\n")
	f.Put("public/logo.png", "\x89PNG")
	sess.Cache.Set("src/App.jsx", "cached app")

	snap, err := svc.Files(context.Background(), sess)
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if snap.Files["src/App.jsx"] != "cached app" {
		t.Errorf("expected cache preferred, got %q", snap.Files["src/App.jsx"])
	}
	if _, ok := snap.Files["src/components/Hero.jsx"]; !ok {
		t.Error("expected remote file read")
	}
	if _, ok := snap.Files["public/logo.png"]; ok {
		t.Error("expected binary asset skipped")
	}
	if _, ok := sess.Cache.Get("src/components/Hero.jsx"); !ok {
		t.Error("expected remote read cached")
	}
	if !sess.Files().Has("public/logo.png") {
		t.Error("expected listing to seed known files")
	}
	if !strings.Contains(snap.Structure, "  components/\n") {
		t.Errorf("expected nested tree, got:\n%s", snap.Structure)
	}
}

func TestBuildTree(t *testing.T) {
	got := buildTree([]string{"src/main.jsx", "index.html", "src/components/Nav.jsx"})
	want := "index.html\nsrc/\n  components/\n    Nav.jsx\n  main.jsx\n"
	if got != want {
		t.Errorf("buildTree:\n%s\nwant:\n%s", got, want)
	}
}

func TestRecordApply(t *testing.T) {
	svc, st := newTestService(nil)
	run := &store.ApplyRun{SandboxID: "sbx-1", FilesCreated: store.StringSlice{"src/App.jsx"}}
	if err := svc.RecordApply(context.Background(), run); err != nil {
		t.Fatalf("RecordApply: %v", err)
	}
	if run.ID == "" {
		t.Error("expected ID assigned")
	}
	runs, _ := svc.ApplyHistory(context.Background(), "sbx-1", 10)
	if len(runs) != 1 || len(st.runs) != 1 {
		t.Errorf("expected one recorded run, got %d", len(runs))
	}
}
