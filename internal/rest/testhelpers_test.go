package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aspectrr/fluid.sh/preview/internal/apply"
	"github.com/aspectrr/fluid.sh/preview/internal/config"
	"github.com/aspectrr/fluid.sh/preview/internal/devserver"
	"github.com/aspectrr/fluid.sh/preview/internal/fastapply"
	"github.com/aspectrr/fluid.sh/preview/internal/manager"
	"github.com/aspectrr/fluid.sh/preview/internal/orchestrator"
	"github.com/aspectrr/fluid.sh/preview/internal/packages"
	"github.com/aspectrr/fluid.sh/preview/internal/provider"
	"github.com/aspectrr/fluid.sh/preview/internal/provider/providertest"
	"github.com/aspectrr/fluid.sh/preview/internal/store"
	"github.com/aspectrr/fluid.sh/preview/internal/stream"
)

// ---------------------------------------------------------------------------
// memStore is an in-memory store.Store
// ---------------------------------------------------------------------------

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

// ---------------------------------------------------------------------------
// Test server
// ---------------------------------------------------------------------------

type testEnv struct {
	server *Server
	store  *memStore

	mu    sync.Mutex
	fakes []*providertest.Fake
	setup func(f *providertest.Fake)
}

// newTestEnv builds a Server over in-memory fakes. cfgFn may adjust the
// configuration before routes are built.
func newTestEnv(t *testing.T, cfgFn func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Default()
	if cfgFn != nil {
		cfgFn(cfg)
	}

	env := &testEnv{store: newMemStore()}
	mgr := manager.New(env.newProvider, nil)
	orch := orchestrator.New(mgr, env.store, nil, nil)
	t.Cleanup(func() { orch.Shutdown(context.Background()) })

	installer := packages.NewInstaller(packages.Options{}, nil)
	editor := fastapply.NewEngine(nil, nil)
	env.server = NewServer(cfg, Services{
		Orchestrator: orch,
		Applicator:   apply.New(installer, editor, orch, nil),
		Installer:    installer,
		Editor:       editor,
		Restarter:    devserver.New(devserver.DefaultCooldown, nil),
	}, []byte("openapi: 3.0.0\n"))
	return env
}

func (e *testEnv) newProvider() provider.Provider {
	e.mu.Lock()
	defer e.mu.Unlock()
	f := providertest.New()
	if e.setup != nil {
		e.setup(f)
	}
	e.fakes = append(e.fakes, f)
	return f
}

// fake returns the most recently created provider.
func (e *testEnv) fake(t *testing.T) *providertest.Fake {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.fakes) == 0 {
		t.Fatal("no provider created")
	}
	return e.fakes[len(e.fakes)-1]
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.RemoteAddr = "192.0.2.1:1234"
	rr := httptest.NewRecorder()
	e.server.Router.ServeHTTP(rr, req)
	return rr
}

// createSandbox creates a sandbox through the API and returns its ID.
func (e *testEnv) createSandbox(t *testing.T) string {
	t.Helper()
	rr := e.do(http.MethodPost, "/api/create-ai-sandbox", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("create sandbox: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeBody(t, rr)
	id, _ := resp["sandboxId"].(string)
	if id == "" {
		t.Fatalf("expected sandboxId, got %v", resp)
	}
	return id
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse JSON: %v: %s", err, rr.Body.String())
	}
	return resp
}

func readEvents(t *testing.T, rr *httptest.ResponseRecorder) []stream.Event {
	t.Helper()
	rd := stream.NewReader(rr.Body)
	var out []stream.Event
	for {
		ev, err := rd.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		out = append(out, ev)
	}
}
