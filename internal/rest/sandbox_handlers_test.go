package rest

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aspectrr/fluid.sh/preview/internal/config"
)

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(http.MethodGet, "/api/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	resp := decodeBody(t, rr)
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %v", resp["status"])
	}
	if resp["fastApply"] != false {
		t.Errorf("expected fastApply false, got %v", resp["fastApply"])
	}
}

func TestRequireAPIKey(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.API.APIKeys = []string{"secret"}
	})

	t.Run("missing key", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/api/sandbox-status", "")
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rr.Code)
		}
	})

	t.Run("health is public", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/api/health", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
	})

	cases := []struct {
		name  string
		build func(r *http.Request)
	}{
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer secret") }},
		{"header", func(r *http.Request) { r.Header.Set("X-API-Key", "secret") }},
		{"query", func(r *http.Request) { r.URL.RawQuery = "token=secret" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/sandbox-status", nil)
			tc.build(req)
			rr := httptest.NewRecorder()
			env.server.Router.ServeHTTP(rr, req)
			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
			}
		})
	}

	t.Run("wrong key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/sandbox-status", nil)
		req.Header.Set("X-API-Key", "nope")
		rr := httptest.NewRecorder()
		env.server.Router.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rr.Code)
		}
	})
}

func TestHandleCreateSandbox(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(http.MethodPost, "/api/create-ai-sandbox", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeBody(t, rr)
	if resp["sandboxId"] != "fake-1" {
		t.Errorf("expected fake-1, got %v", resp["sandboxId"])
	}
	if resp["message"] != "Sandbox created and Vite React app initialized" {
		t.Errorf("unexpected message %v", resp["message"])
	}

	rr = env.do(http.MethodPost, "/api/create-ai-sandbox", "")
	resp = decodeBody(t, rr)
	if resp["message"] != "Using existing sandbox" {
		t.Errorf("expected reuse, got %v", resp["message"])
	}
	if n := env.fake(t).Creates(); n != 1 {
		t.Errorf("expected 1 create, got %d", n)
	}
}

func TestHandleSandboxStatus(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := decodeBody(t, env.do(http.MethodGet, "/api/sandbox-status", ""))
	if resp["active"] != false || resp["healthy"] != false || resp["message"] != "No active sandbox" {
		t.Fatalf("expected inactive, got %v", resp)
	}

	env.createSandbox(t)
	resp = decodeBody(t, env.do(http.MethodGet, "/api/sandbox-status", ""))
	if resp["active"] != true {
		t.Fatalf("expected active, got %v", resp)
	}
	if resp["healthStatus"] != "healthy" || resp["healthy"] != true {
		t.Errorf("expected healthy, got %v / %v", resp["healthStatus"], resp["healthy"])
	}
}

func TestHandleKillSandbox(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := decodeBody(t, env.do(http.MethodPost, "/api/kill-sandbox", ""))
	if resp["sandboxKilled"] != false {
		t.Fatalf("expected nothing killed, got %v", resp)
	}

	id := env.createSandbox(t)
	resp = decodeBody(t, env.do(http.MethodPost, "/api/kill-sandbox", ""))
	if resp["sandboxKilled"] != true || resp["sandboxId"] != id {
		t.Fatalf("expected %s killed, got %v", id, resp)
	}
	if env.fake(t).Terminates() != 1 {
		t.Error("expected provider terminated")
	}

	rr := env.do(http.MethodGet, "/api/get-sandbox-files", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 after kill, got %d", rr.Code)
	}
}

func TestHandleGetSandboxFiles(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(http.MethodGet, "/api/get-sandbox-files", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without sandbox, got %d", rr.Code)
	}

	env.createSandbox(t)
	resp := decodeBody(t, env.do(http.MethodGet, "/api/get-sandbox-files", ""))
	files, ok := resp["files"].(map[string]any)
	if !ok {
		t.Fatalf("expected files map, got %v", resp["files"])
	}
	if _, ok := files["src/App.jsx"]; !ok {
		t.Errorf("expected src/App.jsx in %v", files)
	}
	if resp["structure"] == "" {
		t.Error("expected a rendered structure")
	}
}

func TestHandleListSandboxes(t *testing.T) {
	env := newTestEnv(t, nil)
	env.createSandbox(t)

	resp := decodeBody(t, env.do(http.MethodGet, "/api/sandboxes", ""))
	if resp["count"] != float64(1) {
		t.Fatalf("expected count 1, got %v", resp["count"])
	}
	live, ok := resp["live"].([]any)
	if !ok || len(live) != 1 {
		t.Fatalf("expected 1 live sandbox, got %v", resp["live"])
	}

	rr := env.do(http.MethodGet, "/api/sandboxes?limit=zero", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rr.Code)
	}
}
