package vercel

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aspectrr/fluid.sh/preview/internal/provider"
)

func oidcToken(t *testing.T, owner, project string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"owner_id":   owner,
		"project_id": project,
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func TestResolveCredentials(t *testing.T) {
	oidc := oidcToken(t, "team_oidc", "prj_oidc")

	tests := []struct {
		name        string
		cfg         Config
		wantSource  string
		wantTeam    string
		wantProject string
		wantBearer  string
	}{
		{
			name:        "explicit token triple wins",
			cfg:         Config{Token: "tok", TeamID: "team", ProjectID: "prj", OIDCToken: oidc},
			wantSource:  SourceToken,
			wantTeam:    "team",
			wantProject: "prj",
			wantBearer:  "tok",
		},
		{
			name:        "incomplete triple falls back to oidc",
			cfg:         Config{Token: "tok", OIDCToken: oidc},
			wantSource:  SourceOIDC,
			wantTeam:    "team_oidc",
			wantProject: "prj_oidc",
			wantBearer:  oidc,
		},
		{
			name:       "default auth",
			cfg:        Config{},
			wantSource: SourceDefault,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := resolveCredentials(tt.cfg)
			if err != nil {
				t.Fatalf("resolveCredentials: %v", err)
			}
			if c.source != tt.wantSource || c.teamID != tt.wantTeam || c.projectID != tt.wantProject || c.bearer != tt.wantBearer {
				t.Errorf("unexpected credentials: %+v", c)
			}
		})
	}
}

func TestResolveCredentials_BadOIDC(t *testing.T) {
	if _, err := resolveCredentials(Config{OIDCToken: "not-a-jwt"}); err == nil {
		t.Fatal("expected error for malformed OIDC token")
	}
}

func newTestBackend(t *testing.T, mux *http.ServeMux, cfg Config) *Backend {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	cfg.APIURL = srv.URL
	b, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.client.baseDelay = time.Millisecond
	return b
}

func TestCreate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sandboxes", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("teamId") != "team" {
			t.Errorf("expected teamId query, got %q", r.URL.RawQuery)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		var req createRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.ProjectID != "prj" || req.Runtime != "node22" || req.Timeout != 300000 || len(req.Ports) != 1 || req.Ports[0] != 5173 {
			t.Errorf("unexpected create request: %+v", req)
		}
		fmt.Fprint(w, `{"sandbox":{"id":"sbx_1","status":"pending","createdAt":1700000000000},"routes":[{"port":5173,"subdomain":"sb-abc"}]}`)
	})
	b := newTestBackend(t, mux, Config{Token: "tok", TeamID: "team", ProjectID: "prj"})

	h, err := b.Create(context.Background(), 5173)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if h.ID != "sbx_1" || h.URL != "https://sb-abc.vercel.run" {
		t.Errorf("unexpected handle: %+v", h)
	}
	if !h.CreatedAt.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("unexpected created at %v", h.CreatedAt)
	}
}

func TestCreate_DefaultAuthHasNoHeader(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sandboxes", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Errorf("expected no auth header, got %q", r.Header.Get("Authorization"))
		}
		fmt.Fprint(w, `{"sandbox":{"id":"sbx_1"},"routes":[{"port":5173,"subdomain":"sb-abc"}]}`)
	})
	b := newTestBackend(t, mux, Config{})

	if b.CredentialSource() != SourceDefault {
		t.Errorf("expected default source, got %s", b.CredentialSource())
	}
	if _, err := b.Create(context.Background(), 5173); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestCreate_MissingRoute(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sandboxes", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"sandbox":{"id":"sbx_1"},"routes":[]}`)
	})
	b := newTestBackend(t, mux, Config{})

	if _, err := b.Create(context.Background(), 5173); err == nil {
		t.Fatal("expected error for missing route")
	}
}

func TestExec_DrainsLogs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sandboxes/sbx_1/cmd", func(w http.ResponseWriter, r *http.Request) {
		var req commandRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Command != "bash" || req.Args[1] != "npm run build" || req.Cwd != WorkDir {
			t.Errorf("unexpected command request: %+v", req)
		}
		fmt.Fprint(w, `{"command":{"id":"cmd_1"}}`)
	})
	mux.HandleFunc("GET /v1/sandboxes/sbx_1/cmd/cmd_1/logs", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"stream":"stdout","data":"building\n"}`)
		fmt.Fprintln(w, `{"stream":"stderr","data":"warn: x\n"}`)
		fmt.Fprintln(w, `{"stream":"stdout","data":"done\n"}`)
	})
	mux.HandleFunc("GET /v1/sandboxes/sbx_1/cmd/cmd_1", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("wait") != "true" {
			t.Errorf("expected wait=true")
		}
		fmt.Fprint(w, `{"command":{"id":"cmd_1","exitCode":2}}`)
	})
	b := newTestBackend(t, mux, Config{})

	res, err := b.Exec(context.Background(), &provider.Handle{ID: "sbx_1"}, provider.Command{Line: "npm run build", Cwd: WorkDir})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.Stdout != "building\ndone\n" || res.Stderr != "warn: x\n" || res.ExitCode != 2 || res.Success {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestExec_Detached(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sandboxes/sbx_1/cmd", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"command":{"id":"cmd_bg"}}`)
	})
	b := newTestBackend(t, mux, Config{})

	res, err := b.Exec(context.Background(), &provider.Handle{ID: "sbx_1"}, provider.Command{Line: "npm run dev &", Detached: true})
	if err != nil || !res.Success {
		t.Fatalf("Exec detached: %+v, %v", res, err)
	}
}

func TestWriteFiles_Tarball(t *testing.T) {
	got := map[string]string{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sandboxes/sbx_1/fs/write", func(w http.ResponseWriter, r *http.Request) {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			t.Errorf("gzip: %v", err)
			return
		}
		tr := tar.NewReader(gz)
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Errorf("tar: %v", err)
				return
			}
			data, _ := io.ReadAll(tr)
			got[hdr.Name] = string(data)
		}
	})
	b := newTestBackend(t, mux, Config{})

	err := b.WriteFiles(context.Background(), &provider.Handle{ID: "sbx_1"}, []provider.File{
		{Path: "/vercel/sandbox/src/App.jsx", Content: []byte("app")},
	})
	if err != nil {
		t.Fatalf("WriteFiles: %v", err)
	}
	if got["vercel/sandbox/src/App.jsx"] != "app" {
		t.Errorf("unexpected tar contents: %v", got)
	}
}

func TestReadFile_NotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sandboxes/sbx_1/fs/read", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	b := newTestBackend(t, mux, Config{})

	_, err := b.ReadFile(context.Background(), &provider.Handle{ID: "sbx_1"}, "/vercel/sandbox/nope")
	if !errors.Is(err, provider.ErrFileNotFound) {
		t.Errorf("expected ErrFileNotFound, got %v", err)
	}
}

func TestDestroy_GoneIsSuccess(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sandboxes/sbx_1/stop", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	})
	b := newTestBackend(t, mux, Config{})

	if err := b.Destroy(context.Background(), &provider.Handle{ID: "sbx_1"}); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}
