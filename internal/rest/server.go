package rest

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	scalar "github.com/MarceloPetrucio/go-scalar-api-reference"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aspectrr/fluid.sh/preview/internal/apply"
	"github.com/aspectrr/fluid.sh/preview/internal/config"
	"github.com/aspectrr/fluid.sh/preview/internal/devserver"
	serverError "github.com/aspectrr/fluid.sh/preview/internal/error"
	"github.com/aspectrr/fluid.sh/preview/internal/fastapply"
	serverJSON "github.com/aspectrr/fluid.sh/preview/internal/json"
	"github.com/aspectrr/fluid.sh/preview/internal/orchestrator"
	"github.com/aspectrr/fluid.sh/preview/internal/packages"
)

// Services are the components the HTTP API drives.
type Services struct {
	Orchestrator *orchestrator.Service
	Applicator   *apply.Applicator
	Installer    *packages.Installer
	Editor       *fastapply.Engine
	Restarter    *devserver.Restarter
	// WebContainer serves the browser bridge. Nil unless the webcontainer
	// provider is configured.
	WebContainer http.Handler
}

type Server struct {
	Router       *chi.Mux
	cfg          *config.Config
	orchestrator *orchestrator.Service
	applicator   *apply.Applicator
	installer    *packages.Installer
	editor       *fastapply.Engine
	restarter    *devserver.Restarter
	webcontainer http.Handler
	logger       *slog.Logger
	openapiYAML  []byte
}

func NewServer(cfg *config.Config, svc Services, openapiYAML []byte) *Server {
	s := &Server{
		cfg:          cfg,
		orchestrator: svc.Orchestrator,
		applicator:   svc.Applicator,
		installer:    svc.Installer,
		editor:       svc.Editor,
		restarter:    svc.Restarter,
		webcontainer: svc.WebContainer,
		logger:       slog.Default().With("component", "rest"),
		openapiYAML:  openapiYAML,
	}
	s.Router = s.routes()
	return s
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(s.cfg.Frontend.URL))

	trustedNets := parseCIDRs(s.cfg.API.TrustedProxies, s.logger)

	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Get("/health", s.handleHealth)

		r.Get("/docs/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/x-yaml")
			_, _ = w.Write(s.openapiYAML)
		})

		if s.cfg.API.EnableDocs {
			r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
				html, err := scalar.ApiReferenceHTML(&scalar.Options{
					SpecURL: "/api/docs/openapi.yaml",
					CustomOptions: scalar.CustomOptions{
						PageTitle: "Preview Sandbox API Reference",
					},
					DarkMode: true,
				})
				if err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				w.Header().Set("Content-Type", "text/html")
				_, _ = fmt.Fprintln(w, html)
			})
		}

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(requireAPIKey(s.cfg.API.APIKeys))

			// Sandbox lifecycle
			r.With(rateLimitByIP(0.2, 5, trustedNets)).Post("/create-ai-sandbox", s.handleCreateSandbox)
			r.Get("/sandbox-status", s.handleSandboxStatus)
			r.Post("/kill-sandbox", s.handleKillSandbox)
			r.Get("/get-sandbox-files", s.handleGetSandboxFiles)
			r.Get("/sandboxes", s.handleListSandboxes)
			r.Get("/sandboxes/{sandboxID}/applies", s.handleListApplyRuns)

			// Code application
			r.Group(func(r chi.Router) {
				r.Use(rateLimitByIP(1, 10, trustedNets))
				r.Post("/apply-ai-code-stream", s.handleApplyCodeStream)
				r.Post("/apply-ai-code", s.handleApplyCode)
				r.Post("/fast-apply", s.handleFastApply)
			})

			// Packages and commands
			r.Post("/install-packages", s.handleInstallPackagesStream)
			r.Post("/install-packages-v2", s.handleInstallPackages)
			r.Post("/run-command", s.handleRunCommand)
			r.Post("/run-command-v2", s.handleRunCommandV2)
			r.Post("/restart-vite", s.handleRestartVite)

			// Export
			r.Post("/create-zip", s.handleCreateZip)

			if s.webcontainer != nil {
				r.Get("/webcontainer/connect", s.webcontainer.ServeHTTP)
			}
		})
	})

	return r
}

// handleHealth godoc
// @Summary      Health check
// @Tags         Health
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /health [get]
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = serverJSON.RespondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"provider":  s.cfg.Sandbox.Provider,
		"sandboxes": len(s.orchestrator.Live()),
		"fastApply": s.editor != nil && s.editor.Enabled(),
	})
}

// requireAPIKey accepts a key from the Authorization bearer header, the
// X-API-Key header, or the token query parameter. With no keys configured
// every request passes.
func requireAPIKey(keys []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(keys) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !validKey(keys, requestKey(r)) {
				serverError.RespondErrorMsg(w, http.StatusUnauthorized, "missing or invalid API key", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestKey(r *http.Request) string {
	if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(v)
	}
	if v := r.Header.Get("X-API-Key"); v != "" {
		return v
	}
	return r.URL.Query().Get("token")
}

func validKey(keys []string, got string) bool {
	if got == "" {
		return false
	}
	ok := false
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(got)) == 1 {
			ok = true
		}
	}
	return ok
}

func corsMiddleware(frontendURL string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", frontendURL)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Max-Age", "86400")
			w.Header().Add("Vary", "Origin")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
