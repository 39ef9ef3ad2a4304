package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/aspectrr/fluid.sh/preview/internal/apply"
	"github.com/aspectrr/fluid.sh/preview/internal/config"
	"github.com/aspectrr/fluid.sh/preview/internal/devserver"
	"github.com/aspectrr/fluid.sh/preview/internal/fastapply"
	"github.com/aspectrr/fluid.sh/preview/internal/janitor"
	"github.com/aspectrr/fluid.sh/preview/internal/manager"
	"github.com/aspectrr/fluid.sh/preview/internal/orchestrator"
	"github.com/aspectrr/fluid.sh/preview/internal/packages"
	"github.com/aspectrr/fluid.sh/preview/internal/provider/factory"
	"github.com/aspectrr/fluid.sh/preview/internal/provider/webcontainer"
	"github.com/aspectrr/fluid.sh/preview/internal/store"
	"github.com/aspectrr/fluid.sh/preview/internal/store/sqlstore"
	"github.com/aspectrr/fluid.sh/preview/internal/telemetry"
)

// services is the wired application shared by the serve and mcp commands.
type services struct {
	store        store.Store
	telemetry    telemetry.Service
	hub          *webcontainer.Hub
	manager      *manager.Manager
	orchestrator *orchestrator.Service
	installer    *packages.Installer
	editor       *fastapply.Engine
	applicator   *apply.Applicator
	restarter    *devserver.Restarter
	janitor      *janitor.Janitor
}

func redactURL(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.User != nil {
		u.User = url.UserPassword("***", "***")
		return u.String()
	}
	return raw
}

func initServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*services, error) {
	// 1. Persistence.
	st, err := sqlstore.Open(ctx, store.Config{
		Driver:          cfg.Database.Driver,
		DatabaseURL:     cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		AutoMigrate:     cfg.Database.AutoMigrate,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	svc := &services{store: st}

	// 2. Telemetry.
	svc.telemetry = telemetry.New(cfg.PostHog.APIKey, cfg.PostHog.Endpoint, map[string]any{
		"provider": cfg.Sandbox.Provider,
		"version":  version,
	})

	// 3. Provider factory. The browser bridge exists only for webcontainer.
	if cfg.Sandbox.Provider == config.ProviderWebContainer {
		svc.hub = webcontainer.NewHub(originChecker(cfg.Frontend.URL), logger)
	}
	f, err := factory.New(cfg, svc.hub, logger)
	if err != nil {
		svc.close(logger)
		return nil, fmt.Errorf("provider factory: %w", err)
	}

	// 4. Sandbox registry and orchestration.
	svc.manager = manager.New(f.NewProvider, logger)
	svc.orchestrator = orchestrator.New(svc.manager, st, svc.telemetry, logger)
	svc.janitor = janitor.New(svc.manager.Cleanup, cfg.Sandbox.IdleTimeout, logger)

	// 5. Code application.
	svc.installer = packages.NewInstaller(packages.Options{
		ProviderRestarts: cfg.Sandbox.AutoRestartVite,
	}, logger)
	svc.editor = fastapply.NewEngine(fastapply.NewClient(fastapply.Config{
		APIKey:     cfg.Morph.APIKey,
		BaseURL:    cfg.Morph.BaseURL,
		Model:      cfg.Morph.Model,
		Timeout:    cfg.Morph.Timeout,
		MaxRetries: cfg.Morph.MaxRetries,
	}, logger), logger)
	svc.applicator = apply.New(svc.installer, svc.editor, svc.orchestrator, logger)
	svc.restarter = devserver.New(cfg.Sandbox.RestartCooldown, logger)

	logger.Info("services initialized",
		"provider", f.Kind(),
		"fast_apply", svc.editor.Enabled(),
		"db_driver", cfg.Database.Driver,
		"db", redactURL(cfg.Database.URL),
	)
	return svc, nil
}

// shutdown terminates every live sandbox, then releases the store and
// telemetry client.
func (s *services) shutdown(ctx context.Context, logger *slog.Logger) {
	if s.orchestrator != nil {
		s.orchestrator.Shutdown(ctx)
	}
	s.close(logger)
}

func (s *services) close(logger *slog.Logger) {
	if s.telemetry != nil {
		s.telemetry.Close()
	}
	if err := s.store.Close(); err != nil {
		logger.Error("failed to close store", "error", err)
	}
}

// originChecker accepts websocket upgrades from the configured frontend and
// from non-browser clients that send no Origin.
func originChecker(frontendURL string) func(r *http.Request) bool {
	allowed := strings.TrimRight(frontendURL, "/")
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || strings.TrimRight(origin, "/") == allowed
	}
}
