package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aspectrr/fluid.sh/preview/docs"
	previewmcp "github.com/aspectrr/fluid.sh/preview/internal/mcp"
	"github.com/aspectrr/fluid.sh/preview/internal/rest"
)

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	logger = logger.With("version", version)
	slog.SetDefault(logger)

	logger.Info("starting preview API",
		"rest_addr", cfg.API.Addr,
		"provider", cfg.Sandbox.Provider,
		"db", redactURL(cfg.Database.URL),
	)

	// 1. Wire services.
	svc, err := initServices(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// 2. Start the idle reaper.
	go svc.janitor.Start(ctx, cfg.Sandbox.CleanupInterval)

	// 3. Initialize REST server.
	restSvc := rest.Services{
		Orchestrator: svc.orchestrator,
		Applicator:   svc.applicator,
		Installer:    svc.installer,
		Editor:       svc.editor,
		Restarter:    svc.restarter,
	}
	if svc.hub != nil {
		restSvc.WebContainer = svc.hub
	}
	srv := rest.NewServer(cfg, restSvc, docs.OpenAPIYAML)

	httpSrv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           srv.Router,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       cfg.API.ReadTimeout,
		WriteTimeout:      cfg.API.WriteTimeout,
		IdleTimeout:       cfg.API.IdleTimeout,
	}

	// 4. Start REST server in background.
	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.API.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- err
		}
	}()

	// 5. Wait for signal or error.
	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr = <-httpErrCh:
		logger.Error("HTTP server error", "error", serveErr)
	}

	// 6. Graceful shutdown: drain HTTP first, then terminate sandboxes.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server graceful shutdown failed", "error", err)
		_ = httpSrv.Close()
	} else {
		logger.Info("HTTP server shut down gracefully")
	}

	svc.shutdown(shutdownCtx, logger)
	logger.Info("sandboxes terminated")

	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}
	return nil
}

// runMCP serves the sandbox tools on stdio. Logs go to stderr since stdout
// is the MCP transport.
func runMCP(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	svc, err := initServices(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init services: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
		defer cancel()
		svc.shutdown(shutdownCtx, logger)
	}()

	go svc.janitor.Start(ctx, cfg.Sandbox.CleanupInterval)

	srv := previewmcp.NewServer(previewmcp.Services{
		Orchestrator: svc.orchestrator,
		Applicator:   svc.applicator,
		Installer:    svc.installer,
		Restarter:    svc.restarter,
	}, version, logger)
	return srv.Serve()
}
