// Package factory builds the configured Provider variant.
package factory

import (
	"fmt"
	"log/slog"

	"github.com/aspectrr/fluid.sh/preview/internal/config"
	"github.com/aspectrr/fluid.sh/preview/internal/provider"
	"github.com/aspectrr/fluid.sh/preview/internal/provider/e2b"
	"github.com/aspectrr/fluid.sh/preview/internal/provider/vercel"
	"github.com/aspectrr/fluid.sh/preview/internal/provider/webcontainer"
)

// Factory creates providers of one kind, chosen at construction.
type Factory struct {
	kind    provider.Kind
	backend provider.Backend
	opts    provider.Options
	logger  *slog.Logger
}

// New selects the backend from cfg.Sandbox.Provider. hub is only used by the
// webcontainer variant and may be nil otherwise.
func New(cfg *config.Config, hub *webcontainer.Hub, logger *slog.Logger) (*Factory, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := provider.Options{
		DevPort:       cfg.Sandbox.DevPort,
		NPMFlags:      cfg.Sandbox.NPMFlags,
		AutoRestart:   cfg.Sandbox.AutoRestartVite,
		KillGrace:     cfg.Sandbox.KillGrace,
		ReadyTimeout:  cfg.Sandbox.ReadyTimeout,
		ReadyFallback: cfg.Sandbox.ReadyFallback,
		ReadyProbe:    cfg.Sandbox.ReadyProbe,
	}

	var backend provider.Backend
	switch provider.Kind(cfg.Sandbox.Provider) {
	case provider.KindE2B:
		backend = e2b.New(e2b.Config{
			APIKey:   cfg.E2B.APIKey,
			APIURL:   cfg.E2B.APIURL,
			Domain:   cfg.E2B.Domain,
			Template: cfg.E2B.Template,
			Timeout:  cfg.E2B.Timeout,
		}, logger)
		opts.WorkDir = e2b.WorkDir
		opts.Banner = "E2B Sandbox Ready"

	case provider.KindVercel:
		vb, err := vercel.New(vercel.Config{
			Token:     cfg.Vercel.Token,
			TeamID:    cfg.Vercel.TeamID,
			ProjectID: cfg.Vercel.ProjectID,
			OIDCToken: cfg.Vercel.OIDCToken,
			APIURL:    cfg.Vercel.APIURL,
			Runtime:   cfg.Vercel.Runtime,
			Timeout:   cfg.Vercel.Timeout,
			VCPUs:     cfg.Vercel.VCPUs,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("vercel backend: %w", err)
		}
		backend = vb
		opts.WorkDir = vercel.WorkDir
		opts.Banner = "Vercel Sandbox Ready"

	case provider.KindWebContainer:
		if hub == nil {
			return nil, fmt.Errorf("webcontainer backend requires a hub")
		}
		backend = webcontainer.New(hub, webcontainer.Config{
			ConnectTimeout: cfg.WebContainer.ConnectTimeout,
			RequestTimeout: cfg.WebContainer.RequestTimeout,
		}, logger)
		opts.WorkDir = webcontainer.WorkDir
		opts.Banner = "WebContainer Ready"
		// the preview URL is only reachable from the browser
		opts.ReadyProbe = false

	default:
		return nil, fmt.Errorf("unknown sandbox provider %q", cfg.Sandbox.Provider)
	}

	return &Factory{
		kind:    backend.Kind(),
		backend: backend,
		opts:    opts,
		logger:  logger,
	}, nil
}

func (f *Factory) Kind() provider.Kind { return f.kind }

// NewProvider returns a fresh provider with no sandbox attached.
func (f *Factory) NewProvider() provider.Provider {
	return provider.New(f.backend, f.opts, f.logger)
}
