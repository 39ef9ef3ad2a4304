// Package webcontainer implements the client-executed sandbox backend. The
// sandbox runs in a browser tab (a WebContainer) that connects back to the
// server over a websocket and executes operations on its behalf.
package webcontainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aspectrr/fluid.sh/preview/internal/provider"
)

// WorkDir is the project directory inside the WebContainer filesystem.
const WorkDir = "/home/project"

// Operation names understood by the browser peer.
const (
	opBoot     = "boot"
	opExec     = "exec"
	opWrite    = "write"
	opRead     = "read"
	opTeardown = "teardown"
)

type Config struct {
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// Backend implements provider.Backend by forwarding operations to the peer
// attached to a Hub.
type Backend struct {
	hub    *Hub
	cfg    Config
	logger *slog.Logger
}

func New(hub *Hub, cfg Config, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Minute
	}
	return &Backend{hub: hub, cfg: cfg, logger: logger.With("component", "webcontainer")}
}

func (b *Backend) Kind() provider.Kind { return provider.KindWebContainer }

// call sends one operation to the current peer and converts a peer-side
// failure into an error.
func (b *Backend) call(ctx context.Context, m message) (message, error) {
	p, err := b.hub.peer()
	if err != nil {
		return message{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	defer cancel()

	resp, err := b.hub.request(ctx, p, m)
	if err != nil {
		return message{}, err
	}
	if !resp.OK {
		if resp.Code == "ENOENT" {
			return resp, provider.ErrFileNotFound
		}
		return resp, fmt.Errorf("webcontainer %s: %s", m.Op, resp.Error)
	}
	return resp, nil
}

// Create waits for a browser peer and boots the WebContainer.
func (b *Backend) Create(ctx context.Context, port int) (*provider.Handle, error) {
	waitCtx, cancel := context.WithTimeout(ctx, b.cfg.ConnectTimeout)
	p, err := b.hub.waitPeer(waitCtx)
	cancel()
	if err != nil {
		return nil, err
	}

	resp, err := b.call(ctx, message{Op: opBoot, Port: port, Cwd: WorkDir})
	if err != nil {
		return nil, err
	}
	b.logger.Info("webcontainer booted", "peer_id", p.id, "url", resp.URL)
	return &provider.Handle{
		ID:        p.id,
		URL:       resp.URL,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (b *Backend) Connect(context.Context, string, int) (*provider.Handle, error) {
	return nil, provider.ErrReconnectUnsupported
}

func (b *Backend) Exec(ctx context.Context, _ *provider.Handle, cmd provider.Command) (*provider.CommandResult, error) {
	resp, err := b.call(ctx, message{Op: opExec, Line: cmd.Line, Cwd: cmd.Cwd, Detached: cmd.Detached})
	if err != nil {
		return nil, err
	}
	if resp.Result == nil {
		return provider.NewCommandResult("", "", 0), nil
	}
	return provider.NewCommandResult(resp.Result.Stdout, resp.Result.Stderr, resp.Result.ExitCode), nil
}

func (b *Backend) WriteFiles(ctx context.Context, _ *provider.Handle, files []provider.File) error {
	wire := make([]wireFile, len(files))
	for i, f := range files {
		wire[i] = wireFile{Path: f.Path, Content: f.Content}
	}
	_, err := b.call(ctx, message{Op: opWrite, Files: wire})
	return err
}

func (b *Backend) ReadFile(ctx context.Context, _ *provider.Handle, path string) ([]byte, error) {
	resp, err := b.call(ctx, message{Op: opRead, Path: path})
	if err != nil {
		return nil, err
	}
	return resp.Content, nil
}

// Destroy tears down the WebContainer. A missing peer means there is nothing
// left to stop.
func (b *Backend) Destroy(ctx context.Context, _ *provider.Handle) error {
	_, err := b.call(ctx, message{Op: opTeardown})
	if errors.Is(err, ErrNoPeer) || errors.Is(err, ErrPeerGone) {
		return nil
	}
	return err
}
