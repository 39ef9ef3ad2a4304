// Package e2b implements the container-based sandbox backend on E2B's REST
// control plane and the in-sandbox envd API.
package e2b

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/aspectrr/fluid.sh/preview/internal/provider"
)

const (
	envdPort = 49983
	// WorkDir is the project directory inside E2B sandboxes.
	WorkDir = "/home/user/app"
)

// Backend implements provider.Backend for E2B.
type Backend struct {
	client *client
	logger *slog.Logger

	// envdBase returns the envd base URL for a handle.
	envdBase func(h *provider.Handle) string
	// noCommandsAPI is set once envd answers /commands/run with 404 or 405.
	noCommandsAPI atomic.Bool
}

// New creates an E2B backend.
func New(cfg Config, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Domain == "" {
		cfg.Domain = "e2b.app"
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api." + cfg.Domain
	}
	if cfg.Template == "" {
		cfg.Template = "base"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Minute
	}
	logger = logger.With("component", "e2b")
	return &Backend{
		client: newClient(cfg, logger),
		logger: logger,
		envdBase: func(h *provider.Handle) string {
			return fmt.Sprintf("https://%d-%s.%s", envdPort, h.ID, h.Domain)
		},
	}
}

func (b *Backend) Kind() provider.Kind { return provider.KindE2B }

func (b *Backend) timeoutSeconds() int {
	return int(b.client.cfg.Timeout / time.Second)
}

func (b *Backend) handle(resp sandboxResponse, port int) *provider.Handle {
	domain := resp.Domain
	if domain == "" {
		domain = b.client.cfg.Domain
	}
	return &provider.Handle{
		ID:          resp.SandboxID,
		URL:         fmt.Sprintf("https://%d-%s.%s", port, resp.SandboxID, domain),
		Domain:      domain,
		AccessToken: resp.EnvdAccessToken,
		CreatedAt:   time.Now().UTC(),
	}
}

func (b *Backend) Create(ctx context.Context, port int) (*provider.Handle, error) {
	req := createSandboxRequest{
		TemplateID:          b.client.cfg.Template,
		Timeout:             b.timeoutSeconds(),
		Metadata:            map[string]string{"app": "preview"},
		Secure:              true,
		AllowInternetAccess: true,
	}
	var resp sandboxResponse
	if err := b.client.controlPlane(ctx, http.MethodPost, "/sandboxes", req, &resp, false); err != nil {
		return nil, err
	}
	if resp.SandboxID == "" {
		return nil, fmt.Errorf("create sandbox: empty sandbox ID in response")
	}
	b.logger.Info("E2B sandbox created", "sandbox_id", resp.SandboxID, "template", req.TemplateID)
	return b.handle(resp, port), nil
}

func (b *Backend) Connect(ctx context.Context, sandboxID string, port int) (*provider.Handle, error) {
	var resp sandboxResponse
	path := "/sandboxes/" + url.PathEscape(sandboxID) + "/connect"
	if err := b.client.controlPlane(ctx, http.MethodPost, path, connectRequest{Timeout: b.timeoutSeconds()}, &resp, true); err != nil {
		return nil, fmt.Errorf("connect sandbox %s: %w", sandboxID, err)
	}
	if resp.SandboxID == "" {
		resp.SandboxID = sandboxID
	}
	return b.handle(resp, port), nil
}

func (b *Backend) Destroy(ctx context.Context, h *provider.Handle) error {
	err := b.client.controlPlane(ctx, http.MethodDelete, "/sandboxes/"+url.PathEscape(h.ID), nil, nil, true)
	if errors.Is(err, errNotFound) {
		b.logger.Debug("sandbox already gone", "sandbox_id", h.ID)
		return nil
	}
	return err
}

func (b *Backend) envdHeaders(h *provider.Handle) map[string]string {
	return map[string]string{"X-Access-Token": h.AccessToken}
}

// Exec runs cmd through envd /commands/run. Older envd builds lack that
// endpoint; those get the command as a script over /files, started through
// the process API.
func (b *Backend) Exec(ctx context.Context, h *provider.Handle, cmd provider.Command) (*provider.CommandResult, error) {
	if !b.noCommandsAPI.Load() {
		res, err := b.execCommandsAPI(ctx, h, cmd)
		if !errors.Is(err, errNotFound) && !errors.Is(err, errMethodNotAllowed) {
			return res, err
		}
		b.noCommandsAPI.Store(true)
		b.logger.Info("envd /commands/run unavailable, using script execution", "sandbox_id", h.ID, "error", err)
	}
	return b.execScript(ctx, h, cmd)
}

func (b *Backend) execCommandsAPI(ctx context.Context, h *provider.Handle, cmd provider.Command) (*provider.CommandResult, error) {
	body, err := json.Marshal(runRequest{
		Cmd:  "/bin/bash",
		Args: []string{"-l", "-c", cmd.Line},
		Cwd:  cmd.Cwd,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}
	data, err := b.client.do(ctx, request{
		method:      http.MethodPost,
		url:         b.envdBase(h) + "/commands/run",
		body:        body,
		contentType: "application/json",
		headers:     b.envdHeaders(h),
	})
	if err != nil {
		return nil, err
	}
	var resp runResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode command result: %w", err)
	}
	return provider.NewCommandResult(resp.Stdout, resp.Stderr, resp.ExitCode), nil
}

// WriteFiles uploads each file with a multipart POST to envd /files. envd
// creates parent directories.
func (b *Backend) WriteFiles(ctx context.Context, h *provider.Handle, files []provider.File) error {
	for _, f := range files {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		part, err := w.CreateFormFile("file", f.Path)
		if err != nil {
			return fmt.Errorf("create form file: %w", err)
		}
		if _, err := part.Write(f.Content); err != nil {
			return fmt.Errorf("write form file: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("close multipart writer: %w", err)
		}

		_, err = b.client.do(ctx, request{
			method:      http.MethodPost,
			url:         b.envdBase(h) + "/files?path=" + url.QueryEscape(f.Path),
			body:        buf.Bytes(),
			contentType: w.FormDataContentType(),
			headers:     b.envdHeaders(h),
			retry:       true,
		})
		if err != nil {
			return fmt.Errorf("upload %s: %w", f.Path, err)
		}
	}
	return nil
}

func (b *Backend) ReadFile(ctx context.Context, h *provider.Handle, path string) ([]byte, error) {
	data, err := b.client.do(ctx, request{
		method:  http.MethodGet,
		url:     b.envdBase(h) + "/files?path=" + url.QueryEscape(path),
		headers: b.envdHeaders(h),
		retry:   true,
	})
	if errors.Is(err, errNotFound) {
		return nil, provider.ErrFileNotFound
	}
	return data, err
}
