// Package vercel implements the ephemeral-VM sandbox backend on the Vercel
// Sandbox REST API.
package vercel

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aspectrr/fluid.sh/preview/internal/provider"
)

// WorkDir is the project directory inside Vercel sandboxes.
const WorkDir = "/vercel/sandbox"

// Config holds Vercel credentials and sandbox defaults.
type Config struct {
	Token     string
	TeamID    string
	ProjectID string
	OIDCToken string
	APIURL    string
	Runtime   string
	Timeout   time.Duration
	VCPUs     int
}

// Backend implements provider.Backend for Vercel sandboxes.
type Backend struct {
	cfg    Config
	client *client
	logger *slog.Logger
}

// New resolves credentials and creates a Vercel backend.
func New(cfg Config, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.vercel.com"
	}
	if cfg.Runtime == "" {
		cfg.Runtime = "node22"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.VCPUs <= 0 {
		cfg.VCPUs = 2
	}

	creds, err := resolveCredentials(cfg)
	if err != nil {
		return nil, err
	}
	logger = logger.With("component", "vercel")
	logger.Info("vercel credentials resolved", "source", creds.source, "team_id", creds.teamID)

	return &Backend{
		cfg: cfg,
		client: &client{
			baseURL:    cfg.APIURL,
			creds:      creds,
			httpClient: &http.Client{Timeout: 15 * time.Minute},
			logger:     logger,
			maxRetries: 3,
			baseDelay:  500 * time.Millisecond,
		},
		logger: logger,
	}, nil
}

// CredentialSource reports which credential source was selected.
func (b *Backend) CredentialSource() string { return b.client.creds.source }

func (b *Backend) Kind() provider.Kind { return provider.KindVercel }

func sandboxPath(id string, parts ...string) string {
	p := "/v1/sandboxes/" + url.PathEscape(id)
	for _, s := range parts {
		p += "/" + s
	}
	return p
}

func (b *Backend) handle(resp sandboxResponse, port int) (*provider.Handle, error) {
	if resp.Sandbox.ID == "" {
		return nil, fmt.Errorf("empty sandbox ID in response")
	}
	h := &provider.Handle{
		ID:        resp.Sandbox.ID,
		CreatedAt: time.Now().UTC(),
	}
	if resp.Sandbox.CreatedAt > 0 {
		h.CreatedAt = time.UnixMilli(resp.Sandbox.CreatedAt).UTC()
	}
	for _, r := range resp.Routes {
		if r.Port == port {
			h.URL = "https://" + r.Subdomain + ".vercel.run"
			h.Domain = r.Subdomain + ".vercel.run"
		}
	}
	if h.URL == "" {
		return nil, fmt.Errorf("sandbox %s has no route for port %d", h.ID, port)
	}
	return h, nil
}

func (b *Backend) Create(ctx context.Context, port int) (*provider.Handle, error) {
	req := createRequest{
		ProjectID: b.client.creds.projectID,
		Runtime:   b.cfg.Runtime,
		Ports:     []int{port},
		Timeout:   b.cfg.Timeout.Milliseconds(),
		Resources: resources{VCPUs: b.cfg.VCPUs},
	}
	var resp sandboxResponse
	if err := b.client.callJSON(ctx, http.MethodPost, "/v1/sandboxes", nil, req, &resp, false); err != nil {
		return nil, err
	}
	h, err := b.handle(resp, port)
	if err != nil {
		return nil, err
	}
	b.logger.Info("vercel sandbox created", "sandbox_id", h.ID, "runtime", req.Runtime, "url", h.URL)
	return h, nil
}

func (b *Backend) Connect(ctx context.Context, sandboxID string, port int) (*provider.Handle, error) {
	var resp sandboxResponse
	if err := b.client.callJSON(ctx, http.MethodGet, sandboxPath(sandboxID), nil, nil, &resp, true); err != nil {
		return nil, fmt.Errorf("connect sandbox %s: %w", sandboxID, err)
	}
	if s := resp.Sandbox.Status; s != "" && s != "running" && s != "pending" {
		return nil, fmt.Errorf("connect sandbox %s: status %s", sandboxID, s)
	}
	return b.handle(resp, port)
}

func (b *Backend) Destroy(ctx context.Context, h *provider.Handle) error {
	err := b.client.callJSON(ctx, http.MethodPost, sandboxPath(h.ID, "stop"), nil, nil, nil, true)
	if errors.Is(err, errNotFound) {
		return nil
	}
	return err
}

// Exec starts the command and, unless detached, drains its NDJSON log stream
// into strings before waiting for the exit code.
func (b *Backend) Exec(ctx context.Context, h *provider.Handle, cmd provider.Command) (*provider.CommandResult, error) {
	var started commandResponse
	err := b.client.callJSON(ctx, http.MethodPost, sandboxPath(h.ID, "cmd"), nil, commandRequest{
		Command: "bash",
		Args:    []string{"-c", cmd.Line},
		Cwd:     cmd.Cwd,
	}, &started, false)
	if err != nil {
		return nil, err
	}
	cmdID := started.Command.ID
	if cmdID == "" {
		return nil, fmt.Errorf("start command: empty command ID")
	}
	if cmd.Detached {
		return provider.NewCommandResult("", "", 0), nil
	}

	stdout, stderr, err := b.logs(ctx, h.ID, cmdID)
	if err != nil {
		return nil, err
	}

	var done commandResponse
	query := url.Values{"wait": {"true"}}
	if err := b.client.callJSON(ctx, http.MethodGet, sandboxPath(h.ID, "cmd", url.PathEscape(cmdID)), query, nil, &done, true); err != nil {
		return nil, fmt.Errorf("wait command %s: %w", cmdID, err)
	}
	exit := -1
	if done.Command.ExitCode != nil {
		exit = *done.Command.ExitCode
	}
	return provider.NewCommandResult(stdout, stderr, exit), nil
}

func (b *Backend) logs(ctx context.Context, sandboxID, cmdID string) (string, string, error) {
	body, err := b.client.stream(ctx, sandboxPath(sandboxID, "cmd", url.PathEscape(cmdID), "logs"))
	if err != nil {
		return "", "", fmt.Errorf("command logs: %w", err)
	}
	defer body.Close()

	var stdout, stderr strings.Builder
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var l logLine
		if err := json.Unmarshal(line, &l); err != nil {
			b.logger.Debug("skipping malformed log line", "error", err)
			continue
		}
		if l.Stream == "stderr" {
			stderr.WriteString(l.Data)
		} else {
			stdout.WriteString(l.Data)
		}
	}
	if err := sc.Err(); err != nil {
		return "", "", fmt.Errorf("read command logs: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

// WriteFiles uploads a gzip tarball rooted at "/".
func (b *Backend) WriteFiles(ctx context.Context, h *provider.Handle, files []provider.File) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, f := range files {
		hdr := &tar.Header{
			Name:    strings.TrimPrefix(f.Path, "/"),
			Mode:    0o644,
			Size:    int64(len(f.Content)),
			ModTime: time.Now(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("tar header %s: %w", f.Path, err)
		}
		if _, err := tw.Write(f.Content); err != nil {
			return fmt.Errorf("tar write %s: %w", f.Path, err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip: %w", err)
	}

	_, err := b.client.call(ctx, http.MethodPost, sandboxPath(h.ID, "fs", "write"), nil, buf.Bytes(), map[string]string{
		"Content-Type": "application/gzip",
		"x-cwd":        "/",
	}, true)
	return err
}

func (b *Backend) ReadFile(ctx context.Context, h *provider.Handle, path string) ([]byte, error) {
	body, err := json.Marshal(readRequest{Path: path})
	if err != nil {
		return nil, err
	}
	data, err := b.client.call(ctx, http.MethodPost, sandboxPath(h.ID, "fs", "read"), nil, body,
		map[string]string{"Content-Type": "application/json"}, true)
	if errors.Is(err, errNotFound) {
		return nil, provider.ErrFileNotFound
	}
	return data, err
}
