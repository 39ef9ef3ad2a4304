package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/aspectrr/fluid.sh/preview/internal/apply"
	"github.com/aspectrr/fluid.sh/preview/internal/bundle"
	"github.com/aspectrr/fluid.sh/preview/internal/project"
	"github.com/aspectrr/fluid.sh/preview/internal/provider"
	"github.com/aspectrr/fluid.sh/preview/internal/session"
)

const toolTimeout = 5 * time.Minute

// maxReadSize caps read_file content returned to the agent.
const maxReadSize = 1 << 20

// jsonResult marshals v to JSON and returns it as a text tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// errorResult marshals v to JSON and returns it as a tool result with IsError set.
func errorResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal error result: %w", err)
	}
	result := mcp.NewToolResultText(string(data))
	result.IsError = true
	return result, nil
}

func (s *Server) trackToolCall(toolName string) {
	s.orchestrator.Track(mcpDistinctID, "mcp_tool_call", map[string]any{
		"tool_name": toolName,
	})
}

// session resolves the requested or active sandbox. The error result is
// non-nil when there is none.
func (s *Server) session(ctx context.Context, tool string, request mcp.CallToolRequest) (*session.State, *mcp.CallToolResult) {
	id := request.GetString("sandbox_id", "")
	st, err := s.orchestrator.Session(ctx, id)
	if err == nil {
		return st, nil
	}
	s.logger.Error(tool+" failed", "error", err, "sandbox_id", id)
	msg := fmt.Sprintf("resolve sandbox: %s", err)
	if errors.Is(err, provider.ErrNoActiveSandbox) {
		msg = "no active sandbox; call create_sandbox first"
	}
	res, _ := errorResult(map[string]any{"sandbox_id": id, "error": msg})
	return nil, res
}

// --- Handlers ---

func (s *Server) handleCreateSandbox(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.trackToolCall("create_sandbox")

	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	st, reused, err := s.orchestrator.CreateSandbox(ctx)
	if err != nil {
		s.logger.Error("create_sandbox failed", "error", err)
		return errorResult(map[string]any{"error": fmt.Sprintf("create sandbox: %s", err)})
	}
	return jsonResult(map[string]any{
		"sandbox_id": st.Sandbox.SandboxID,
		"url":        st.Sandbox.URL,
		"provider":   st.Sandbox.Provider,
		"reused":     reused,
	})
}

func (s *Server) handleSandboxStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.trackToolCall("sandbox_status")

	rep := s.orchestrator.Status(ctx)
	result := map[string]any{
		"active":               rep.Active,
		"health_status":        rep.HealthStatus,
		"creation_in_progress": rep.CreationInProgress,
		"file_count":           rep.FileCount,
	}
	if rep.Sandbox != nil {
		result["sandbox_id"] = rep.Sandbox.SandboxID
		result["url"] = rep.Sandbox.URL
	}
	return jsonResult(result)
}

func (s *Server) handleApplyCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.trackToolCall("apply_code")

	response := request.GetString("response", "")
	if strings.TrimSpace(response) == "" {
		return nil, fmt.Errorf("response is required")
	}

	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	st, errRes := s.session(ctx, "apply_code", request)
	if errRes != nil {
		return errRes, nil
	}

	res, err := s.applicator.Apply(ctx, st, apply.Request{
		Response:  response,
		IsEdit:    request.GetBool("is_edit", false),
		Packages:  request.GetStringSlice("packages", nil),
		SandboxID: st.Sandbox.SandboxID,
	}, nil)
	if err != nil {
		s.logger.Error("apply_code failed", "error", err, "sandbox_id", st.Sandbox.SandboxID)
		return errorResult(map[string]any{"sandbox_id": st.Sandbox.SandboxID, "error": fmt.Sprintf("apply code: %s", err)})
	}

	result := map[string]any{
		"sandbox_id":         st.Sandbox.SandboxID,
		"success":            res.Success(),
		"files_created":      res.FilesCreated,
		"files_updated":      res.FilesUpdated,
		"edits_applied":      res.EditsApplied,
		"packages_installed": res.PackagesInstalled,
		"commands_executed":  res.CommandsExecuted,
		"errors":             res.Errors,
	}
	if !res.Success() {
		return errorResult(result)
	}
	return jsonResult(result)
}

func (s *Server) handleRunCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.trackToolCall("run_command")

	command := request.GetString("command", "")
	if command == "" {
		return nil, fmt.Errorf("command is required")
	}

	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	st, errRes := s.session(ctx, "run_command", request)
	if errRes != nil {
		return errRes, nil
	}
	id := st.Sandbox.SandboxID

	result, err := st.Provider.RunCommand(ctx, command)
	if err != nil {
		s.logger.Error("run_command failed", "error", err, "sandbox_id", id, "command", command)
		return errorResult(map[string]any{
			"sandbox_id": id,
			"command":    command,
			"error":      fmt.Sprintf("run command: %s", err),
		})
	}

	return jsonResult(map[string]any{
		"sandbox_id": id,
		"exit_code":  result.ExitCode,
		"stdout":     result.Stdout,
		"stderr":     result.Stderr,
	})
}

func (s *Server) handleReadFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.trackToolCall("read_file")

	raw := request.GetString("path", "")
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("path is required")
	}
	if strings.Contains(raw, "..") {
		return nil, fmt.Errorf("invalid path: %q escapes the project", raw)
	}
	path := project.NormalizePath(raw)

	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	st, errRes := s.session(ctx, "read_file", request)
	if errRes != nil {
		return errRes, nil
	}
	id := st.Sandbox.SandboxID

	content, cached := "", false
	if e, ok := st.Cache.Get(path); ok {
		content, cached = e.Content, true
	} else {
		c, err := st.Provider.ReadFile(ctx, path)
		if err != nil {
			s.logger.Error("read_file failed", "error", err, "sandbox_id", id, "path", path)
			return errorResult(map[string]any{"sandbox_id": id, "path": path, "error": fmt.Sprintf("read file: %s", err)})
		}
		content = c
		st.Cache.Set(path, content)
	}

	if len(content) > maxReadSize {
		return errorResult(map[string]any{
			"sandbox_id": id,
			"path":       path,
			"size":       len(content),
			"error":      fmt.Sprintf("file exceeds %d bytes", maxReadSize),
		})
	}

	return jsonResult(map[string]any{
		"sandbox_id": id,
		"path":       path,
		"type":       project.FileType(path),
		"content":    content,
		"cached":     cached,
	})
}

func (s *Server) handleListFiles(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.trackToolCall("list_files")

	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	st, errRes := s.session(ctx, "list_files", request)
	if errRes != nil {
		return errRes, nil
	}
	id := st.Sandbox.SandboxID

	paths, err := st.Provider.ListFiles(ctx, st.Provider.WorkDir())
	if err != nil {
		s.logger.Error("list_files failed", "error", err, "sandbox_id", id)
		return errorResult(map[string]any{"sandbox_id": id, "error": fmt.Sprintf("list files: %s", err)})
	}

	files := make([]string, 0, len(paths))
	for _, p := range paths {
		if bundle.Excluded(p) {
			continue
		}
		st.Files().Add(p)
		files = append(files, p)
	}
	return jsonResult(map[string]any{
		"sandbox_id": id,
		"files":      files,
		"count":      len(files),
	})
}

func (s *Server) handleInstallPackages(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.trackToolCall("install_packages")

	names := request.GetStringSlice("packages", nil)
	if len(names) == 0 {
		return nil, fmt.Errorf("packages is required")
	}

	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	st, errRes := s.session(ctx, "install_packages", request)
	if errRes != nil {
		return errRes, nil
	}
	id := st.Sandbox.SandboxID

	res, err := s.installer.Install(ctx, st, names, nil)
	if err != nil {
		s.logger.Error("install_packages failed", "error", err, "sandbox_id", id)
		return errorResult(map[string]any{"sandbox_id": id, "error": fmt.Sprintf("install packages: %s", err)})
	}

	result := map[string]any{
		"sandbox_id":        id,
		"success":           res.Success(),
		"installed":         res.Installed,
		"already_installed": res.AlreadyInstalled,
		"failed":            res.Failed,
		"restarted":         res.Restarted,
		"errors":            res.Errors,
	}
	if !res.Success() {
		return errorResult(result)
	}
	return jsonResult(result)
}

func (s *Server) handleRestartDevServer(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.trackToolCall("restart_dev_server")

	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	st, errRes := s.session(ctx, "restart_dev_server", request)
	if errRes != nil {
		return errRes, nil
	}
	id := st.Sandbox.SandboxID

	res, err := s.restarter.Restart(ctx, st)
	if err != nil {
		s.logger.Error("restart_dev_server failed", "error", err, "sandbox_id", id)
		return errorResult(map[string]any{"sandbox_id": id, "error": fmt.Sprintf("restart dev server: %s", err)})
	}
	return jsonResult(map[string]any{
		"sandbox_id": id,
		"outcome":    res.Outcome,
		"ready":      res.Ready,
		"message":    res.Message,
	})
}

func (s *Server) handleKillSandbox(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.trackToolCall("kill_sandbox")

	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	res := s.orchestrator.Kill(ctx)
	return jsonResult(map[string]any{
		"killed":     res.Killed,
		"sandbox_id": res.SandboxID,
	})
}
