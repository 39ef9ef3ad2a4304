package rest

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/aspectrr/fluid.sh/preview/internal/bundle"
	serverError "github.com/aspectrr/fluid.sh/preview/internal/error"
	serverJSON "github.com/aspectrr/fluid.sh/preview/internal/json"
	"github.com/aspectrr/fluid.sh/preview/internal/packages"
	"github.com/aspectrr/fluid.sh/preview/internal/provider"
	"github.com/aspectrr/fluid.sh/preview/internal/stream"
)

type installRequest struct {
	Packages  []string `json:"packages"`
	SandboxID string   `json:"sandboxId"`
}

func decodeInstall(w http.ResponseWriter, r *http.Request) (installRequest, bool) {
	var req installRequest
	if err := serverJSON.DecodeJSON(r.Context(), r, &req); err != nil {
		serverError.RespondErrorMsg(w, http.StatusBadRequest, err.Error(), err)
		return req, false
	}
	if len(packages.Dedupe(req.Packages)) == 0 {
		serverError.RespondErrorMsg(w, http.StatusBadRequest, packages.ErrNoPackages.Error(), nil)
		return req, false
	}
	return req, true
}

// handleInstallPackagesStream godoc
// @Summary      Install npm packages (streaming)
// @Description  Install the packages not yet declared in package.json and restart the dev server
// @Tags         Packages
// @Accept       json
// @Produce      text/event-stream
// @Param        request  body      installRequest  true  "Packages"
// @Success      200      {string}  string  "event stream"
// @Failure      400      {object}  error.ErrorResponse
// @Router       /install-packages [post]
func (s *Server) handleInstallPackagesStream(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeInstall(w, r)
	if !ok {
		return
	}
	st, ok := s.resolveSession(w, r, req.SandboxID)
	if !ok {
		return
	}

	sw := stream.NewWriter(w, s.logger)
	res, err := s.installer.Install(context.WithoutCancel(r.Context()), st, req.Packages, sw)
	if err != nil {
		sw.Emit(stream.Event{Type: stream.TypeError, Error: err.Error()})
		sw.Emit(stream.Event{Type: stream.TypeComplete, Success: stream.BoolPtr(false)})
		return
	}
	s.orchestrator.Track(st.Sandbox.SandboxID, "packages_installed", map[string]any{
		"installed": len(res.Installed),
		"already":   len(res.AlreadyInstalled),
		"failed":    len(res.Failed),
	})
}

// handleInstallPackages godoc
// @Summary      Install npm packages
// @Tags         Packages
// @Accept       json
// @Produce      json
// @Param        request  body      installRequest  true  "Packages"
// @Success      200      {object}  map[string]interface{}
// @Failure      400      {object}  error.ErrorResponse
// @Router       /install-packages-v2 [post]
func (s *Server) handleInstallPackages(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeInstall(w, r)
	if !ok {
		return
	}
	st, ok := s.resolveSession(w, r, req.SandboxID)
	if !ok {
		return
	}

	res, err := s.installer.Install(context.WithoutCancel(r.Context()), st, req.Packages, nil)
	if err != nil {
		serverError.RespondMapped(w, err, "failed to install packages",
			serverError.Rule{Target: packages.ErrNoPackages, Status: http.StatusBadRequest},
			serverError.Rule{Target: provider.ErrNoActiveSandbox, Status: http.StatusBadRequest, Msg: "No active sandbox"},
		)
		return
	}
	s.orchestrator.Track(st.Sandbox.SandboxID, "packages_installed", map[string]any{
		"installed": len(res.Installed),
		"already":   len(res.AlreadyInstalled),
		"failed":    len(res.Failed),
	})

	msg := fmt.Sprintf("Installed %d packages", len(res.Installed))
	if len(res.Installed) == 0 && res.Success() {
		msg = "All packages are already installed"
	}
	_ = serverJSON.RespondJSON(w, http.StatusOK, map[string]any{
		"success":          res.Success(),
		"output":           res.Output,
		"error":            strings.Join(res.Errors, "\n"),
		"installed":        res.Installed,
		"alreadyInstalled": res.AlreadyInstalled,
		"failed":           res.Failed,
		"message":          msg,
	})
}

type runCommandRequest struct {
	Command   string `json:"command"`
	SandboxID string `json:"sandboxId"`
}

// runCommand decodes and runs the request command. A non-zero exit is
// returned as a result.
func (s *Server) runCommand(w http.ResponseWriter, r *http.Request) (stdout, stderr string, exitCode int, ok bool) {
	var req runCommandRequest
	if err := serverJSON.DecodeJSON(r.Context(), r, &req); err != nil {
		serverError.RespondErrorMsg(w, http.StatusBadRequest, err.Error(), err)
		return "", "", 0, false
	}
	if strings.TrimSpace(req.Command) == "" {
		serverError.RespondErrorMsg(w, http.StatusBadRequest, "Command is required", nil)
		return "", "", 0, false
	}
	st, found := s.resolveSession(w, r, req.SandboxID)
	if !found {
		return "", "", 0, false
	}

	s.logger.Info("running command", "sandbox_id", st.Sandbox.SandboxID, "command", req.Command)
	res, err := st.Provider.RunCommand(r.Context(), req.Command)
	if err != nil {
		serverError.RespondErrorMsg(w, http.StatusInternalServerError, err.Error(), err)
		return "", "", 0, false
	}
	return res.Stdout, res.Stderr, res.ExitCode, true
}

// handleRunCommand godoc
// @Summary      Run a command
// @Description  Run a shell command in the sandbox and return combined output
// @Tags         Commands
// @Accept       json
// @Produce      json
// @Param        request  body      runCommandRequest  true  "Command"
// @Success      200      {object}  map[string]interface{}
// @Failure      400      {object}  error.ErrorResponse
// @Router       /run-command [post]
func (s *Server) handleRunCommand(w http.ResponseWriter, r *http.Request) {
	stdout, stderr, code, ok := s.runCommand(w, r)
	if !ok {
		return
	}
	var b strings.Builder
	if stdout != "" {
		b.WriteString("STDOUT:\n" + stdout)
	}
	if stderr != "" {
		b.WriteString("\nSTDERR:\n" + stderr)
	}
	fmt.Fprintf(&b, "\nExit code: %d", code)

	msg := "Command executed successfully"
	if code != 0 {
		msg = "Command completed with non-zero exit code"
	}
	_ = serverJSON.RespondJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"output":   b.String(),
		"exitCode": code,
		"message":  msg,
	})
}

// handleRunCommandV2 godoc
// @Summary      Run a command
// @Description  Run a shell command in the sandbox and return stdout and stderr separately
// @Tags         Commands
// @Accept       json
// @Produce      json
// @Param        request  body      runCommandRequest  true  "Command"
// @Success      200      {object}  map[string]interface{}
// @Failure      400      {object}  error.ErrorResponse
// @Router       /run-command-v2 [post]
func (s *Server) handleRunCommandV2(w http.ResponseWriter, r *http.Request) {
	stdout, stderr, code, ok := s.runCommand(w, r)
	if !ok {
		return
	}
	msg := "Command executed successfully"
	if code != 0 {
		msg = "Command failed"
	}
	_ = serverJSON.RespondJSON(w, http.StatusOK, map[string]any{
		"success":  code == 0,
		"output":   stdout,
		"error":    stderr,
		"exitCode": code,
		"message":  msg,
	})
}

// handleRestartVite godoc
// @Summary      Restart the dev server
// @Description  Force a dev server restart, subject to a cooldown
// @Tags         Commands
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  error.ErrorResponse
// @Failure      500  {object}  error.ErrorResponse
// @Router       /restart-vite [post]
func (s *Server) handleRestartVite(w http.ResponseWriter, r *http.Request) {
	st, ok := s.resolveSession(w, r, r.URL.Query().Get("sandboxId"))
	if !ok {
		return
	}
	res, err := s.restarter.Restart(r.Context(), st)
	if err != nil {
		serverError.RespondErrorMsg(w, http.StatusInternalServerError, err.Error(), err)
		return
	}
	_ = serverJSON.RespondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"outcome": res.Outcome,
		"ready":   res.Ready,
		"message": res.Message,
	})
}

// handleCreateZip godoc
// @Summary      Export project
// @Description  Zip the project files, excluding dependency and build directories
// @Tags         Files
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  error.ErrorResponse
// @Failure      500  {object}  error.ErrorResponse
// @Router       /create-zip [post]
func (s *Server) handleCreateZip(w http.ResponseWriter, r *http.Request) {
	st, ok := s.resolveSession(w, r, r.URL.Query().Get("sandboxId"))
	if !ok {
		return
	}
	a, err := bundle.Build(r.Context(), st)
	if err != nil {
		serverError.RespondErrorMsg(w, http.StatusInternalServerError, err.Error(), err)
		return
	}
	_ = serverJSON.RespondJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"dataUrl":   a.DataURL(),
		"fileName":  a.FileName,
		"fileCount": len(a.Files),
		"message":   "Zip file created successfully",
	})
}
