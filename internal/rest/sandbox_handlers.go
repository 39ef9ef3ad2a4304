package rest

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	serverError "github.com/aspectrr/fluid.sh/preview/internal/error"
	serverJSON "github.com/aspectrr/fluid.sh/preview/internal/json"
	"github.com/aspectrr/fluid.sh/preview/internal/provider"
	"github.com/aspectrr/fluid.sh/preview/internal/session"
)

const defaultHistoryLimit = 50

// resolveSession returns the session for sandboxID, or the active one. It
// writes a 400 and returns false when there is none.
func (s *Server) resolveSession(w http.ResponseWriter, r *http.Request, sandboxID string) (*session.State, bool) {
	st, err := s.orchestrator.Session(r.Context(), sandboxID)
	if err != nil {
		serverError.RespondMapped(w, err, "failed to resolve sandbox",
			serverError.Rule{Target: provider.ErrNoActiveSandbox, Status: http.StatusBadRequest, Msg: "No active sandbox"},
		)
		return nil, false
	}
	return st, true
}

// handleCreateSandbox godoc
// @Summary      Create sandbox
// @Description  Create a sandbox with a running Vite React app, or reuse the live one
// @Tags         Sandboxes
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      401  {object}  error.ErrorResponse
// @Failure      429  {object}  error.ErrorResponse
// @Failure      500  {object}  error.ErrorResponse
// @Router       /create-ai-sandbox [post]
func (s *Server) handleCreateSandbox(w http.ResponseWriter, r *http.Request) {
	st, reused, err := s.orchestrator.CreateSandbox(r.Context())
	if err != nil {
		serverError.RespondErrorMsg(w, http.StatusInternalServerError, fmt.Sprintf("failed to create sandbox: %v", err), err)
		return
	}

	msg := "Sandbox created and Vite React app initialized"
	if reused {
		msg = "Using existing sandbox"
	}
	_ = serverJSON.RespondJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"sandboxId": st.Sandbox.SandboxID,
		"url":       st.Sandbox.URL,
		"provider":  st.Sandbox.Provider,
		"message":   msg,
	})
}

// handleSandboxStatus godoc
// @Summary      Sandbox status
// @Tags         Sandboxes
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /sandbox-status [get]
func (s *Server) handleSandboxStatus(w http.ResponseWriter, r *http.Request) {
	rep := s.orchestrator.Status(r.Context())
	msg := "No active sandbox"
	switch {
	case rep.Active:
		msg = "Sandbox is active"
	case rep.CreationInProgress:
		msg = "Sandbox creation in progress"
	case rep.Sandbox != nil:
		msg = "Sandbox is not responding"
	}
	_ = serverJSON.RespondJSON(w, http.StatusOK, map[string]any{
		"success":            true,
		"active":             rep.Active,
		"healthy":            rep.Active,
		"healthStatus":       rep.HealthStatus,
		"sandboxData":        rep.Sandbox,
		"creationInProgress": rep.CreationInProgress,
		"fileCount":          rep.FileCount,
		"cachedFiles":        rep.CachedFiles,
		"message":            msg,
	})
}

// handleKillSandbox godoc
// @Summary      Kill sandbox
// @Tags         Sandboxes
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /kill-sandbox [post]
func (s *Server) handleKillSandbox(w http.ResponseWriter, r *http.Request) {
	res := s.orchestrator.Kill(r.Context())
	msg := "No active sandbox to kill"
	if res.Killed {
		msg = "Sandbox cleaned up successfully"
	}
	_ = serverJSON.RespondJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"sandboxKilled": res.Killed,
		"sandboxId":     res.SandboxID,
		"message":       msg,
	})
}

// handleGetSandboxFiles godoc
// @Summary      Get sandbox files
// @Description  Read the project's source files and render a directory tree
// @Tags         Files
// @Produce      json
// @Param        sandboxId  query     string  false  "Sandbox ID (defaults to the active sandbox)"
// @Success      200        {object}  orchestrator.FilesSnapshot
// @Failure      400        {object}  error.ErrorResponse
// @Failure      500        {object}  error.ErrorResponse
// @Router       /get-sandbox-files [get]
func (s *Server) handleGetSandboxFiles(w http.ResponseWriter, r *http.Request) {
	st, ok := s.resolveSession(w, r, r.URL.Query().Get("sandboxId"))
	if !ok {
		return
	}
	snap, err := s.orchestrator.Files(r.Context(), st)
	if err != nil {
		serverError.RespondErrorMsg(w, http.StatusInternalServerError, "failed to read sandbox files", err)
		return
	}
	_ = serverJSON.RespondJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"files":     snap.Files,
		"structure": snap.Structure,
		"fileCount": snap.FileCount,
	})
}

// handleListSandboxes godoc
// @Summary      List sandboxes
// @Description  Recorded sandbox history plus the sandboxes live in this process
// @Tags         Sandboxes
// @Produce      json
// @Param        limit  query     int  false  "Maximum records"
// @Success      200    {object}  map[string]interface{}
// @Router       /sandboxes [get]
func (s *Server) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		serverError.RespondErrorMsg(w, http.StatusBadRequest, err.Error(), err)
		return
	}
	records, err := s.orchestrator.History(r.Context(), limit)
	if err != nil {
		serverError.RespondErrorMsg(w, http.StatusInternalServerError, "failed to list sandboxes", err)
		return
	}
	_ = serverJSON.RespondJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"sandboxes": records,
		"live":      s.orchestrator.Live(),
		"count":     len(records),
	})
}

// handleListApplyRuns godoc
// @Summary      List apply runs
// @Tags         Sandboxes
// @Produce      json
// @Param        sandboxID  path      string  true   "Sandbox ID"
// @Param        limit      query     int     false  "Maximum records"
// @Success      200        {object}  map[string]interface{}
// @Router       /sandboxes/{sandboxID}/applies [get]
func (s *Server) handleListApplyRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		serverError.RespondErrorMsg(w, http.StatusBadRequest, err.Error(), err)
		return
	}
	runs, err := s.orchestrator.ApplyHistory(r.Context(), chi.URLParam(r, "sandboxID"), limit)
	if err != nil {
		serverError.RespondErrorMsg(w, http.StatusInternalServerError, "failed to list apply runs", err)
		return
	}
	_ = serverJSON.RespondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"runs":    runs,
		"count":   len(runs),
	})
}

func parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	return n, nil
}
