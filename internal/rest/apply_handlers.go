package rest

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/aspectrr/fluid.sh/preview/internal/apply"
	serverError "github.com/aspectrr/fluid.sh/preview/internal/error"
	"github.com/aspectrr/fluid.sh/preview/internal/fastapply"
	serverJSON "github.com/aspectrr/fluid.sh/preview/internal/json"
	"github.com/aspectrr/fluid.sh/preview/internal/parser"
	"github.com/aspectrr/fluid.sh/preview/internal/provider"
	"github.com/aspectrr/fluid.sh/preview/internal/stream"
)

// decodeApply reads and validates an apply request, writing a 400 on failure.
func decodeApply(w http.ResponseWriter, r *http.Request) (apply.Request, bool) {
	var req apply.Request
	if err := serverJSON.DecodeJSON(r.Context(), r, &req); err != nil {
		serverError.RespondErrorMsg(w, http.StatusBadRequest, err.Error(), err)
		return req, false
	}
	if strings.TrimSpace(req.Response) == "" {
		serverError.RespondErrorMsg(w, http.StatusBadRequest, "response is required", nil)
		return req, false
	}
	return req, true
}

// handleApplyCodeStream godoc
// @Summary      Apply generated code (streaming)
// @Description  Parse file, edit, package and command blocks and apply them, streaming progress as server-sent events
// @Tags         Apply
// @Accept       json
// @Produce      text/event-stream
// @Param        request  body      apply.Request  true  "Generated response"
// @Success      200      {string}  string  "event stream"
// @Failure      400      {object}  error.ErrorResponse
// @Router       /apply-ai-code-stream [post]
func (s *Server) handleApplyCodeStream(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeApply(w, r)
	if !ok {
		return
	}
	st, ok := s.resolveSession(w, r, req.SandboxID)
	if !ok {
		return
	}

	sw := stream.NewWriter(w, s.logger)
	// Applying continues after a client disconnect.
	ctx := context.WithoutCancel(r.Context())
	if _, err := s.applicator.Apply(ctx, st, req, sw); err != nil {
		sw.Emit(stream.Event{Type: stream.TypeComplete, Success: stream.BoolPtr(false), Error: err.Error()})
	}
}

// handleApplyCode godoc
// @Summary      Apply generated code
// @Tags         Apply
// @Accept       json
// @Produce      json
// @Param        request  body      apply.Request  true  "Generated response"
// @Success      200      {object}  map[string]interface{}
// @Failure      400      {object}  error.ErrorResponse
// @Router       /apply-ai-code [post]
func (s *Server) handleApplyCode(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeApply(w, r)
	if !ok {
		return
	}
	st, ok := s.resolveSession(w, r, req.SandboxID)
	if !ok {
		return
	}

	res, err := s.applicator.Apply(context.WithoutCancel(r.Context()), st, req, nil)
	if err != nil {
		serverError.RespondErrorMsg(w, http.StatusInternalServerError, err.Error(), err)
		return
	}
	msg := fmt.Sprintf("Applied %d files", len(res.FilesCreated)+len(res.FilesUpdated))
	if len(res.Errors) > 0 {
		msg += fmt.Sprintf(" with %d errors", len(res.Errors))
	}
	_ = serverJSON.RespondJSON(w, http.StatusOK, map[string]any{
		"success": res.Success(),
		"results": res,
		"message": msg,
	})
}

type fastApplyRequest struct {
	TargetFile   string `json:"targetFile"`
	Instructions string `json:"instructions"`
	Update       string `json:"update"`
	SandboxID    string `json:"sandboxId"`
}

// handleFastApply godoc
// @Summary      Apply a targeted edit
// @Description  Merge an update snippet into an existing file through the merge service
// @Tags         Apply
// @Accept       json
// @Produce      json
// @Param        request  body      fastApplyRequest  true  "Edit"
// @Success      200      {object}  map[string]interface{}
// @Failure      400      {object}  error.ErrorResponse
// @Failure      404      {object}  error.ErrorResponse
// @Failure      502      {object}  error.ErrorResponse
// @Router       /fast-apply [post]
func (s *Server) handleFastApply(w http.ResponseWriter, r *http.Request) {
	var req fastApplyRequest
	if err := serverJSON.DecodeJSON(r.Context(), r, &req); err != nil {
		serverError.RespondErrorMsg(w, http.StatusBadRequest, err.Error(), err)
		return
	}
	if strings.TrimSpace(req.TargetFile) == "" || strings.TrimSpace(req.Update) == "" {
		serverError.RespondErrorMsg(w, http.StatusBadRequest, "targetFile and update are required", nil)
		return
	}
	if s.editor == nil || !s.editor.Enabled() {
		serverError.RespondErrorMsg(w, http.StatusBadRequest, fastapply.ErrDisabled.Error(), nil)
		return
	}
	st, ok := s.resolveSession(w, r, req.SandboxID)
	if !ok {
		return
	}

	res, err := s.editor.Apply(r.Context(), st, parser.Edit{
		TargetFile:   req.TargetFile,
		Instructions: req.Instructions,
		Update:       req.Update,
	})
	if err != nil {
		serverError.RespondMapped(w, err, "fast apply failed",
			serverError.Rule{Target: provider.ErrFileNotFound, Status: http.StatusNotFound, Msg: fmt.Sprintf("file not found: %s", req.TargetFile)},
			serverError.Rule{Target: fastapply.ErrEmptyMerge, Status: http.StatusBadGateway},
			serverError.Rule{Target: fastapply.ErrMergeRejected, Status: http.StatusBadGateway},
		)
		return
	}

	_ = serverJSON.RespondJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"path":         res.Path,
		"mergedCode":   res.MergedCode,
		"linesAdded":   res.LinesAdded,
		"linesRemoved": res.LinesRemoved,
		"message":      fmt.Sprintf("Applied edit to %s", res.Path),
	})
}
