package error

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	serverJSON "github.com/aspectrr/fluid.sh/preview/internal/json"
)

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    int    `json:"code"`
}

// Rule maps a sentinel error to a status. An empty Msg sends the error text.
type Rule struct {
	Target error
	Status int
	Msg    string
}

// RespondError logs err and sends the generic status text.
func RespondError(w http.ResponseWriter, status int, err error) {
	msg := http.StatusText(status)
	if msg == "" {
		msg = "unexpected error"
	}
	RespondErrorMsg(w, status, msg, err)
}

// RespondErrorMsg logs internalErr and sends userMsg.
func RespondErrorMsg(w http.ResponseWriter, status int, userMsg string, internalErr error) {
	if internalErr != nil {
		level := slog.LevelWarn
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		slog.Log(context.Background(), level, "api error", "status", status, "error", internalErr.Error(), "user_msg", userMsg)
	}
	_ = serverJSON.RespondJSON(w, status, ErrorResponse{
		Error: userMsg,
		Code:  status,
	})
}

// RespondMapped sends the first rule matching err, or a 500 with fallback.
func RespondMapped(w http.ResponseWriter, err error, fallback string, rules ...Rule) {
	for _, r := range rules {
		if !errors.Is(err, r.Target) {
			continue
		}
		msg := r.Msg
		if msg == "" {
			msg = err.Error()
		}
		RespondErrorMsg(w, r.Status, msg, err)
		return
	}
	RespondErrorMsg(w, http.StatusInternalServerError, fallback, err)
}
