package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
)

// Writer emits events to an HTTP response as `data: <json>\n\n` frames.
type Writer struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	rc     *http.ResponseController
	logger *slog.Logger
	err    error
}

// NewWriter sets the event-stream headers and writes the status line.
func NewWriter(w http.ResponseWriter, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sw := &Writer{
		w:      w,
		rc:     http.NewResponseController(w),
		logger: logger.With("component", "sse"),
	}
	_ = sw.rc.Flush()
	return sw
}

// Emit writes ev and flushes. After the first write error further events
// are dropped.
func (s *Writer) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("marshal event", "type", ev.Type, "error", err)
		return
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		s.err = err
		s.logger.Debug("client went away", "error", err)
		return
	}
	if err := s.rc.Flush(); err != nil {
		s.err = err
	}
}

// Err returns the first write error, if any.
func (s *Writer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
