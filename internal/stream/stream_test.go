package stream

import (
	"errors"
	"io"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
)

func TestWriter_Frames(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec, nil)
	w.Emit(Event{Type: TypeStart, Message: "Installing 1 package..."})
	w.Emit(Event{Type: TypeCommandComplete, ExitCode: IntPtr(0), Success: BoolPtr(true)})

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected event-stream content type, got %q", ct)
	}
	want := "data: {\"type\":\"start\",\"message\":\"Installing 1 package...\"}\n\n" +
		"data: {\"type\":\"command-complete\",\"exitCode\":0,\"success\":true}\n\n"
	if got := rec.Body.String(); got != want {
		t.Errorf("body:\n%q\nwant:\n%q", got, want)
	}
	if w.Err() != nil {
		t.Errorf("unexpected error %v", w.Err())
	}
}

// slowReader returns its input a few bytes at a time.
type slowReader struct {
	data string
	n    int
}

func (s *slowReader) Read(p []byte) (int, error) {
	if s.data == "" {
		return 0, io.EOF
	}
	n := min(s.n, len(s.data), len(p))
	copy(p, s.data[:n])
	s.data = s.data[n:]
	return n, nil
}

func TestReader_RoundTrip(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec, nil)
	sent := []Event{
		{Type: TypeStep, Step: 1, Message: "Installing packages"},
		{Type: TypeCommandOutput, Output: "added 12 packages", Stream: StreamStdout},
		{Type: TypeComplete, Results: map[string]any{"filesCreated": []any{"src/App.jsx"}}},
	}
	for _, ev := range sent {
		w.Emit(ev)
	}

	r := NewReader(&slowReader{data: ": keepalive\n\n" + rec.Body.String(), n: 3})
	var got []Event
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, ev)
	}
	if !reflect.DeepEqual(got, sent) {
		t.Errorf("got %+v\nwant %+v", got, sent)
	}
}

func TestReader_UnterminatedFinalFrame(t *testing.T) {
	r := NewReader(strings.NewReader(`data: {"type":"error","message":"boom"}`))
	ev, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Type != TypeError || ev.Message != "boom" {
		t.Errorf("unexpected event %+v", ev)
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestReader_BadJSON(t *testing.T) {
	r := NewReader(strings.NewReader("data: {nope\n\n"))
	if _, err := r.Next(); err == nil {
		t.Error("expected decode error")
	}
}

func TestRecorderAndTee(t *testing.T) {
	var a, b Recorder
	e := Tee(&a, &b, Discard)
	e.Emit(Event{Type: TypeStart})
	e.Emit(Event{Type: TypeComplete})
	want := []string{TypeStart, TypeComplete}
	if !reflect.DeepEqual(a.Types(), want) || !reflect.DeepEqual(b.Types(), want) {
		t.Errorf("unexpected recorded types %v %v", a.Types(), b.Types())
	}
}
