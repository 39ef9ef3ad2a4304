// Package stream carries apply and install progress as server-sent events.
package stream

import "sync"

// Event types.
const (
	TypeStart           = "start"
	TypeStatus          = "status"
	TypeStep            = "step"
	TypePackageProgress = "package-progress"
	TypeCommand         = "command"
	TypeCommandOutput   = "command-output"
	TypeCommandComplete = "command-complete"
	TypeFileProgress    = "file-progress"
	TypeFileComplete    = "file-complete"
	TypeSuccess         = "success"
	TypeWarning         = "warning"
	TypeError           = "error"
	TypeComplete        = "complete"
)

// Output stream labels for command-output events.
const (
	StreamStdout  = "stdout"
	StreamStderr  = "stderr"
	StreamWarning = "warning"
)

// Event is one progress message. Fields are populated per Type.
type Event struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`

	Step     int    `json:"step,omitempty"`
	Action   string `json:"action,omitempty"`
	FileName string `json:"fileName,omitempty"`
	Current  int    `json:"current,omitempty"`
	Total    int    `json:"total,omitempty"`

	Packages          []string `json:"packages,omitempty"`
	InstalledPackages []string `json:"installedPackages,omitempty"`
	AlreadyInstalled  []string `json:"alreadyInstalled,omitempty"`

	Command  string `json:"command,omitempty"`
	Output   string `json:"output,omitempty"`
	Stream   string `json:"stream,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Success  *bool  `json:"success,omitempty"`

	Error   string `json:"error,omitempty"`
	Results any    `json:"results,omitempty"`
}

// Emitter receives progress events. Implementations must be safe for
// concurrent use.
type Emitter interface {
	Emit(ev Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ev Event)

func (f EmitterFunc) Emit(ev Event) { f(ev) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(Event) {})

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

// Tee forwards each event to every emitter in order.
func Tee(emitters ...Emitter) Emitter {
	return EmitterFunc(func(ev Event) {
		for _, e := range emitters {
			e.Emit(ev)
		}
	})
}

// IntPtr returns a pointer to v, for ExitCode.
func IntPtr(v int) *int { return &v }

// BoolPtr returns a pointer to v, for Success.
func BoolPtr(v bool) *bool { return &v }
