package e2b

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aspectrr/fluid.sh/preview/internal/id"
	"github.com/aspectrr/fluid.sh/preview/internal/provider"
)

const (
	scriptDir = "/tmp"

	// processStartPath is envd's Connect RPC for starting a process. It
	// streams start, data and end events.
	processStartPath = "/process.Process/Start"
	sandboxUser      = "user"

	flagEndStream = 0x02
)

type processStartRequest struct {
	Process processConfig `json:"process"`
}

type processConfig struct {
	Cmd  string   `json:"cmd"`
	Args []string `json:"args"`
	Cwd  string   `json:"cwd,omitempty"`
}

type processEvent struct {
	Event struct {
		Data *struct {
			Stdout []byte `json:"stdout"`
			Stderr []byte `json:"stderr"`
		} `json:"data"`
		End *struct {
			ExitCode int    `json:"exitCode"`
			Exited   bool   `json:"exited"`
			Error    string `json:"error"`
		} `json:"end"`
	} `json:"event"`
}

type endStream struct {
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// execScript uploads cmd as a self-deleting script and runs it with bash.
func (b *Backend) execScript(ctx context.Context, h *provider.Handle, cmd provider.Command) (*provider.CommandResult, error) {
	suffix, err := id.GenerateRaw()
	if err != nil {
		return nil, err
	}
	script := scriptDir + "/preview-cmd-" + suffix + ".sh"
	body := "#!/bin/bash\nrm -f \"$0\"\n" + cmd.Line + "\n"
	if err := b.WriteFiles(ctx, h, []provider.File{{Path: script, Content: []byte(body)}}); err != nil {
		return nil, fmt.Errorf("write command script: %w", err)
	}
	return b.startProcess(ctx, h, processConfig{
		Cmd:  "/bin/bash",
		Args: []string{"-l", script},
		Cwd:  cmd.Cwd,
	})
}

func (b *Backend) startProcess(ctx context.Context, h *provider.Handle, cfg processConfig) (*provider.CommandResult, error) {
	msg, err := json.Marshal(processStartRequest{Process: cfg})
	if err != nil {
		return nil, fmt.Errorf("marshal process request: %w", err)
	}
	headers := b.envdHeaders(h)
	headers["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(sandboxUser+":"))

	data, err := b.client.do(ctx, request{
		method:      http.MethodPost,
		url:         b.envdBase(h) + processStartPath,
		body:        envelope(0, msg),
		contentType: "application/connect+json",
		headers:     headers,
	})
	if err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}
	return decodeProcessStream(data)
}

// envelope frames one Connect streaming message: a flag byte, a big-endian
// length and the payload.
func envelope(flags byte, payload []byte) []byte {
	out := make([]byte, 5, 5+len(payload))
	out[0] = flags
	binary.BigEndian.PutUint32(out[1:], uint32(len(payload))) // #nosec G115 -- request bodies are small
	return append(out, payload...)
}

func decodeProcessStream(data []byte) (*provider.CommandResult, error) {
	r := bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	exitCode, ended := 0, false

	for {
		var hdr [5]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read process frame: %w", err)
		}
		payload := make([]byte, binary.BigEndian.Uint32(hdr[1:]))
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("read process frame: %w", err)
		}

		if hdr[0]&flagEndStream != 0 {
			var end endStream
			if len(payload) > 0 {
				if err := json.Unmarshal(payload, &end); err != nil {
					return nil, fmt.Errorf("decode process trailer: %w", err)
				}
			}
			if end.Error != nil {
				return nil, fmt.Errorf("process stream %s: %s", end.Error.Code, end.Error.Message)
			}
			break
		}

		var ev processEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode process event: %w", err)
		}
		switch {
		case ev.Event.Data != nil:
			stdout.Write(ev.Event.Data.Stdout)
			stderr.Write(ev.Event.Data.Stderr)
		case ev.Event.End != nil:
			ended = true
			exitCode = ev.Event.End.ExitCode
			if ev.Event.End.Error != "" && stderr.Len() == 0 {
				stderr.WriteString(ev.Event.End.Error)
			}
		}
	}

	if !ended {
		return nil, errors.New("process stream ended without an exit event")
	}
	return provider.NewCommandResult(stdout.String(), stderr.String(), exitCode), nil
}
