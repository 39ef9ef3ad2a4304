package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aspectrr/fluid.sh/preview/internal/stream"
)

var applyOpts struct {
	server    string
	apiKey    string
	sandboxID string
	isEdit    bool
	packages  []string
}

var applyCmd = &cobra.Command{
	Use:   "apply <file|->",
	Short: "Apply a generated response to a running server",
	Long:  "Send a generated response to a running preview server and print the streamed progress events. Use '-' to read from stdin.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			data []byte
			err  error
		)
		if args[0] == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(args[0])
		}
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		return runApply(cmd.Context(), cmd.OutOrStdout(), string(data))
	},
}

func init() {
	f := applyCmd.Flags()
	f.StringVar(&applyOpts.server, "server", "http://localhost:8080", "preview server base URL")
	f.StringVar(&applyOpts.apiKey, "api-key", os.Getenv("PREVIEW_API_KEY"), "API key (default $PREVIEW_API_KEY)")
	f.StringVar(&applyOpts.sandboxID, "sandbox", "", "sandbox ID (default: the active sandbox)")
	f.BoolVar(&applyOpts.isEdit, "edit", false, "apply <edit> blocks through the merge service")
	f.StringSliceVar(&applyOpts.packages, "package", nil, "extra npm package to install (repeatable)")
}

func runApply(ctx context.Context, out io.Writer, response string) error {
	body, err := json.Marshal(map[string]any{
		"response":  response,
		"isEdit":    applyOpts.isEdit,
		"packages":  applyOpts.packages,
		"sandboxId": applyOpts.sandboxID,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	endpoint := strings.TrimRight(applyOpts.server, "/") + "/api/apply-ai-code-stream"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if applyOpts.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+applyOpts.apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
	}

	return printEvents(out, stream.NewReader(resp.Body))
}

// printEvents writes one line per event and fails when the run did not
// complete successfully.
func printEvents(out io.Writer, rd *stream.Reader) error {
	var last stream.Event
	for {
		ev, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read stream: %w", err)
		}
		last = ev
		_, _ = fmt.Fprintln(out, formatEvent(ev))
	}

	if last.Type != stream.TypeComplete {
		return errors.New("stream ended before completion")
	}
	if last.Success != nil && !*last.Success {
		return errors.New("apply finished with errors")
	}
	return nil
}

func formatEvent(ev stream.Event) string {
	switch ev.Type {
	case stream.TypeFileProgress:
		return fmt.Sprintf("[%d/%d] %s %s", ev.Current, ev.Total, ev.Action, ev.FileName)
	case stream.TypeCommand:
		return "$ " + ev.Command
	case stream.TypeCommandOutput:
		return fmt.Sprintf("  %s| %s", ev.Stream, strings.TrimRight(ev.Output, "\n"))
	case stream.TypeCommandComplete:
		code := 0
		if ev.ExitCode != nil {
			code = *ev.ExitCode
		}
		return fmt.Sprintf("  exit %d", code)
	case stream.TypeError:
		msg := ev.Error
		if msg == "" {
			msg = ev.Message
		}
		return "error: " + msg
	}
	if ev.Message == "" {
		return ev.Type
	}
	return fmt.Sprintf("%s: %s", ev.Type, ev.Message)
}
