package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

const shellOutputCap = 64 * 1024

// ShellTool runs a command via sh -c with a hard timeout. The broker
// reclassifies commands with write primitives to shell.write before matching,
// so the capability here is the read-side label.
func ShellTool(timeout time.Duration) Definition {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return Definition{
		Name:        "shell_run",
		Capability:  "shell.run",
		Description: "Run a shell command and return stdout, stderr, and the exit code",
		InputSchema: objectSchema([]string{"cmd"}, map[string]any{
			"cmd": map[string]any{"type": "string", "description": "Command line to execute"},
		}),
		Invoke: func(ctx context.Context, args json.RawMessage) (any, error) {
			var p struct {
				Cmd string `json:"cmd"`
			}
			if err := decodeArgs(args, &p); err != nil {
				return nil, err
			}
			if p.Cmd == "" {
				return nil, fmt.Errorf("cmd is required")
			}

			runCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			cmd := exec.CommandContext(runCtx, "sh", "-c", p.Cmd)
			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr
			err := cmd.Run()

			if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("timeout after %s", timeout)
			}
			code := 0
			if err != nil {
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					code = exitErr.ExitCode()
				} else {
					return nil, fmt.Errorf("run command: %w", err)
				}
			}
			return map[string]any{
				"stdout": capString(stdout.String()),
				"stderr": capString(stderr.String()),
				"code":   code,
			}, nil
		},
		Preview: func(args json.RawMessage) string {
			var p struct {
				Cmd string `json:"cmd"`
			}
			if err := json.Unmarshal(args, &p); err != nil {
				return string(args)
			}
			return p.Cmd
		},
	}
}

// ShellCommand extracts the command string for policy reclassification.
func ShellCommand(args json.RawMessage) string {
	var p struct {
		Cmd string `json:"cmd"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return ""
	}
	return p.Cmd
}

func capString(s string) string {
	if len(s) > shellOutputCap {
		return s[:shellOutputCap] + "…[truncated]"
	}
	return s
}
