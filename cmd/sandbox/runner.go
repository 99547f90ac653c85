package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// agentFunc runs one prompt in a workspace and returns the reply.
type agentFunc func(ctx context.Context, dir, prompt string) (string, error)

// runner executes the agent command as a subprocess.
type runner struct {
	cmd       []string
	timeout   time.Duration
	maxOutput int
}

func newRunner(cmd []string, timeout time.Duration, maxOutput int) *runner {
	if maxOutput <= 0 {
		maxOutput = 1 << 20
	}
	return &runner{cmd: cmd, timeout: timeout, maxOutput: maxOutput}
}

func (r *runner) run(ctx context.Context, dir, prompt string) (string, error) {
	if len(r.cmd) == 0 {
		return "", errors.New("no agent command configured")
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.cmd[0], r.cmd[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "THREADBOX_WORKSPACE="+dir)
	cmd.Stdin = strings.NewReader(prompt)
	stdout := &limitedWriter{limit: r.maxOutput}
	stderr := &limitedWriter{limit: 64 << 10}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	switch {
	case err == nil:
		return strings.TrimRight(stdout.String(), "\n"), nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return "", fmt.Errorf("agent timed out after %s", r.timeout)
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("agent exited with code %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return "", fmt.Errorf("agent: %w", err)
	}
}

// limitedWriter keeps the first limit bytes and discards the rest.
type limitedWriter struct {
	buf   bytes.Buffer
	limit int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if room := w.limit - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}

func (w *limitedWriter) String() string { return w.buf.String() }
