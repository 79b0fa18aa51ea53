// Package runner runs external processes: the delegated task runner and the
// bounded pool that schedules it.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// maxTailLines bounds how much output is kept in memory for error reports.
// The full output always goes to the log file.
const maxTailLines = 40

// Command describes one subprocess invocation
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string // appended to the current environment

	// LogPath receives combined stdout/stderr. Appended, never truncated,
	// so retries and fix cycles accumulate in one file.
	LogPath string

	// Timeout kills the process after this long. Zero means no limit.
	Timeout time.Duration
}

// Result is the outcome of a finished subprocess
type Result struct {
	ExitCode int
	Duration time.Duration
	LogPath  string
	TimedOut bool
	Tail     []string // last lines of combined output
}

// Success reports whether the process exited zero within its timeout
func (r *Result) Success() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// TailText joins the captured tail lines
func (r *Result) TailText() string {
	return strings.Join(r.Tail, "\n")
}

// Runner starts a subprocess and waits for it. A non-zero exit is reported
// in the Result, not as an error; errors mean the process could not run.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// Exec runs commands with os/exec
type Exec struct{}

// Run starts cmd and waits for it. Cancelling ctx does not interrupt a
// started process; only cmd.Timeout does. A crashed or aborted orchestrator
// resumes from its checkpoints instead.
func (Exec) Run(ctx context.Context, c Command) (*Result, error) {
	if c.Name == "" {
		return nil, fmt.Errorf("command name is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	runCtx := context.WithoutCancel(ctx)
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, c.Timeout)
		defer cancel()
	}

	tail := &tailWriter{max: maxTailLines}
	var out io.Writer = tail
	if c.LogPath != "" {
		logFile, err := openLog(c.LogPath)
		if err != nil {
			return nil, err
		}
		defer logFile.Close()
		fmt.Fprintf(logFile, "\n=== %s %s (dir %s) at %s ===\n",
			c.Name, summarizeArgs(c.Args), c.Dir, time.Now().Format(time.RFC3339))
		out = io.MultiWriter(logFile, tail)
	}

	cmd := exec.CommandContext(runCtx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = 5 * time.Second
	isolateProcessGroup(cmd)

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Duration: time.Since(start),
		LogPath:  c.LogPath,
	}
	if runCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		if !result.TimedOut {
			result.ExitCode = exitErr.ExitCode()
		}
	case result.TimedOut:
	default:
		return nil, fmt.Errorf("failed to start %s: %w", c.Name, err)
	}
	result.Tail = tail.Lines()

	if c.LogPath != "" {
		if f, err := os.OpenFile(c.LogPath, os.O_APPEND|os.O_WRONLY, 0644); err == nil {
			fmt.Fprintf(f, "=== exit %d after %s (timed out: %v) ===\n",
				result.ExitCode, result.Duration.Round(time.Millisecond), result.TimedOut)
			f.Close()
		}
	}
	return result, nil
}

func openLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// summarizeArgs keeps log headers readable when an argument is a long prompt
func summarizeArgs(args []string) string {
	parts := make([]string, len(args))
	for i, a := range args {
		if len(a) > 80 || strings.Contains(a, "\n") {
			a = fmt.Sprintf("<%d bytes>", len(a))
		}
		parts[i] = a
	}
	return strings.Join(parts, " ")
}

// tailWriter keeps the last max lines written to it
type tailWriter struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial strings.Builder
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, b := range p {
		if b == '\n' {
			w.push(w.partial.String())
			w.partial.Reset()
			continue
		}
		w.partial.WriteByte(b)
	}
	return len(p), nil
}

func (w *tailWriter) push(line string) {
	w.lines = append(w.lines, line)
	if len(w.lines) > w.max {
		w.lines = w.lines[len(w.lines)-w.max:]
	}
}

// Lines returns the captured lines including any unterminated final line
func (w *tailWriter) Lines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := append([]string(nil), w.lines...)
	if w.partial.Len() > 0 {
		out = append(out, w.partial.String())
		if len(out) > w.max {
			out = out[len(out)-w.max:]
		}
	}
	return out
}
