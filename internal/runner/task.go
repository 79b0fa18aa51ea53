package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/steveyegge/orchestrate/internal/types"
)

// TaskConfig configures the delegated task runner
type TaskConfig struct {
	// Command is the task-runner executable (default "claude")
	Command string

	// Model is passed as --model when set
	Model string

	// MaxBudget is the per-task spend cap in USD; zero means none
	MaxBudget float64

	// Timeout bounds each task
	Timeout time.Duration

	// ExtraArgs are appended to every invocation
	ExtraArgs []string

	// LogDir holds one log file per item
	LogDir string
}

// Task is one delegation to the task runner
type Task struct {
	Kind   TaskKind
	ItemID string
	Prompt string
	Dir    string
}

// TaskRunner delegates work items to an external coding agent
type TaskRunner struct {
	config  TaskConfig
	process Runner
}

// NewTaskRunner creates a task runner. A nil process uses Exec.
func NewTaskRunner(cfg TaskConfig, process Runner) (*TaskRunner, error) {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	if cfg.LogDir == "" {
		return nil, fmt.Errorf("LogDir cannot be empty")
	}
	if cfg.MaxBudget < 0 {
		return nil, fmt.Errorf("max budget must be non-negative (got %v)", cfg.MaxBudget)
	}
	if process == nil {
		process = Exec{}
	}
	return &TaskRunner{config: cfg, process: process}, nil
}

// LogPath returns the log file for an item
func (r *TaskRunner) LogPath(itemID string) string {
	return filepath.Join(r.config.LogDir, types.SafeFileName(itemID)+".log")
}

// Args builds the task-runner argument list for a task
func (r *TaskRunner) Args(task Task) []string {
	args := []string{"-p", task.Prompt}
	if r.config.Model != "" {
		args = append(args, "--model", r.config.Model)
	}
	if r.config.MaxBudget > 0 {
		args = append(args, "--max-budget-usd", strconv.FormatFloat(r.config.MaxBudget, 'f', -1, 64))
	}
	// Autonomous runs cannot answer permission prompts
	args = append(args, "--dangerously-skip-permissions")
	return append(args, r.config.ExtraArgs...)
}

// Run executes a task and waits for it
func (r *TaskRunner) Run(ctx context.Context, task Task) (*Result, error) {
	if task.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	if task.Dir == "" {
		return nil, fmt.Errorf("working directory is required")
	}
	return r.process.Run(ctx, Command{
		Name:    r.config.Command,
		Args:    r.Args(task),
		Dir:     task.Dir,
		Env:     []string{"ORCHESTRATE_ITEM=" + task.ItemID, "ORCHESTRATE_TASK=" + string(task.Kind)},
		LogPath: r.LogPath(task.ItemID),
		Timeout: r.config.Timeout,
	})
}
