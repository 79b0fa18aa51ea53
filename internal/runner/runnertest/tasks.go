// Package runnertest provides a scriptable task runner for tests.
package runnertest

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/steveyegge/orchestrate/internal/runner"
	"github.com/steveyegge/orchestrate/internal/types"
)

// Tasks records task invocations and answers with scripted exit codes
type Tasks struct {
	// LogDir is reported as the directory of every log path
	LogDir string
	// Delay is how long each task "runs"
	Delay time.Duration
	// OnRun is called for every task before it returns
	OnRun func(task runner.Task)

	mu     sync.Mutex
	exit   map[string][]int
	def    map[string]int
	err    map[string]error
	calls  []runner.Task
	active int
	peak   int
}

// New creates a task runner that succeeds by default
func New() *Tasks {
	return &Tasks{
		LogDir: "logs",
		exit:   make(map[string][]int),
		def:    make(map[string]int),
		err:    make(map[string]error),
	}
}

// Exit queues exit codes for an item's next tasks, one per task. Once the
// queue is drained tasks exit with the item's default code.
func (t *Tasks) Exit(itemID string, codes ...int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exit[itemID] = append(t.exit[itemID], codes...)
}

// SetDefaultExit sets the exit code used when no queued code is left
func (t *Tasks) SetDefaultExit(itemID string, code int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.def[itemID] = code
}

// Fail makes every task for an item fail to start
func (t *Tasks) Fail(itemID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err[itemID] = err
}

// Calls returns the recorded tasks
func (t *Tasks) Calls() []runner.Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]runner.Task(nil), t.calls...)
}

// CallsFor returns the recorded tasks of one item and kind
func (t *Tasks) CallsFor(itemID string, kind runner.TaskKind) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.calls {
		if c.ItemID == itemID && c.Kind == kind {
			n++
		}
	}
	return n
}

// Peak returns the highest number of tasks that ran at once
func (t *Tasks) Peak() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peak
}

// LogPath mirrors runner.TaskRunner.LogPath
func (t *Tasks) LogPath(itemID string) string {
	return filepath.Join(t.LogDir, types.SafeFileName(itemID)+".log")
}

// Run records the task, waits Delay and returns the next scripted exit code
func (t *Tasks) Run(ctx context.Context, task runner.Task) (*runner.Result, error) {
	t.mu.Lock()
	t.calls = append(t.calls, task)
	if err := t.err[task.ItemID]; err != nil {
		t.mu.Unlock()
		return nil, err
	}
	t.active++
	if t.active > t.peak {
		t.peak = t.active
	}
	code := t.def[task.ItemID]
	if queue := t.exit[task.ItemID]; len(queue) > 0 {
		code = queue[0]
		t.exit[task.ItemID] = queue[1:]
	}
	t.mu.Unlock()

	if t.Delay > 0 {
		time.Sleep(t.Delay)
	}
	if t.OnRun != nil {
		t.OnRun(task)
	}

	t.mu.Lock()
	t.active--
	t.mu.Unlock()
	return &runner.Result{
		ExitCode: code,
		Duration: t.Delay,
		LogPath:  t.LogPath(task.ItemID),
		Tail:     []string{"task output for " + task.ItemID},
	}, nil
}
