package runner

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/orchestrate/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecRunCapturesExitCodeAndLog(t *testing.T) {
	requireShell(t)
	logPath := filepath.Join(t.TempDir(), "logs", "item-1.log")

	res, err := Exec{}.Run(context.Background(), Command{
		Name:    "sh",
		Args:    []string{"-c", "echo hello; echo oops >&2; exit 3"},
		LogPath: logPath,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.Success())
	assert.Contains(t, res.TailText(), "hello")
	assert.Contains(t, res.TailText(), "oops")

	// Second run appends
	res, err = Exec{}.Run(context.Background(), Command{
		Name:    "sh",
		Args:    []string{"-c", "echo again"},
		LogPath: logPath,
	})
	require.NoError(t, err)
	assert.True(t, res.Success())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	log := string(data)
	assert.Contains(t, log, "hello")
	assert.Contains(t, log, "again")
	assert.Equal(t, 2, strings.Count(log, "=== exit"))
}

func TestExecRunTimeout(t *testing.T) {
	requireShell(t)
	res, err := Exec{}.Run(context.Background(), Command{
		Name:    "sh",
		Args:    []string{"-c", "sleep 5"},
		Timeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.False(t, res.Success())
	assert.Less(t, res.Duration, 5*time.Second)
}

func TestExecRunTimeoutKillsChildren(t *testing.T) {
	requireShell(t)
	start := time.Now()
	res, err := Exec{}.Run(context.Background(), Command{
		Name:    "sh",
		Args:    []string{"-c", "sleep 30 & sleep 30; wait"},
		Timeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), 3*time.Second, "grandchildren holding the output pipe must not delay the result")
}

func TestExecRunMissingBinary(t *testing.T) {
	_, err := Exec{}.Run(context.Background(), Command{Name: "definitely-not-a-real-binary-xyz"})
	assert.Error(t, err)

	_, err = Exec{}.Run(context.Background(), Command{})
	assert.Error(t, err)
}

func TestTailWriterKeepsLastLines(t *testing.T) {
	w := &tailWriter{max: 3}
	_, _ = w.Write([]byte("a\nb\nc\nd\ne"))
	assert.Equal(t, []string{"c", "d", "e"}, w.Lines())
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool(2)
	var mu sync.Mutex
	done := 0
	for i := 0; i < 6; i++ {
		require.NoError(t, p.Go(context.Background(), func() {
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			done++
			mu.Unlock()
		}))
	}
	p.Wait()
	assert.Equal(t, 6, done)
	assert.Equal(t, 2, p.Peak())
	assert.Equal(t, 2, p.Size())
}

func TestPoolStartsNextJobWhenSlotFrees(t *testing.T) {
	p := NewPool(2)
	slow := make(chan struct{})
	started := make(chan int, 3)

	require.NoError(t, p.Go(context.Background(), func() { started <- 1; <-slow }))
	require.NoError(t, p.Go(context.Background(), func() { started <- 2 }))
	// The third job must start while job 1 is still blocked
	require.NoError(t, p.Go(context.Background(), func() { started <- 3 }))

	got := map[int]bool{}
	for i := 0; i < 3; i++ {
		select {
		case n := <-started:
			got[n] = true
		case <-time.After(2 * time.Second):
			t.Fatal("job did not start")
		}
	}
	close(slow)
	p.Wait()
	assert.Len(t, got, 3)
}

func TestPoolCancelledWhileWaiting(t *testing.T) {
	p := NewPool(1)
	block := make(chan struct{})
	require.NoError(t, p.Go(context.Background(), func() { <-block }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, p.Go(ctx, func() { t.Error("must not run") }))
	close(block)
	p.Wait()
}

func TestPromptBuilder(t *testing.T) {
	b, err := NewPromptBuilder()
	require.NoError(t, err)
	item := &types.WorkItem{ID: "42", Title: "Add login", Body: "Users need to log in.", State: types.ItemOpen}

	prompt, err := b.Build(TaskImplement, &PromptContext{Item: item, Branch: "orchestrate/item-42", BaseBranch: "main"})
	require.NoError(t, err)
	assert.Contains(t, prompt, "#42 - Add login")
	assert.Contains(t, prompt, "Users need to log in.")
	assert.Contains(t, prompt, "Closes #42")

	prompt, err = b.Build(TaskFixCI, &PromptContext{Item: item, Branch: "b", PRNumber: 7, FailedChecks: []string{"lint", "test"}})
	require.NoError(t, err)
	assert.Contains(t, prompt, "- lint")
	assert.Contains(t, prompt, "gh pr checks 7")

	prompt, err = b.Build(TaskFixReview, &PromptContext{Item: item, Branch: "b", PRNumber: 7, Feedback: "rename foo"})
	require.NoError(t, err)
	assert.Contains(t, prompt, "rename foo")

	_, err = b.Build("deploy", &PromptContext{Item: item})
	assert.Error(t, err)
	_, err = b.Build(TaskImplement, &PromptContext{})
	assert.Error(t, err)
}

type recordingRunner struct {
	cmds []Command
	exit int
}

func (r *recordingRunner) Run(_ context.Context, c Command) (*Result, error) {
	r.cmds = append(r.cmds, c)
	return &Result{ExitCode: r.exit, LogPath: c.LogPath}, nil
}

func TestTaskRunnerBuildsInvocation(t *testing.T) {
	rec := &recordingRunner{}
	tr, err := NewTaskRunner(TaskConfig{
		Model:     "opus",
		MaxBudget: 2.5,
		Timeout:   time.Minute,
		LogDir:    "/state/logs/epic-1",
	}, rec)
	require.NoError(t, err)

	res, err := tr.Run(context.Background(), Task{Kind: TaskImplement, ItemID: "#12", Prompt: "do it", Dir: "/repo"})
	require.NoError(t, err)
	assert.True(t, res.Success())

	require.Len(t, rec.cmds, 1)
	c := rec.cmds[0]
	assert.Equal(t, "claude", c.Name)
	assert.Equal(t, []string{"-p", "do it", "--model", "opus", "--max-budget-usd", "2.5", "--dangerously-skip-permissions"}, c.Args)
	assert.Equal(t, "/repo", c.Dir)
	assert.Equal(t, filepath.Join("/state/logs/epic-1", "12.log"), c.LogPath)
	assert.Equal(t, time.Minute, c.Timeout)
	assert.Contains(t, c.Env, "ORCHESTRATE_TASK=implement")
}

func TestTaskRunnerValidation(t *testing.T) {
	_, err := NewTaskRunner(TaskConfig{}, nil)
	assert.Error(t, err)
	_, err = NewTaskRunner(TaskConfig{LogDir: "x", MaxBudget: -1}, nil)
	assert.Error(t, err)

	tr, err := NewTaskRunner(TaskConfig{LogDir: "x"}, &recordingRunner{})
	require.NoError(t, err)
	_, err = tr.Run(context.Background(), Task{ItemID: "1", Dir: "/repo"})
	assert.Error(t, err)
	_, err = tr.Run(context.Background(), Task{ItemID: "1", Prompt: "p"})
	assert.Error(t, err)
	assert.NotContains(t, tr.Args(Task{Prompt: "p"}), "--model")
}
