package executor

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/orchestrate/internal/ai"
	"github.com/steveyegge/orchestrate/internal/git"
	"github.com/steveyegge/orchestrate/internal/runner"
	"github.com/steveyegge/orchestrate/internal/runner/runnertest"
	"github.com/steveyegge/orchestrate/internal/sandbox"
	"github.com/steveyegge/orchestrate/internal/storage"
	"github.com/steveyegge/orchestrate/internal/tracker"
	"github.com/steveyegge/orchestrate/internal/tracker/trackertest"
	"github.com/steveyegge/orchestrate/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWorkspaces struct {
	mu       sync.Mutex
	root     string
	resolved map[string]bool // item -> concurrent
	reopened []string
	err      error
}

func (f *fakeWorkspaces) Resolve(ctx context.Context, itemID string, concurrent bool) (*sandbox.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.resolved[itemID] = concurrent
	path := f.root
	if concurrent {
		path = filepath.Join(f.root, "item-"+itemID)
	}
	return &sandbox.Workspace{ItemID: itemID, Path: path, Branch: sandbox.BranchName(itemID), Worktree: concurrent}, nil
}

func (f *fakeWorkspaces) Reopen(ctx context.Context, itemID, path string) (*sandbox.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reopened = append(f.reopened, itemID)
	return &sandbox.Workspace{ItemID: itemID, Path: path, Branch: sandbox.BranchName(itemID), Worktree: true}, nil
}

type fakeCommits struct{}

func (fakeCommits) CommitsBetween(ctx context.Context, repo, base, head string) ([]git.CommitInfo, error) {
	return []git.CommitInfo{{SHA: "c1-" + head, Subject: "implement"}, {SHA: "c2-" + head, Subject: "tests"}}, nil
}

type fakeTriage struct{}

func (fakeTriage) SummarizeFailure(ctx context.Context, f ai.Failure) (string, error) {
	return "tests failed in " + f.ItemID, nil
}

type harness struct {
	store      storage.Storage
	prs        *trackertest.Fake
	tasks      *runnertest.Tasks
	workspaces *fakeWorkspaces
	exec       *Executor
	milestone  *types.Milestone
	out        *bytes.Buffer
}

func newHarness(t *testing.T, parallel int) *harness {
	t.Helper()
	ctx := context.Background()
	store, err := storage.NewStorage(ctx, &storage.Config{Path: filepath.Join(t.TempDir(), "state.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m := &types.Milestone{Name: "epic-1"}
	require.NoError(t, store.CreateMilestone(ctx, m))

	h := &harness{
		store:      store,
		prs:        trackertest.New(),
		tasks:      runnertest.New(),
		workspaces: &fakeWorkspaces{root: t.TempDir(), resolved: make(map[string]bool)},
		milestone:  m,
		out:        &bytes.Buffer{},
	}
	// A successful task opens a pull request
	h.tasks.OnRun = func(task runner.Task) {
		n := len(h.tasks.Calls()) + 100
		h.prs.SetArtifact(task.ItemID, &tracker.Artifact{Number: n, State: tracker.PROpen, Branch: sandbox.BranchName(task.ItemID)})
	}
	h.exec, err = New(Config{
		Store:      store,
		Tracker:    h.prs,
		Workspaces: h.workspaces,
		Tasks:      h.tasks,
		Commits:    fakeCommits{},
		Triage:     fakeTriage{},
		Parallel:   parallel,
		Out:        h.out,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) items(t *testing.T, ids ...string) []Item {
	t.Helper()
	var items []Item
	for _, id := range ids {
		wf := &types.Workflow{WorkItemID: id}
		require.NoError(t, h.store.AssignWorkflow(context.Background(), h.milestone.ID, wf, 1))
		items = append(items, Item{WorkItem: types.WorkItem{ID: id, Title: "item " + id, State: types.ItemOpen}, Workflow: wf})
	}
	return items
}

func (h *harness) status(t *testing.T, wf *types.Workflow) types.Status {
	t.Helper()
	got, err := h.store.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	return got.Status
}

func (h *harness) actionNames(t *testing.T, wf *types.Workflow) []string {
	t.Helper()
	actions, err := h.store.ListActions(context.Background(), wf.ID)
	require.NoError(t, err)
	var names []string
	for _, a := range actions {
		if a.Name != types.ActionTransition {
			names = append(names, a.Name)
		}
	}
	return names
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestExecuteWaveIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 2)
	h.tasks.Exit("2", 1)
	items := h.items(t, "1", "2", "3")

	result, err := h.exec.ExecuteWave(ctx, h.milestone, 1, items)
	require.NoError(t, err)

	assert.Equal(t, []string{"2"}, result.Failed())
	assert.Equal(t, []string{"1", "3"}, result.Completed())
	assert.Equal(t, types.StatusCompleted, h.status(t, items[0].Workflow))
	assert.Equal(t, types.StatusFailed, h.status(t, items[1].Workflow))
	assert.Equal(t, types.StatusCompleted, h.status(t, items[2].Workflow))
	assert.True(t, h.workspaces.resolved["1"], "parallel runs use isolated worktrees")

	failure, err := h.store.ListActions(ctx, items[1].Workflow.ID)
	require.NoError(t, err)
	var exec *types.Action
	for _, a := range failure {
		if a.Name == types.ActionExecute {
			exec = a
		}
	}
	require.NotNil(t, exec)
	assert.Equal(t, types.ResultFailed, exec.Result)
	code, ok := exec.MetaInt(types.MetaExitCode)
	assert.True(t, ok)
	assert.Equal(t, 1, code)
	assert.Equal(t, "tests failed in 2", exec.MetaString(types.MetaSummary))
	assert.Equal(t, types.StateFailed, storage.LastTransition(failure))

	ok1 := result.Outcomes["1"]
	require.NotNil(t, ok1.Artifact)
	commits, err := h.store.ListCommits(ctx, items[0].Workflow.ID)
	require.NoError(t, err)
	assert.Len(t, commits, 2)

	var ie *types.ItemError
	require.True(t, errors.As(result.Outcomes["2"].Err, &ie))
	assert.Equal(t, "execute", ie.Stage)
	assert.Contains(t, h.out.String(), "#2 failed")
}

func TestExecuteWaveRespectsConcurrencyLimit(t *testing.T) {
	h := newHarness(t, 2)
	h.tasks.Delay = 30 * time.Millisecond
	items := h.items(t, "1", "2", "3", "4", "5")

	result, err := h.exec.ExecuteWave(context.Background(), h.milestone, 1, items)
	require.NoError(t, err)
	assert.Len(t, result.Completed(), 5)
	assert.LessOrEqual(t, h.tasks.Peak(), 2)
	assert.LessOrEqual(t, result.Peak, 2)
	assert.Equal(t, 2, result.Peak, "the pool keeps both slots busy")
}

func TestExecuteWaveSequentialUsesPrimaryRepo(t *testing.T) {
	h := newHarness(t, 1)
	items := h.items(t, "1")
	_, err := h.exec.ExecuteWave(context.Background(), h.milestone, 1, items)
	require.NoError(t, err)
	assert.False(t, h.workspaces.resolved["1"])
	assert.Equal(t, h.workspaces.root, items[0].Workflow.WorkspacePath)
}

func TestExecuteWaveReusesPreExistingArtifact(t *testing.T) {
	h := newHarness(t, 1)
	h.prs.SetArtifact("7", &tracker.Artifact{Number: 70, State: tracker.PRMerged})
	items := h.items(t, "7")

	result, err := h.exec.ExecuteWave(context.Background(), h.milestone, 1, items)
	require.NoError(t, err)
	assert.Empty(t, h.tasks.Calls(), "the task runner is not invoked")
	assert.Equal(t, OutcomeReused, result.Outcomes["7"].Kind)
	assert.Equal(t, types.StatusCompleted, h.status(t, items[0].Workflow))
	assert.Equal(t, []string{types.ActionArtifactFound}, h.actionNames(t, items[0].Workflow))
}

func TestExecuteWaveClosedArtifactIsRedone(t *testing.T) {
	h := newHarness(t, 1)
	h.prs.SetArtifact("8", &tracker.Artifact{Number: 80, State: tracker.PRClosed})
	items := h.items(t, "8")

	_, err := h.exec.ExecuteWave(context.Background(), h.milestone, 1, items)
	require.NoError(t, err)
	assert.Len(t, h.tasks.Calls(), 1)
}

func TestExecuteWaveSkipsCompletedAndRetriesFailed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	items := h.items(t, "1", "2")

	require.NoError(t, h.store.AppendAction(ctx, &types.Action{
		WorkflowID: items[0].Workflow.ID, Name: types.ActionExecute, Result: types.ResultSuccess,
		Metadata: map[string]any{types.MetaPRNumber: 11},
	}))
	require.NoError(t, h.store.SetWorkflowStatus(ctx, items[0].Workflow.ID, types.StatusCompleted))
	items[0].Workflow.Status = types.StatusCompleted
	h.prs.SetArtifact("1", &tracker.Artifact{Number: 11, State: tracker.PROpen})

	require.NoError(t, h.store.SetWorkflowStatus(ctx, items[1].Workflow.ID, types.StatusFailed))
	items[1].Workflow.Status = types.StatusFailed

	result, err := h.exec.ExecuteWave(ctx, h.milestone, 1, items)
	require.NoError(t, err)

	assert.Equal(t, OutcomeAlreadyCompleted, result.Outcomes["1"].Kind)
	require.NotNil(t, result.Outcomes["1"].Artifact)
	assert.Equal(t, 11, result.Outcomes["1"].Artifact.Number, "recorded evidence is reused")
	assert.Equal(t, 0, h.tasks.CallsFor("1", runner.TaskImplement))

	assert.Equal(t, OutcomeExecuted, result.Outcomes["2"].Kind)
	got, err := h.store.GetWorkflow(ctx, items[1].Workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, types.StatusCompleted, got.Status)
	assert.Contains(t, h.actionNames(t, items[1].Workflow), types.ActionRetry)
}

func TestExecuteWaveReopensRecordedWorkspace(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 2)
	items := h.items(t, "3")
	require.NoError(t, h.store.SetWorkflowWorkspace(ctx, items[0].Workflow.ID, "orchestrate/item-3", "/wt/item-3"))
	items[0].Workflow.WorkspacePath = "/wt/item-3"

	_, err := h.exec.ExecuteWave(ctx, h.milestone, 1, items)
	require.NoError(t, err)
	assert.Equal(t, []string{"3"}, h.workspaces.reopened)
	assert.Equal(t, "/wt/item-3", h.tasks.Calls()[0].Dir)
}

func TestExecuteWaveWorkspaceAndLookupFailures(t *testing.T) {
	t.Run("workspace", func(t *testing.T) {
		h := newHarness(t, 1)
		h.workspaces.err = errors.New("disk full")
		items := h.items(t, "1")
		result, err := h.exec.ExecuteWave(context.Background(), h.milestone, 1, items)
		require.NoError(t, err)
		assert.Equal(t, []string{"1"}, result.Failed())
		assert.Equal(t, types.StatusFailed, h.status(t, items[0].Workflow))
	})

	t.Run("tracker", func(t *testing.T) {
		h := newHarness(t, 1)
		h.prs.SetFindError(errors.New("rate limited"))
		items := h.items(t, "1")
		result, err := h.exec.ExecuteWave(context.Background(), h.milestone, 1, items)
		require.NoError(t, err)
		assert.Equal(t, []string{"1"}, result.Failed())
		assert.Empty(t, h.tasks.Calls())
	})
}

func TestExecuteWaveStopsOnPersistenceError(t *testing.T) {
	h := newHarness(t, 1)
	items := h.items(t, "1", "2")
	require.NoError(t, h.store.Close())

	_, err := h.exec.ExecuteWave(context.Background(), h.milestone, 1, items)
	require.Error(t, err)
	assert.True(t, types.IsPersistenceError(err))
	assert.Empty(t, h.tasks.Calls())
}
