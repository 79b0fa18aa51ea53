package gates

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

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
	root string
}

func (f *fakeWorkspaces) Resolve(ctx context.Context, itemID string, concurrent bool) (*sandbox.Workspace, error) {
	return &sandbox.Workspace{ItemID: itemID, Path: f.root, Branch: sandbox.BranchName(itemID)}, nil
}

func (f *fakeWorkspaces) Reopen(ctx context.Context, itemID, path string) (*sandbox.Workspace, error) {
	return &sandbox.Workspace{ItemID: itemID, Path: path, Branch: sandbox.BranchName(itemID), Worktree: true}, nil
}

type recordingSleep struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return ctx.Err()
}

type gateHarness struct {
	store storage.Storage
	prs   *trackertest.Fake
	tasks *runnertest.Tasks
	sleep *recordingSleep
	item  types.WorkItem
	wf    *types.Workflow
	pr    *tracker.Artifact
}

func newGateHarness(t *testing.T) *gateHarness {
	t.Helper()
	ctx := context.Background()
	store, err := storage.NewStorage(ctx, &storage.Config{Path: filepath.Join(t.TempDir(), "state.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	wf := &types.Workflow{WorkItemID: "5"}
	require.NoError(t, store.CreateWorkflow(ctx, wf))
	require.NoError(t, store.SetWorkflowStatus(ctx, wf.ID, types.StatusCompleted))
	wf.Status = types.StatusCompleted

	h := &gateHarness{
		store: store,
		prs:   trackertest.New(),
		tasks: runnertest.New(),
		sleep: &recordingSleep{},
		item:  types.WorkItem{ID: "5", Title: "add parser", State: types.ItemOpen},
		wf:    wf,
		pr:    &tracker.Artifact{Number: 50, State: tracker.PROpen, Branch: "orchestrate/item-5"},
	}
	h.prs.SetArtifact("5", h.pr)
	return h
}

func (h *gateHarness) gate(t *testing.T, mutate func(*Config)) *Gate {
	t.Helper()
	cfg := Config{
		Store:      h.store,
		Tracker:    h.prs,
		Workspaces: &fakeWorkspaces{root: t.TempDir()},
		Tasks:      h.tasks,
		Sleep:      h.sleep.sleep,
		Out:        &bytes.Buffer{},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	g, err := New(cfg)
	require.NoError(t, err)
	return g
}

func (h *gateHarness) path(t *testing.T) []types.PipelineState {
	t.Helper()
	actions, err := h.store.ListActions(context.Background(), h.wf.ID)
	require.NoError(t, err)
	var states []types.PipelineState
	for _, a := range actions {
		if a.Name == types.ActionTransition {
			states = append(states, types.PipelineState(a.MetaString(types.MetaTo)))
		}
	}
	return states
}

func pending() *tracker.CheckReport { return &tracker.CheckReport{Status: tracker.CIPending} }
func passed() *tracker.CheckReport  { return &tracker.CheckReport{Status: tracker.CIPassed} }
func failed(names ...string) *tracker.CheckReport {
	r := &tracker.CheckReport{Status: tracker.CIFailed}
	for _, n := range names {
		r.Failed = append(r.Failed, tracker.Check{Name: n, Bucket: "fail"})
	}
	return r
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestValidatePollsWithBackoffUntilCIPasses(t *testing.T) {
	h := newGateHarness(t)
	h.prs.QueueChecks(50, pending(), pending(), pending(), pending(), pending(), passed())
	g := h.gate(t, nil)

	out, err := g.Validate(context.Background(), h.item, h.wf, h.pr)
	require.NoError(t, err)
	assert.True(t, out.Ready)
	assert.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second, 60 * time.Second, 60 * time.Second}, h.sleep.waits)
	assert.Equal(t, []types.PipelineState{
		types.StateAwaitingCI, types.StateCIPassed, types.StateAwaitingReview,
		types.StateNotRequired, types.StateReady,
	}, h.path(t))

	got, err := h.store.GetWorkflow(context.Background(), h.wf.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseReview, got.Phase)
}

func TestValidateCITimeout(t *testing.T) {
	h := newGateHarness(t)
	h.prs.QueueChecks(50, pending())
	g := h.gate(t, func(c *Config) {
		c.Poll = PollConfig{Initial: 10 * time.Second, Max: 20 * time.Second, Timeout: time.Minute}
	})

	out, err := g.Validate(context.Background(), h.item, h.wf, h.pr)
	require.NoError(t, err)
	assert.False(t, out.Ready)
	assert.Contains(t, out.Reason, "did not finish")
	assert.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second, 20 * time.Second, 10 * time.Second}, h.sleep.waits)
	assert.Equal(t, 0, h.tasks.CallsFor("5", runner.TaskFixCI), "a timeout is not a CI failure")
}

func TestValidateCIFixLoopIsBounded(t *testing.T) {
	h := newGateHarness(t)
	h.prs.QueueChecks(50, failed("build", "lint"))
	g := h.gate(t, func(c *Config) { c.MaxCIAttempts = 2 })

	out, err := g.Validate(context.Background(), h.item, h.wf, h.pr)
	require.NoError(t, err)
	assert.False(t, out.Ready)
	assert.Contains(t, out.Reason, "after 2 fix attempt(s)")
	assert.Equal(t, 2, h.tasks.CallsFor("5", runner.TaskFixCI))

	calls := h.tasks.Calls()
	require.NotEmpty(t, calls)
	assert.Contains(t, calls[0].Prompt, "- build")
	assert.Contains(t, calls[0].Prompt, "gh pr checkout 50")

	states := h.path(t)
	assert.Equal(t, types.StateFailed, states[len(states)-1])
}

func TestValidateFailureMarksWorkflowFailed(t *testing.T) {
	ctx := context.Background()
	h := newGateHarness(t)
	h.prs.QueueChecks(50, failed("test"))
	g := h.gate(t, func(c *Config) { c.MaxCIAttempts = -1 })

	out, err := g.Validate(ctx, h.item, h.wf, h.pr)
	require.NoError(t, err)
	assert.False(t, out.Ready)
	assert.Equal(t, types.StatusFailed, h.wf.Status)

	got, err := h.store.GetWorkflow(ctx, h.wf.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status, "a rejected item must not look delivered")
}

func TestValidateCIFixRecovers(t *testing.T) {
	h := newGateHarness(t)
	h.prs.QueueChecks(50, failed("test"), pending(), passed())
	g := h.gate(t, nil)

	out, err := g.Validate(context.Background(), h.item, h.wf, h.pr)
	require.NoError(t, err)
	assert.True(t, out.Ready)
	assert.Equal(t, 1, h.tasks.CallsFor("5", runner.TaskFixCI))
	assert.Equal(t, []types.PipelineState{
		types.StateAwaitingCI, types.StateCIFailed, types.StateFixAttempt, types.StateAwaitingCI,
		types.StateCIPassed, types.StateAwaitingReview, types.StateNotRequired, types.StateReady,
	}, h.path(t))
}

func TestValidateFailedFixTaskStopsTheLoop(t *testing.T) {
	h := newGateHarness(t)
	h.prs.QueueChecks(50, failed("test"))
	h.tasks.Exit("5", 2)
	g := h.gate(t, nil)

	out, err := g.Validate(context.Background(), h.item, h.wf, h.pr)
	require.NoError(t, err)
	assert.False(t, out.Ready)
	assert.Contains(t, out.Reason, "exited with code 2")
	assert.Equal(t, 1, h.tasks.CallsFor("5", runner.TaskFixCI))
}

func TestValidateReviewFixCycles(t *testing.T) {
	h := newGateHarness(t)
	h.prs.QueueDecisions(50, tracker.ReviewChangesRequested, tracker.ReviewChangesRequested, tracker.ReviewApproved)
	h.prs.SetFeedback(50, &tracker.Feedback{
		Inline: []tracker.Comment{{Author: "ann", Body: "off by one", Path: "parse.go", Line: 9}},
	})
	g := h.gate(t, func(c *Config) { c.MaxReviewFixes = 2 })

	out, err := g.Validate(context.Background(), h.item, h.wf, h.pr)
	require.NoError(t, err)
	assert.True(t, out.Ready)
	assert.Equal(t, "approved", out.Reason)
	assert.Equal(t, 2, h.tasks.CallsFor("5", runner.TaskFixReview))
	assert.Equal(t, 3, h.prs.Calls("checks 50"), "CI is re-run after every review fix")
	assert.Contains(t, h.tasks.Calls()[0].Prompt, "parse.go:9")
}

func TestValidateReviewFixesExhausted(t *testing.T) {
	h := newGateHarness(t)
	h.prs.QueueDecisions(50, tracker.ReviewChangesRequested)
	g := h.gate(t, func(c *Config) { c.MaxReviewFixes = 1 })

	out, err := g.Validate(context.Background(), h.item, h.wf, h.pr)
	require.NoError(t, err)
	assert.False(t, out.Ready)
	assert.Contains(t, out.Reason, "after 1 review fix cycle(s)")
	assert.Equal(t, 1, h.tasks.CallsFor("5", runner.TaskFixReview))
}

func TestValidateNoReviewFixBudget(t *testing.T) {
	h := newGateHarness(t)
	h.prs.QueueDecisions(50, tracker.ReviewChangesRequested)
	g := h.gate(t, func(c *Config) { c.MaxReviewFixes = -1 })

	out, err := g.Validate(context.Background(), h.item, h.wf, h.pr)
	require.NoError(t, err)
	assert.False(t, out.Ready)
	assert.Empty(t, h.tasks.Calls())
}

func TestValidateSkips(t *testing.T) {
	h := newGateHarness(t)
	h.prs.QueueDecisions(50, tracker.ReviewChangesRequested)
	g := h.gate(t, func(c *Config) { c.SkipCI = true; c.SkipReview = true })

	out, err := g.Validate(context.Background(), h.item, h.wf, h.pr)
	require.NoError(t, err)
	assert.True(t, out.Ready)
	assert.Equal(t, 0, h.prs.Calls("checks"))
	assert.Equal(t, 0, h.prs.Calls("decision"))
}

func TestValidateNoChecksGrace(t *testing.T) {
	h := newGateHarness(t)
	h.prs.QueueChecks(50, &tracker.CheckReport{Status: tracker.CINone})
	g := h.gate(t, nil)

	out, err := g.Validate(context.Background(), h.item, h.wf, h.pr)
	require.NoError(t, err)
	assert.True(t, out.Ready)
	assert.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second}, h.sleep.waits)
}

func TestNoChecksGraceDefaults(t *testing.T) {
	h := newGateHarness(t)
	assert.Equal(t, 30*time.Second, h.gate(t, nil).config.Poll.NoChecksGrace, "zero means the default")

	g := h.gate(t, func(c *Config) { c.Poll.NoChecksGrace = -1 })
	assert.Zero(t, g.config.Poll.NoChecksGrace)

	h.prs.QueueChecks(50, &tracker.CheckReport{Status: tracker.CINone})
	out, err := g.Validate(context.Background(), h.item, h.wf, h.pr)
	require.NoError(t, err)
	assert.True(t, out.Ready)
	assert.Empty(t, h.sleep.waits, "no grace period was requested")
}

func TestValidateArtifactStates(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		h := newGateHarness(t)
		out, err := h.gate(t, nil).Validate(context.Background(), h.item, h.wf, nil)
		require.NoError(t, err)
		assert.False(t, out.Ready)
		assert.Contains(t, out.Reason, "no pull request")
	})

	t.Run("merged", func(t *testing.T) {
		h := newGateHarness(t)
		h.prs.MarkMerged(50)
		out, err := h.gate(t, nil).Validate(context.Background(), h.item, h.wf, h.pr)
		require.NoError(t, err)
		assert.True(t, out.Ready)
		assert.True(t, out.AlreadyMerged)
		assert.Equal(t, 0, h.prs.Calls("checks"))
	})

	t.Run("closed", func(t *testing.T) {
		h := newGateHarness(t)
		h.prs.SetArtifact("5", &tracker.Artifact{Number: 50, State: tracker.PRClosed})
		out, err := h.gate(t, nil).Validate(context.Background(), h.item, h.wf, h.pr)
		require.NoError(t, err)
		assert.False(t, out.Ready)
		assert.Contains(t, out.Reason, "closed")
	})
}

func TestConsolidateFeedback(t *testing.T) {
	long := strings.Repeat("x", MaxCommentChars+500)
	text := ConsolidateFeedback(&tracker.Feedback{
		Inline:       []tracker.Comment{{Author: "ann", Body: "rename\nthis", Path: "a.go", Line: 3}},
		Reviews:      []tracker.Comment{{Author: "bob", Body: long}},
		Conversation: []tracker.Comment{{Body: "thanks"}},
	})
	assert.Contains(t, text, "**ann** on `a.go:3`")
	assert.Contains(t, text, "  > this")
	assert.Contains(t, text, "(truncated)")
	assert.NotContains(t, text, strings.Repeat("x", MaxCommentChars+1))
	assert.Contains(t, text, "**reviewer**")

	assert.Contains(t, ConsolidateFeedback(&tracker.Feedback{}), "no feedback")
	assert.Contains(t, ConsolidateFeedback(nil), "no feedback")
}
