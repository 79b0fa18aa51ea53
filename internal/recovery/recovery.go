// Package recovery rebuilds a milestone's state from the checkpoint store
// and reconciles it with the tracker before a resumed run continues.
package recovery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/fatih/color"
	"github.com/steveyegge/orchestrate/internal/sandbox"
	"github.com/steveyegge/orchestrate/internal/storage"
	"github.com/steveyegge/orchestrate/internal/telemetry"
	"github.com/steveyegge/orchestrate/internal/tracker"
	"github.com/steveyegge/orchestrate/internal/types"
	"go.opentelemetry.io/otel/trace"
)

// Kind classifies what recovery decided for one workflow
type Kind string

const (
	// KindDone: merged in an earlier run
	KindDone Kind = "done"
	// KindRevalidate: execution finished but the gate or merge never
	// reached a terminal action
	KindRevalidate Kind = "revalidate"
	// KindRecovered: an artifact was found for an unfinished workflow; it
	// was promoted to completed and still needs validation
	KindRecovered Kind = "recovered"
	// KindRetry: no artifact exists; the workflow is failed and will run again
	KindRetry Kind = "retry"
)

// Outcome is the recovery decision for one item
type Outcome struct {
	ItemID   string
	Kind     Kind
	PRNumber int
	Reason   string

	// Rejected is set when the last gate or merge verdict was a failure.
	// The item stays failed until it passes validation again.
	Rejected bool
}

// Result is the reconstructed state of a milestone
type Result struct {
	Waves     []types.Wave
	Workflows map[string]*types.Workflow // item id -> workflow
	Outcomes  map[string]Outcome
}

// Failed returns the items that are failed after recovery. Later waves
// are gated on these until they run again.
func (r *Result) Failed() map[string]bool {
	failed := make(map[string]bool)
	for id, o := range r.Outcomes {
		if o.Kind == KindRetry || o.Rejected {
			failed[id] = true
		}
	}
	return failed
}

// Done reports whether an item needs no further work
func (r *Result) Done(itemID string) bool {
	return r.Outcomes[itemID].Kind == KindDone
}

// Count returns how many outcomes have the given kind
func (r *Result) Count(kind Kind) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Kind == kind {
			n++
		}
	}
	return n
}

// Config holds recovery manager configuration
type Config struct {
	Store   storage.Storage
	Tracker tracker.PullRequests
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Out     io.Writer
}

// Manager reconciles persisted workflows with the tracker
type Manager struct {
	store   storage.Storage
	tracker tracker.PullRequests
	logger  *slog.Logger
	tracer  trace.Tracer
	out     io.Writer
}

// New creates a recovery manager
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if cfg.Tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	m := &Manager{store: cfg.Store, tracker: cfg.Tracker, logger: cfg.Logger, tracer: cfg.Tracer, out: cfg.Out}
	if m.logger == nil {
		m.logger = telemetry.DiscardLogger()
	}
	if m.tracer == nil {
		m.tracer = telemetry.Noop().Tracer
	}
	if m.out == nil {
		m.out = os.Stdout
	}
	return m, nil
}

// Recover reloads every workflow linked to the milestone and reconciles it
// with the tracker. items supplies the current tracker view of each work
// item; ids missing from it are checked by branch only. Recover is
// idempotent: a second call over the same state changes nothing.
func (m *Manager) Recover(ctx context.Context, milestone *types.Milestone, items map[string]types.WorkItem) (*Result, error) {
	ctx, span := telemetry.StartSpan(ctx, m.tracer, "orchestrate.recover",
		telemetry.AttrMilestone.String(milestone.Name))
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	if milestone.Status != types.StatusCompleted {
		if err = m.store.ReopenMilestone(ctx, milestone.ID); err != nil {
			err = storage.Persist("reopen milestone", err)
			return nil, err
		}
		milestone.Status = types.StatusRunning
	}

	var links []*types.LinkedWorkflow
	links, err = m.store.ListLinks(ctx, milestone.ID)
	if err != nil {
		err = storage.Persist("list links", err)
		return nil, err
	}

	result := &Result{
		Workflows: make(map[string]*types.Workflow, len(links)),
		Outcomes:  make(map[string]Outcome, len(links)),
	}
	byWave := make(map[int][]string)
	for _, link := range links {
		wf := link.Workflow
		result.Workflows[wf.WorkItemID] = wf
		byWave[link.WaveNumber] = append(byWave[link.WaveNumber], wf.WorkItemID)

		item, ok := items[wf.WorkItemID]
		if !ok {
			item = types.WorkItem{ID: wf.WorkItemID, State: types.ItemOpen}
		}
		var outcome Outcome
		outcome, err = m.reconcile(ctx, item, wf)
		if err != nil {
			return nil, err
		}
		result.Outcomes[wf.WorkItemID] = outcome
	}

	for number, ids := range byWave {
		types.SortIDs(ids)
		result.Waves = append(result.Waves, types.Wave{Number: number, Items: ids})
	}
	sort.Slice(result.Waves, func(i, j int) bool { return result.Waves[i].Number < result.Waves[j].Number })

	fmt.Fprintf(m.out, "%s Recovered %s: %d done, %d to revalidate, %d found, %d to retry\n",
		color.CyanString("▶"), milestone.Name,
		result.Count(KindDone), result.Count(KindRevalidate), result.Count(KindRecovered), result.Count(KindRetry))
	m.logger.Info("recovery complete", "milestone", milestone.Name, "workflows", len(links),
		"done", result.Count(KindDone), "retry", result.Count(KindRetry))
	return result, nil
}

func (m *Manager) reconcile(ctx context.Context, item types.WorkItem, wf *types.Workflow) (Outcome, error) {
	outcome := Outcome{ItemID: item.ID}
	actions, err := m.store.ListActions(ctx, wf.ID)
	if err != nil {
		return outcome, storage.Persist("list actions", err)
	}
	state := storage.LastTransition(actions)
	outcome.Rejected = rejected(actions)

	if wf.Status == types.StatusCompleted {
		if merged(actions) {
			outcome.Kind = KindDone
			outcome.Rejected = false
			// Interrupted between the merge and its final transition
			if state == types.StateMerged {
				if err := storage.Transition(ctx, m.store, wf.ID, state, types.StateCompleted, "recovered"); err != nil {
					return outcome, err
				}
			}
			return outcome, nil
		}
		outcome.Kind = KindRevalidate
		return outcome, m.rewind(ctx, wf, state)
	}

	// Rejected work stays failed; the retry reuses its artifact
	var artifact *tracker.Artifact
	if !outcome.Rejected {
		artifact, err = m.findArtifact(ctx, item, wf, actions)
		if err != nil {
			m.logger.Warn("artifact lookup failed during recovery", "item", item.ID, "error", err)
			outcome.Reason = err.Error()
		}
	}
	if artifact != nil {
		outcome.Kind = KindRecovered
		outcome.PRNumber = artifact.Number
		return outcome, m.promote(ctx, wf, state, artifact)
	}

	outcome.Kind = KindRetry
	if wf.Status != types.StatusFailed {
		if err := m.store.SetWorkflowStatus(ctx, wf.ID, types.StatusFailed); err != nil {
			return outcome, storage.Persist("mark failed", err)
		}
		wf.Status = types.StatusFailed
	}
	if state.CanTransitionTo(types.StateFailed) {
		if err := storage.Transition(ctx, m.store, wf.ID, state, types.StateFailed, "interrupted before an artifact existed"); err != nil {
			return outcome, err
		}
	}
	return outcome, nil
}

// findArtifact prefers recorded evidence and falls back to a live lookup
func (m *Manager) findArtifact(ctx context.Context, item types.WorkItem, wf *types.Workflow, actions []*types.Action) (*tracker.Artifact, error) {
	if pr := storage.ArtifactEvidence(actions); pr > 0 {
		a, err := m.tracker.GetArtifact(ctx, pr)
		if err == nil && a != nil && a.State != tracker.PRClosed {
			return a, nil
		}
		if err != nil {
			m.logger.Warn("recorded artifact lookup failed", "item", item.ID, "pr", pr, "error", err)
		}
	}
	branch := wf.Branch
	if branch == "" {
		branch = sandbox.BranchName(item.ID)
	}
	return m.tracker.FindArtifact(ctx, item, branch)
}

func (m *Manager) promote(ctx context.Context, wf *types.Workflow, state types.PipelineState, a *tracker.Artifact) error {
	if err := m.store.SetWorkflowStatus(ctx, wf.ID, types.StatusCompleted); err != nil {
		return storage.Persist("promote workflow", err)
	}
	wf.Status = types.StatusCompleted
	if err := storage.Record(ctx, m.store, wf.ID, types.ActionRecovered, types.ResultSuccess, map[string]any{
		types.MetaPRNumber: a.Number,
		types.MetaPRURL:    a.URL,
	}); err != nil {
		return err
	}
	if err := m.rewind(ctx, wf, state); err != nil {
		return err
	}
	fmt.Fprintf(m.out, "  %s #%s has PR #%d, not re-executing\n", color.GreenString("✓"), wf.WorkItemID, a.Number)
	m.logger.Info("workflow recovered from artifact", "item", wf.WorkItemID, "pr", a.Number)
	return nil
}

// rewind moves the pipeline back to completed so the gate starts over
func (m *Manager) rewind(ctx context.Context, wf *types.Workflow, state types.PipelineState) error {
	if state == types.StateCompleted {
		return nil
	}
	if !state.CanTransitionTo(types.StateCompleted) {
		if state.CanTransitionTo(types.StateFailed) {
			if err := storage.Transition(ctx, m.store, wf.ID, state, types.StateFailed, "interrupted"); err != nil {
				return err
			}
		}
		state = types.StateFailed
	}
	return storage.Transition(ctx, m.store, wf.ID, state, types.StateCompleted, "requeued for validation")
}

// rejected reports whether the latest gate or merge verdict was a failure.
// Pending merges carry no verdict.
func rejected(actions []*types.Action) bool {
	for i := len(actions) - 1; i >= 0; i-- {
		a := actions[i]
		if a.Name != types.ActionGate && a.Name != types.ActionMerge {
			continue
		}
		if a.Result == types.ResultPending {
			continue
		}
		return a.Result == types.ResultFailed
	}
	return false
}

// merged reports whether a merge action succeeded
func merged(actions []*types.Action) bool {
	for i := len(actions) - 1; i >= 0; i-- {
		a := actions[i]
		if a.Name == types.ActionMerge && a.Result == types.ResultSuccess {
			return true
		}
	}
	return false
}
