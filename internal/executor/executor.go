// Package executor runs the pending items of a wave through the delegated
// task runner with bounded concurrency.
package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/steveyegge/orchestrate/internal/ai"
	"github.com/steveyegge/orchestrate/internal/git"
	"github.com/steveyegge/orchestrate/internal/runner"
	"github.com/steveyegge/orchestrate/internal/sandbox"
	"github.com/steveyegge/orchestrate/internal/storage"
	"github.com/steveyegge/orchestrate/internal/telemetry"
	"github.com/steveyegge/orchestrate/internal/tracker"
	"github.com/steveyegge/orchestrate/internal/types"
	"go.opentelemetry.io/otel/trace"
)

// Workspaces hands out isolated working directories
type Workspaces interface {
	Resolve(ctx context.Context, itemID string, concurrent bool) (*sandbox.Workspace, error)
	Reopen(ctx context.Context, itemID, path string) (*sandbox.Workspace, error)
}

// Tasks runs the delegated task runner
type Tasks interface {
	Run(ctx context.Context, task runner.Task) (*runner.Result, error)
	LogPath(itemID string) string
}

// CommitLister lists the commits a branch adds on top of its base
type CommitLister interface {
	CommitsBetween(ctx context.Context, repoPath, base, head string) ([]git.CommitInfo, error)
}

// Summarizer explains a task failure in a sentence or two
type Summarizer interface {
	SummarizeFailure(ctx context.Context, f ai.Failure) (string, error)
}

// Config holds executor configuration
type Config struct {
	Store      storage.Storage
	Tracker    tracker.PullRequests
	Workspaces Workspaces
	Tasks      Tasks
	Prompts    *runner.PromptBuilder
	Commits    CommitLister // Optional: records commits produced by each task
	Triage     Summarizer   // Optional: adds a failure summary to failed actions

	Parallel   int    // Maximum concurrent task runners (default: 1)
	BaseBranch string // Branch work branches start from (default: "main")

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *telemetry.Metrics
	Out     io.Writer // Console progress (default: os.Stdout)
}

// Executor runs waves of work items
type Executor struct {
	config Config
	logger *slog.Logger
	tracer trace.Tracer

	outMu sync.Mutex
	out   io.Writer
}

// New creates a new executor
func New(cfg Config) (*Executor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if cfg.Tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if cfg.Workspaces == nil {
		return nil, fmt.Errorf("workspace manager is required")
	}
	if cfg.Tasks == nil {
		return nil, fmt.Errorf("task runner is required")
	}
	if cfg.Prompts == nil {
		prompts, err := runner.NewPromptBuilder()
		if err != nil {
			return nil, err
		}
		cfg.Prompts = prompts
	}
	if cfg.Parallel < 1 {
		cfg.Parallel = 1
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	e := &Executor{config: cfg, logger: cfg.Logger, tracer: cfg.Tracer, out: cfg.Out}
	if e.logger == nil {
		e.logger = telemetry.DiscardLogger()
	}
	if e.tracer == nil {
		e.tracer = telemetry.Noop().Tracer
	}
	if e.out == nil {
		e.out = os.Stdout
	}
	return e, nil
}

// Item pairs a work item with its checkpointed workflow
type Item struct {
	WorkItem types.WorkItem
	Workflow *types.Workflow
}

// OutcomeKind classifies how an item left the executor
type OutcomeKind string

const (
	OutcomeExecuted         OutcomeKind = "executed"
	OutcomeReused           OutcomeKind = "reused"
	OutcomeAlreadyCompleted OutcomeKind = "already_completed"
	OutcomeFailed           OutcomeKind = "failed"
)

// Outcome is the result of executing one item
type Outcome struct {
	ItemID    string
	Kind      OutcomeKind
	Artifact  *tracker.Artifact
	Workspace *sandbox.Workspace
	Err       error // *types.ItemError when Kind is OutcomeFailed
}

// WaveResult collects the outcomes of one wave
type WaveResult struct {
	Wave     int
	Outcomes map[string]*Outcome
	Peak     int // highest number of task runners that ran at once
}

// Failed returns the ids of failed items in natural order
func (r *WaveResult) Failed() []string {
	return r.ids(func(o *Outcome) bool { return o.Kind == OutcomeFailed })
}

// Completed returns the ids of items whose execution succeeded
func (r *WaveResult) Completed() []string {
	return r.ids(func(o *Outcome) bool { return o.Kind != OutcomeFailed })
}

func (r *WaveResult) ids(keep func(*Outcome) bool) []string {
	var ids []string
	for id, o := range r.Outcomes {
		if keep(o) {
			ids = append(ids, id)
		}
	}
	types.SortIDs(ids)
	return ids
}

// ExecuteWave runs every item of a wave. Items already completed are
// skipped, failed ones are retried. One item's failure never stops its
// siblings; the returned error is only set when the checkpoint store fails,
// in which case no further items are started.
func (e *Executor) ExecuteWave(ctx context.Context, milestone *types.Milestone, wave int, items []Item) (*WaveResult, error) {
	ctx, span := telemetry.StartSpan(ctx, e.tracer, "orchestrate.execute_wave",
		telemetry.AttrMilestone.String(milestone.Name), telemetry.AttrWave.Int(wave))

	sorted := append([]Item(nil), items...)
	sort.Slice(sorted, func(i, j int) bool { return types.LessID(sorted[i].WorkItem.ID, sorted[j].WorkItem.ID) })

	result := &WaveResult{Wave: wave, Outcomes: make(map[string]*Outcome, len(sorted))}
	var (
		mu       sync.Mutex
		fatalErr error
	)
	dispatchCtx, stop := context.WithCancel(ctx)
	defer stop()

	pool := runner.NewPool(e.config.Parallel)
	for _, it := range sorted {
		err := pool.Go(dispatchCtx, func() {
			if dispatchCtx.Err() != nil {
				return
			}
			out, err := e.executeItem(ctx, milestone, wave, it)
			mu.Lock()
			defer mu.Unlock()
			if out != nil {
				result.Outcomes[it.WorkItem.ID] = out
			}
			if err != nil && fatalErr == nil {
				fatalErr = err
				stop()
			}
		})
		if err != nil {
			break
		}
	}
	pool.Wait()
	result.Peak = pool.Peak()

	if fatalErr == nil && ctx.Err() != nil {
		fatalErr = ctx.Err()
	}
	telemetry.EndSpan(span, fatalErr)
	return result, fatalErr
}

// executeItem runs one item to the end of its execution stage. The error is
// reserved for checkpoint failures.
func (e *Executor) executeItem(ctx context.Context, milestone *types.Milestone, wave int, it Item) (*Outcome, error) {
	item := it.WorkItem
	wf := it.Workflow
	logger := e.logger.With("milestone", milestone.Name, "wave", wave, "item", item.ID)
	out := &Outcome{ItemID: item.ID}

	ctx, span := telemetry.StartSpan(ctx, e.tracer, "orchestrate.execute_item",
		telemetry.AttrItem.String(item.ID), telemetry.AttrWave.Int(wave))
	var spanErr error
	defer func() { telemetry.EndSpan(span, spanErr) }()

	state := types.StateCreated
	switch wf.Status {
	case types.StatusCompleted:
		out.Kind = OutcomeAlreadyCompleted
		artifact, err := e.LookupArtifact(ctx, item, wf)
		if err != nil {
			logger.Warn("artifact lookup failed", "error", err)
		}
		out.Artifact = artifact
		e.printf("  %s #%s %s (already completed)\n", color.New(color.FgHiBlack).Sprint("·"), item.ID, item.Title)
		return out, nil
	case types.StatusFailed:
		if err := e.config.Store.RetryWorkflow(ctx, wf.ID); err != nil {
			return nil, storage.Persist("retry workflow", err)
		}
		wf.Status = types.StatusRunning
		wf.RetryCount++
		state = types.StateFailed
		logger.Info("retrying failed item", "retry_count", wf.RetryCount)
	case types.StatusPaused:
		if err := e.config.Store.SetWorkflowStatus(ctx, wf.ID, types.StatusRunning); err != nil {
			return nil, storage.Persist("resume workflow", err)
		}
		wf.Status = types.StatusRunning
	}

	branch := sandbox.BranchName(item.ID)

	fail := func(cause error, meta map[string]any) (*Outcome, error) {
		itemErr := &types.ItemError{ItemID: item.ID, Stage: "execute", Err: cause}
		out.Kind = OutcomeFailed
		out.Err = itemErr
		spanErr = itemErr
		logger.Error("execution failed", "error", cause)

		if meta == nil {
			meta = map[string]any{}
		}
		meta[types.MetaReason] = cause.Error()
		if err := storage.Record(ctx, e.config.Store, wf.ID, types.ActionExecute, types.ResultFailed, meta); err != nil {
			return nil, err
		}
		if state == types.StateExecuting {
			if err := storage.Transition(ctx, e.config.Store, wf.ID, state, types.StateExecutionFailed, cause.Error()); err != nil {
				return nil, err
			}
			state = types.StateExecutionFailed
		}
		if state.CanTransitionTo(types.StateFailed) {
			if err := storage.Transition(ctx, e.config.Store, wf.ID, state, types.StateFailed, cause.Error()); err != nil {
				return nil, err
			}
		}
		if err := e.config.Store.SetWorkflowStatus(ctx, wf.ID, types.StatusFailed); err != nil {
			return nil, storage.Persist("mark workflow failed", err)
		}
		wf.Status = types.StatusFailed
		e.printf("  %s #%s failed: %v\n", color.RedString("✗"), item.ID, cause)
		return out, nil
	}

	// A pre-existing artifact means the work was already delivered
	existing, err := e.config.Tracker.FindArtifact(ctx, item, branch)
	if err != nil {
		return fail(fmt.Errorf("artifact lookup: %w", err), nil)
	}
	if existing != nil && existing.State != tracker.PRClosed {
		if err := storage.Record(ctx, e.config.Store, wf.ID, types.ActionArtifactFound, types.ResultSuccess, map[string]any{
			types.MetaPRNumber: existing.Number,
			types.MetaPRURL:    existing.URL,
			"state":            string(existing.State),
		}); err != nil {
			return nil, err
		}
		if err := storage.Transition(ctx, e.config.Store, wf.ID, state, types.StateCompleted, "artifact found"); err != nil {
			return nil, err
		}
		if err := e.config.Store.SetWorkflowStatus(ctx, wf.ID, types.StatusCompleted); err != nil {
			return nil, storage.Persist("mark workflow completed", err)
		}
		wf.Status = types.StatusCompleted
		out.Kind = OutcomeReused
		out.Artifact = existing
		logger.Info("pre-existing artifact found", "pr", existing.Number)
		e.printf("  %s #%s already has PR #%d (%s)\n", color.GreenString("✓"), item.ID, existing.Number, existing.State)
		return out, nil
	}

	if err := storage.Transition(ctx, e.config.Store, wf.ID, state, types.StateExecuting, ""); err != nil {
		return nil, err
	}
	state = types.StateExecuting
	if err := e.config.Store.SetWorkflowPhase(ctx, wf.ID, types.PhaseExecute); err != nil {
		return nil, storage.Persist("set phase", err)
	}
	wf.Phase = types.PhaseExecute

	ws, err := e.resolveWorkspace(ctx, item.ID, wf)
	if err != nil {
		return fail(fmt.Errorf("workspace: %w", err), nil)
	}
	out.Workspace = ws
	if err := e.config.Store.SetWorkflowWorkspace(ctx, wf.ID, ws.Branch, ws.Path); err != nil {
		return nil, storage.Persist("record workspace", err)
	}
	wf.Branch, wf.WorkspacePath = ws.Branch, ws.Path

	prompt, err := e.config.Prompts.Build(runner.TaskImplement, &runner.PromptContext{
		Item:       &item,
		Branch:     ws.Branch,
		BaseBranch: e.config.BaseBranch,
	})
	if err != nil {
		return fail(err, nil)
	}

	e.printf("  %s #%s %s\n", color.CyanString("▶"), item.ID, item.Title)
	logger.Info("starting task runner", "workspace", ws.Path, "branch", ws.Branch)

	if m := e.config.Metrics; m != nil {
		m.ActiveTasks.Add(ctx, 1)
	}
	res, err := e.config.Tasks.Run(ctx, runner.Task{
		Kind:   runner.TaskImplement,
		ItemID: item.ID,
		Prompt: prompt,
		Dir:    ws.Path,
	})
	if m := e.config.Metrics; m != nil {
		m.ActiveTasks.Add(ctx, -1)
	}
	logPath := e.config.Tasks.LogPath(item.ID)
	if err != nil {
		return fail(fmt.Errorf("task runner: %w", err), map[string]any{types.MetaLogPath: logPath})
	}
	e.config.Metrics.RecordTask(ctx, string(runner.TaskImplement), res.Duration, res.Success())

	if !res.Success() {
		meta := map[string]any{
			types.MetaExitCode: res.ExitCode,
			types.MetaLogPath:  res.LogPath,
			"duration_ms":      res.Duration.Milliseconds(),
		}
		cause := fmt.Errorf("task runner exited with code %d", res.ExitCode)
		if res.TimedOut {
			cause = fmt.Errorf("task runner timed out after %s", res.Duration.Round(time.Second))
			meta["timed_out"] = true
		}
		if summary := e.summarize(ctx, item, res); summary != "" {
			meta[types.MetaSummary] = summary
		}
		return fail(cause, meta)
	}

	artifact, err := e.config.Tracker.FindArtifact(ctx, item, ws.Branch)
	if err != nil {
		logger.Warn("artifact lookup after execution failed", "error", err)
	}
	out.Artifact = artifact

	if err := e.recordCommits(ctx, wf, ws); err != nil {
		return nil, err
	}

	meta := map[string]any{
		types.MetaLogPath: res.LogPath,
		"duration_ms":     res.Duration.Milliseconds(),
	}
	if artifact != nil {
		meta[types.MetaPRNumber] = artifact.Number
		meta[types.MetaPRURL] = artifact.URL
	}
	if err := storage.Record(ctx, e.config.Store, wf.ID, types.ActionExecute, types.ResultSuccess, meta); err != nil {
		return nil, err
	}
	if err := storage.Transition(ctx, e.config.Store, wf.ID, state, types.StateCompleted, ""); err != nil {
		return nil, err
	}
	if err := e.config.Store.SetWorkflowStatus(ctx, wf.ID, types.StatusCompleted); err != nil {
		return nil, storage.Persist("mark workflow completed", err)
	}
	wf.Status = types.StatusCompleted
	out.Kind = OutcomeExecuted

	pr := "no PR found"
	if artifact != nil {
		pr = fmt.Sprintf("PR #%d", artifact.Number)
	}
	e.printf("  %s #%s done in %s (%s)\n", color.GreenString("✓"), item.ID, res.Duration.Round(time.Second), pr)
	logger.Info("execution completed", "duration", res.Duration, "pr", pr)
	return out, nil
}

func (e *Executor) resolveWorkspace(ctx context.Context, itemID string, wf *types.Workflow) (*sandbox.Workspace, error) {
	if wf.WorkspacePath != "" {
		return e.config.Workspaces.Reopen(ctx, itemID, wf.WorkspacePath)
	}
	return e.config.Workspaces.Resolve(ctx, itemID, e.config.Parallel > 1)
}

// recordCommits stores the commits the branch adds on top of the base
// branch. Commits already recorded for the workflow are not duplicated.
func (e *Executor) recordCommits(ctx context.Context, wf *types.Workflow, ws *sandbox.Workspace) error {
	if e.config.Commits == nil {
		return nil
	}
	commits, err := e.config.Commits.CommitsBetween(ctx, ws.Path, e.config.BaseBranch, ws.Branch)
	if err != nil {
		e.logger.Warn("failed to list branch commits", "item", wf.WorkItemID, "error", err)
		return nil
	}
	existing, err := e.config.Store.ListCommits(ctx, wf.ID)
	if err != nil {
		return storage.Persist("list commits", err)
	}
	seen := make(map[string]bool, len(existing))
	for _, c := range existing {
		seen[c.SHA] = true
	}
	for _, c := range commits {
		if seen[c.SHA] {
			continue
		}
		if err := e.config.Store.AppendCommit(ctx, &types.Commit{WorkflowID: wf.ID, SHA: c.SHA, Message: c.Subject}); err != nil {
			return storage.Persist("append commit", err)
		}
	}
	return nil
}

func (e *Executor) summarize(ctx context.Context, item types.WorkItem, res *runner.Result) string {
	if e.config.Triage == nil {
		return ""
	}
	summary, err := e.config.Triage.SummarizeFailure(ctx, ai.Failure{
		ItemID:   item.ID,
		Title:    item.Title,
		Stage:    "execute",
		ExitCode: res.ExitCode,
		Output:   res.TailText(),
	})
	if err != nil {
		e.logger.Warn("failure triage unavailable", "item", item.ID, "error", err)
		return ""
	}
	return summary
}

// LookupArtifact finds the artifact of an item, preferring the pull request
// recorded in the workflow's actions over a live search
func (e *Executor) LookupArtifact(ctx context.Context, item types.WorkItem, wf *types.Workflow) (*tracker.Artifact, error) {
	actions, err := e.config.Store.ListActions(ctx, wf.ID)
	if err != nil {
		return nil, storage.Persist("list actions", err)
	}
	if n := storage.ArtifactEvidence(actions); n > 0 {
		if a, err := e.config.Tracker.GetArtifact(ctx, n); err == nil && a != nil {
			return a, nil
		}
	}
	return e.config.Tracker.FindArtifact(ctx, item, sandbox.BranchName(item.ID))
}

func (e *Executor) printf(format string, args ...any) {
	e.outMu.Lock()
	defer e.outMu.Unlock()
	fmt.Fprintf(e.out, format, args...)
}
