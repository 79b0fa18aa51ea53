// Package orchestrator drives a run: it plans waves from the dependency
// graph and takes each wave through execution, validation and merge,
// checkpointing every step.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/steveyegge/orchestrate/internal/executor"
	"github.com/steveyegge/orchestrate/internal/gates"
	"github.com/steveyegge/orchestrate/internal/graph"
	"github.com/steveyegge/orchestrate/internal/merge"
	"github.com/steveyegge/orchestrate/internal/notify"
	"github.com/steveyegge/orchestrate/internal/recovery"
	"github.com/steveyegge/orchestrate/internal/runner"
	"github.com/steveyegge/orchestrate/internal/sandbox"
	"github.com/steveyegge/orchestrate/internal/storage"
	"github.com/steveyegge/orchestrate/internal/telemetry"
	"github.com/steveyegge/orchestrate/internal/tracker"
	"github.com/steveyegge/orchestrate/internal/types"
	"go.opentelemetry.io/otel/trace"
)

// Exit codes
const (
	ExitOK          = 0
	ExitItemsFailed = 1
	ExitSetup       = 2
	ExitPersistence = 3
)

// Git is the version-control surface shared by execution and merge
type Git interface {
	merge.Git
	executor.CommitLister
}

// Options are the per-run settings
type Options struct {
	Target   tracker.Target
	StateDir string // Run lock location; empty disables locking
	RepoDir  string

	BaseBranch string
	Remote     string

	Parallel       int
	Wave           int // Restrict the run to one wave (0: all)
	DryRun         bool
	Resume         bool
	SkipCI         bool
	SkipReview     bool
	MergeMode      merge.Mode
	MaxReviewFixes int // 0 disables review fixes
	MaxCIAttempts  int // 0 disables CI fixes
	Poll           gates.PollConfig
}

// Deps are the collaborators a run needs. OpenStore is only called for
// real runs so a dry run never touches the checkpoint store.
type Deps struct {
	Source     tracker.Source
	PRs        tracker.PullRequests
	OpenStore  func(ctx context.Context) (storage.Storage, error)
	Workspaces executor.Workspaces
	Tasks      executor.Tasks
	Prompts    *runner.PromptBuilder
	Git        Git
	Cleaner    merge.Cleaner       // Optional
	Notifier   notify.Channel      // Required for merge.ModeNotify
	Triage     executor.Summarizer // Optional
	Baseline   gates.GateProvider  // Optional: lint/typecheck snapshots

	// Sleep overrides the CI poll wait
	Sleep func(ctx context.Context, d time.Duration) error

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *telemetry.Metrics
	Out     io.Writer
}

// Orchestrator runs one target
type Orchestrator struct {
	opts   Options
	deps   Deps
	logger *slog.Logger
	tracer trace.Tracer
	out    io.Writer
}

// New validates options and collaborators
func New(opts Options, deps Deps) (*Orchestrator, error) {
	if !opts.Target.Kind.IsValid() {
		return nil, types.NewSetupError("unknown target kind %q (want epic or milestone)", opts.Target.Kind)
	}
	if opts.Target.Ref == "" {
		return nil, types.NewSetupError("target reference is required")
	}
	if opts.Wave < 0 {
		return nil, types.NewSetupError("--wave must be positive")
	}
	if deps.Source == nil {
		return nil, fmt.Errorf("work item source is required")
	}
	if !opts.DryRun {
		switch {
		case deps.PRs == nil:
			return nil, fmt.Errorf("pull request tracker is required")
		case deps.OpenStore == nil:
			return nil, fmt.Errorf("store opener is required")
		case deps.Workspaces == nil:
			return nil, fmt.Errorf("workspace manager is required")
		case deps.Tasks == nil:
			return nil, fmt.Errorf("task runner is required")
		}
	}
	if opts.Parallel < 1 {
		opts.Parallel = 1
	}
	if opts.MergeMode == "" {
		opts.MergeMode = merge.ModeNotify
	}
	if opts.BaseBranch == "" {
		opts.BaseBranch = "main"
	}
	o := &Orchestrator{opts: opts, deps: deps, logger: deps.Logger, tracer: deps.Tracer, out: deps.Out}
	if o.logger == nil {
		o.logger = telemetry.DiscardLogger()
	}
	if o.tracer == nil {
		o.tracer = telemetry.Noop().Tracer
	}
	if o.out == nil {
		o.out = os.Stdout
	}
	return o, nil
}

// components are built once the store is open
type components struct {
	store    storage.Storage
	executor *executor.Executor
	gate     *gates.Gate
	merger   *merge.Coordinator
	recovery *recovery.Manager
}

// run is the state of one invocation
type run struct {
	*components
	milestone *types.Milestone
	graph     *graph.Graph
	waves     []types.Wave
	items     map[string]types.WorkItem
	workflows map[string]*types.Workflow
	recovered *recovery.Result
	failed    map[string]bool
	report    *Report
}

// Run executes the whole pipeline and returns the final report. A non-nil
// error is a setup or persistence failure; per-item failures are in the
// report.
func (o *Orchestrator) Run(ctx context.Context) (report *Report, err error) {
	ctx, span := telemetry.StartSpan(ctx, o.tracer, "orchestrate.run",
		telemetry.AttrMilestone.String(o.opts.Target.MilestoneName()))
	defer func() { telemetry.EndSpan(span, err) }()

	g, waves, items, err := o.plan(ctx)
	if err != nil {
		return nil, err
	}
	if o.opts.DryRun {
		RenderPlan(o.out, o.opts.Target.MilestoneName(), g, waves)
		return &Report{Milestone: o.opts.Target.MilestoneName(), DryRun: true, Total: g.Len()}, nil
	}

	if o.opts.StateDir != "" {
		lockPath, lerr := storage.AcquireRunLock(o.opts.StateDir, o.opts.Target.String())
		if lerr != nil {
			if errors.Is(lerr, storage.ErrLocked) {
				return nil, &types.SetupError{Msg: "another run holds the state directory", Err: lerr}
			}
			return nil, storage.Persist("acquire run lock", lerr)
		}
		defer func() {
			if rerr := storage.ReleaseRunLock(lockPath); rerr != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to release run lock: %v\n", rerr)
			}
		}()
	}

	store, err := o.deps.OpenStore(ctx)
	if err != nil {
		return nil, storage.Persist("open", err)
	}
	defer store.Close()

	comps, err := o.build(store)
	if err != nil {
		return nil, err
	}
	r := &run{
		components: comps,
		graph:      g,
		waves:      waves,
		items:      items,
		workflows:  make(map[string]*types.Workflow),
		failed:     make(map[string]bool),
		report:     &Report{Milestone: o.opts.Target.MilestoneName()},
	}
	if err := o.prepare(ctx, r); err != nil {
		return nil, err
	}
	if err := o.runWaves(ctx, r); err != nil {
		o.markMilestoneFailed(r)
		return r.report, err
	}
	if err := o.finish(ctx, r); err != nil {
		return r.report, err
	}
	return r.report, nil
}

// plan loads the target and schedules it. Every failure here is a setup
// error; nothing has been written yet.
func (o *Orchestrator) plan(ctx context.Context) (*graph.Graph, []types.Wave, map[string]types.WorkItem, error) {
	loaded, err := o.deps.Source.LoadItems(ctx, o.opts.Target)
	if err != nil {
		return nil, nil, nil, &types.SetupError{Msg: fmt.Sprintf("failed to load %s", o.opts.Target), Err: err}
	}
	g, err := graph.New(loaded)
	if err != nil {
		return nil, nil, nil, &types.SetupError{Msg: "invalid work items", Err: err}
	}
	for _, w := range g.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
		o.logger.Warn("dependency dropped", "detail", w)
	}
	if g.Len() == 0 {
		return nil, nil, nil, types.NewSetupError("%s has no open work items", o.opts.Target)
	}
	waves, err := graph.Schedule(g)
	if err != nil {
		return nil, nil, nil, &types.SetupError{Msg: "cannot schedule work items", Err: err}
	}
	if err := graph.Validate(g, waves); err != nil {
		return nil, nil, nil, &types.SetupError{Msg: "invalid wave plan", Err: err}
	}
	if o.opts.Wave > len(waves) {
		return nil, nil, nil, types.NewSetupError("--wave %d out of range: plan has %d wave(s)", o.opts.Wave, len(waves))
	}
	items := make(map[string]types.WorkItem, len(loaded))
	for _, it := range loaded {
		items[it.ID] = it
	}
	o.logger.Info("plan computed", "milestone", o.opts.Target.MilestoneName(), "items", g.Len(), "waves", len(waves))
	return g, waves, items, nil
}

func (o *Orchestrator) build(store storage.Storage) (*components, error) {
	concurrent := o.opts.Parallel > 1
	exec, err := executor.New(executor.Config{
		Store:      store,
		Tracker:    o.deps.PRs,
		Workspaces: o.deps.Workspaces,
		Tasks:      o.deps.Tasks,
		Prompts:    o.deps.Prompts,
		Commits:    o.deps.Git,
		Triage:     o.deps.Triage,
		Parallel:   o.opts.Parallel,
		BaseBranch: o.opts.BaseBranch,
		Logger:     o.logger,
		Tracer:     o.tracer,
		Metrics:    o.deps.Metrics,
		Out:        o.out,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}
	gate, err := gates.New(gates.Config{
		Store:          store,
		Tracker:        o.deps.PRs,
		Workspaces:     o.deps.Workspaces,
		Tasks:          o.deps.Tasks,
		Prompts:        o.deps.Prompts,
		BaseBranch:     o.opts.BaseBranch,
		Concurrent:     concurrent,
		SkipCI:         o.opts.SkipCI,
		SkipReview:     o.opts.SkipReview,
		MaxCIAttempts:  fixBudget(o.opts.MaxCIAttempts),
		MaxReviewFixes: fixBudget(o.opts.MaxReviewFixes),
		Poll:           o.opts.Poll,
		Sleep:          o.deps.Sleep,
		Logger:         o.logger,
		Tracer:         o.tracer,
		Metrics:        o.deps.Metrics,
		Out:            o.out,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gate: %w", err)
	}
	mergeCfg := merge.Config{
		Store:      store,
		Tracker:    o.deps.PRs,
		Git:        o.deps.Git,
		Cleaner:    o.deps.Cleaner,
		Notifier:   o.deps.Notifier,
		Mode:       o.opts.MergeMode,
		RepoDir:    o.opts.RepoDir,
		BaseBranch: o.opts.BaseBranch,
		Remote:     o.opts.Remote,
		Logger:     o.logger,
		Tracer:     o.tracer,
		Metrics:    o.deps.Metrics,
		Out:        o.out,
	}
	merger, err := merge.New(mergeCfg)
	if err != nil {
		return nil, &types.SetupError{Msg: "invalid merge configuration", Err: err}
	}
	rec, err := recovery.New(recovery.Config{
		Store:   store,
		Tracker: o.deps.PRs,
		Logger:  o.logger,
		Tracer:  o.tracer,
		Out:     o.out,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create recovery manager: %w", err)
	}
	return &components{store: store, executor: exec, gate: gate, merger: merger, recovery: rec}, nil
}

// fixBudget maps a user-facing count, where 0 means no fixes, onto the
// gate's convention, where 0 means the default
func fixBudget(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}

// prepare creates a fresh milestone or recovers an existing one
func (o *Orchestrator) prepare(ctx context.Context, r *run) error {
	name := o.opts.Target.MilestoneName()
	existing, err := r.store.FindMilestoneByName(ctx, name)
	if err != nil {
		return storage.Persist("find milestone", err)
	}
	switch {
	case existing != nil && !o.opts.Resume:
		return types.NewSetupError("milestone %s already exists; use --resume to continue it", name)
	case existing == nil && o.opts.Resume:
		return types.NewSetupError("no milestone %s to resume", name)
	case existing != nil:
		return o.resume(ctx, r, existing)
	}

	m := &types.Milestone{Name: name}
	if err := r.store.CreateMilestone(ctx, m); err != nil {
		return storage.Persist("create milestone", err)
	}
	r.milestone = m
	for _, w := range r.waves {
		for _, id := range w.Items {
			wf := &types.Workflow{WorkItemID: id, Branch: sandbox.BranchName(id)}
			if err := r.store.AssignWorkflow(ctx, m.ID, wf, w.Number); err != nil {
				return storage.Persist("assign workflow", err)
			}
			r.workflows[id] = wf
		}
	}
	fmt.Fprintf(o.out, "%s Created milestone %s: %d item(s) in %d wave(s)\n",
		color.GreenString("✓"), name, r.graph.Len(), len(r.waves))
	o.logger.Info("milestone created", "milestone", name, "id", m.ID)

	if o.deps.Baseline != nil {
		b, results, err := gates.CaptureBaseline(ctx, r.store, o.deps.Baseline, m.ID)
		if err != nil {
			return err
		}
		r.report.Baseline = b
		for _, res := range results {
			if res.Error != nil {
				fmt.Fprintf(os.Stderr, "warning: baseline %s: %v\n", res.Gate, res.Error)
			}
		}
		o.logger.Info("baseline captured", "lint", b.LintCount, "typecheck", b.TypecheckCount)
	}
	return nil
}

func (o *Orchestrator) resume(ctx context.Context, r *run, m *types.Milestone) error {
	r.milestone = m
	fmt.Fprintf(o.out, "%s Resuming milestone %s\n", color.CyanString("▶"), m.Name)
	res, err := r.recovery.Recover(ctx, m, r.items)
	if err != nil {
		return err
	}
	if len(res.Waves) == 0 {
		return types.NewSetupError("milestone %s has no workflows to resume", m.Name)
	}
	if o.opts.Wave > len(res.Waves) {
		return types.NewSetupError("--wave %d out of range: milestone has %d wave(s)", o.opts.Wave, len(res.Waves))
	}
	r.recovered = res
	r.waves = res.Waves
	r.workflows = res.Workflows
	r.failed = res.Failed()

	planned := make(map[string]bool, len(res.Workflows))
	for id := range res.Workflows {
		planned[id] = true
	}
	for _, id := range r.graph.IDs() {
		if !planned[id] {
			fmt.Fprintf(os.Stderr, "warning: #%s was added after %s was planned; it is not part of this run\n", id, m.Name)
		}
	}
	b, err := r.store.LatestBaseline(ctx, m.ID)
	if err != nil {
		return storage.Persist("load baseline", err)
	}
	r.report.Baseline = b
	return nil
}

func (o *Orchestrator) runWaves(ctx context.Context, r *run) error {
	for _, w := range r.waves {
		if o.opts.Wave > 0 && w.Number != o.opts.Wave {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.runWave(ctx, r, w); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) runWave(ctx context.Context, r *run, w types.Wave) (err error) {
	ctx, span := telemetry.StartSpan(ctx, o.tracer, "orchestrate.wave",
		telemetry.AttrMilestone.String(r.milestone.Name), telemetry.AttrWave.Int(w.Number))
	defer func() { telemetry.EndSpan(span, err) }()
	logger := o.logger.With("milestone", r.milestone.Name, "wave", w.Number)

	fmt.Fprintf(o.out, "\n%s Wave %d (%d item(s))\n", color.New(color.Bold).Sprint("▶"), w.Number, len(w.Items))
	summary := WaveSummary{Wave: w.Number, Total: len(w.Items)}

	// Items of this wave run again, so only failures of earlier waves gate
	for _, id := range w.Items {
		delete(r.failed, id)
	}
	blocked := graph.Blocked(r.graph, r.failed)

	var pending []executor.Item
	for _, id := range w.Items {
		if r.recovered != nil && r.recovered.Done(id) {
			summary.Completed = append(summary.Completed, id)
			continue
		}
		wf := r.workflows[id]
		if wf == nil {
			return storage.Persist("load workflow", fmt.Errorf("no workflow for item %s", id))
		}
		if by, ok := blocked[id]; ok {
			if err := o.skip(ctx, r, wf, by); err != nil {
				return err
			}
			r.failed[id] = true
			summary.Skipped = append(summary.Skipped, id)
			continue
		}
		pending = append(pending, executor.Item{WorkItem: o.item(r, id), Workflow: wf})
	}

	if len(pending) > 0 {
		if err := r.store.SetMilestonePhase(ctx, r.milestone.ID, types.MilestoneExecute); err != nil {
			return storage.Persist("set milestone phase", err)
		}
		result, err := r.executor.ExecuteWave(ctx, r.milestone, w.Number, pending)
		if err != nil {
			return err
		}
		var ready []merge.Candidate
		if err := r.store.SetMilestonePhase(ctx, r.milestone.ID, types.MilestoneReview); err != nil {
			return storage.Persist("set milestone phase", err)
		}
		for _, it := range pending {
			id := it.WorkItem.ID
			out := result.Outcomes[id]
			if out == nil || out.Kind == executor.OutcomeFailed {
				r.failed[id] = true
				summary.Failed = append(summary.Failed, id)
				continue
			}
			verdict, err := r.gate.Validate(ctx, it.WorkItem, it.Workflow, out.Artifact)
			if err != nil {
				return err
			}
			if !verdict.Ready {
				r.failed[id] = true
				summary.Failed = append(summary.Failed, id)
				continue
			}
			ready = append(ready, merge.Candidate{
				Item:          it.WorkItem,
				Workflow:      it.Workflow,
				Artifact:      verdict.Artifact,
				AlreadyMerged: verdict.AlreadyMerged,
			})
		}

		merged, err := r.merger.MergeWave(ctx, r.milestone, w.Number, ready)
		if err != nil {
			return err
		}
		for _, id := range merged.FailedIDs() {
			r.failed[id] = true
			summary.Failed = append(summary.Failed, id)
		}
		summary.Completed = append(summary.Completed, merged.Merged...)
		summary.Completed = append(summary.Completed, merged.Pending...)
		summary.Pending = append(summary.Pending, merged.Pending...)
		summary.Merged = len(merged.Merged)
	}

	summary.sort()
	r.report.Waves = append(r.report.Waves, summary)
	RenderWaveSummary(o.out, summary)
	logger.Info("wave finished", "completed", len(summary.Completed), "failed", len(summary.Failed), "skipped", len(summary.Skipped))
	return nil
}

// skip marks an item that cannot run because a dependency failed
func (o *Orchestrator) skip(ctx context.Context, r *run, wf *types.Workflow, blockedBy []string) error {
	if wf.Status != types.StatusCompleted && wf.Status != types.StatusFailed {
		if err := r.store.SetWorkflowStatus(ctx, wf.ID, types.StatusFailed); err != nil {
			return storage.Persist("mark skipped", err)
		}
		wf.Status = types.StatusFailed
	}
	if err := storage.Record(ctx, r.store, wf.ID, types.ActionSkipped, types.ResultFailed, map[string]any{
		types.MetaBlockedBy: blockedBy,
	}); err != nil {
		return err
	}
	actions, err := r.store.ListActions(ctx, wf.ID)
	if err != nil {
		return storage.Persist("list actions", err)
	}
	if state := storage.LastTransition(actions); state.CanTransitionTo(types.StateSkipped) {
		if err := storage.Transition(ctx, r.store, wf.ID, state, types.StateSkipped, "dependency failed"); err != nil {
			return err
		}
	}
	fmt.Fprintf(o.out, "  %s #%s skipped: blocked by %s\n", color.YellowString("⚠"), wf.WorkItemID, joinIDs(blockedBy))
	o.logger.Info("item skipped", "item", wf.WorkItemID, "blocked_by", blockedBy)
	o.deps.Metrics.RecordOutcome(ctx, "skipped")
	return nil
}

// item returns the tracker's view of an item, or a stub for items that
// are no longer part of the target
func (o *Orchestrator) item(r *run, id string) types.WorkItem {
	if it, ok := r.items[id]; ok {
		return it
	}
	return types.WorkItem{ID: id, State: types.ItemOpen}
}

// finish writes the final milestone status and renders the report
func (o *Orchestrator) finish(ctx context.Context, r *run) error {
	rep := r.report
	scope := r.waves
	if o.opts.Wave > 0 {
		scope = []types.Wave{r.waves[o.opts.Wave-1]}
	}
	for _, w := range scope {
		rep.Total += len(w.Items)
	}
	for _, ws := range rep.Waves {
		rep.Completed = append(rep.Completed, ws.Completed...)
		rep.Failed = append(rep.Failed, ws.Failed...)
		rep.Failed = append(rep.Failed, ws.Skipped...)
		rep.Skipped = append(rep.Skipped, ws.Skipped...)
		rep.Pending = append(rep.Pending, ws.Pending...)
		rep.Merged += ws.Merged
	}
	types.SortIDs(rep.Completed)
	types.SortIDs(rep.Failed)

	if rep.Baseline != nil && o.deps.Baseline != nil && rep.Merged > 0 {
		results, _ := o.deps.Baseline.RunAll(ctx)
		after := gates.Snapshot(r.milestone.ID, results)
		reg := gates.CompareBaseline(rep.Baseline, after)
		rep.Regression = &reg
	}

	// A single-wave run leaves the milestone open for the remaining waves
	if o.opts.Wave == 0 || len(rep.Failed) > 0 {
		status := types.StatusCompleted
		if len(rep.Failed) > 0 {
			status = types.StatusFailed
		}
		if err := r.store.SetMilestoneStatus(ctx, r.milestone.ID, status); err != nil {
			return storage.Persist("set milestone status", err)
		}
		r.milestone.Status = status
		if status == types.StatusCompleted {
			if err := r.store.SetMilestonePhase(ctx, r.milestone.ID, types.MilestoneCleanup); err != nil {
				return storage.Persist("set milestone phase", err)
			}
		}
	}
	rep.Status = r.milestone.Status

	RenderReport(o.out, rep)
	o.logger.Info("run finished", "milestone", r.milestone.Name, "total", rep.Total,
		"completed", len(rep.Completed), "failed", len(rep.Failed))
	return nil
}

// markMilestoneFailed records an aborted run. It runs on a fresh context
// because the run's context may already be cancelled.
func (o *Orchestrator) markMilestoneFailed(r *run) {
	if r.milestone == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.SetMilestoneStatus(ctx, r.milestone.ID, types.StatusFailed); err != nil {
		o.logger.Warn("failed to mark milestone failed", "error", err)
	}
}

// ExitCode maps a run's outcome onto the process exit status
func ExitCode(report *Report, err error) int {
	switch {
	case err == nil:
	case types.IsPersistenceError(err):
		return ExitPersistence
	case types.IsSetupError(err):
		return ExitSetup
	default:
		return ExitItemsFailed
	}
	if report != nil && len(report.Failed) > 0 {
		return ExitItemsFailed
	}
	return ExitOK
}
