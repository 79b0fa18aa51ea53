// Package gates validates delivered work items: a CI stage and a review
// stage, each with a bounded number of automated fixes, plus the pre-flight
// lint/typecheck baseline.
package gates

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/steveyegge/orchestrate/internal/runner"
	"github.com/steveyegge/orchestrate/internal/sandbox"
	"github.com/steveyegge/orchestrate/internal/storage"
	"github.com/steveyegge/orchestrate/internal/telemetry"
	"github.com/steveyegge/orchestrate/internal/tracker"
	"github.com/steveyegge/orchestrate/internal/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrCITimeout is returned when CI does not finish within the poll timeout
var ErrCITimeout = errors.New("timed out waiting for CI")

// Workspaces hands out the working directory a fix task runs in
type Workspaces interface {
	Resolve(ctx context.Context, itemID string, concurrent bool) (*sandbox.Workspace, error)
	Reopen(ctx context.Context, itemID, path string) (*sandbox.Workspace, error)
}

// Tasks runs the delegated task runner
type Tasks interface {
	Run(ctx context.Context, task runner.Task) (*runner.Result, error)
	LogPath(itemID string) string
}

// PollConfig controls CI polling
type PollConfig struct {
	Initial time.Duration // First wait between polls (default: 10s)
	Max     time.Duration // Cap on the doubling interval (default: 60s)
	Timeout time.Duration // Total time CI may take (default: 30m)

	// NoChecksGrace is how long a pull request may report no checks at
	// all before that is taken as "no CI configured" (default: 30s).
	// A negative value accepts a check-less pull request right away.
	NoChecksGrace time.Duration
}

// DefaultPollConfig returns the default CI polling configuration
func DefaultPollConfig() PollConfig {
	return PollConfig{
		Initial:       10 * time.Second,
		Max:           60 * time.Second,
		Timeout:       30 * time.Minute,
		NoChecksGrace: 30 * time.Second,
	}
}

// Config holds gate configuration
type Config struct {
	Store      storage.Storage
	Tracker    tracker.PullRequests
	Workspaces Workspaces
	Tasks      Tasks
	Prompts    *runner.PromptBuilder

	BaseBranch     string
	Concurrent     bool // Fix tasks run in isolated worktrees
	SkipCI         bool
	SkipReview     bool
	MaxCIAttempts  int // Fix cycles per CI stage (default: 2, negative: none)
	MaxReviewFixes int // Review fix cycles (default: 2, negative: none)
	Poll           PollConfig

	// Sleep waits between CI polls. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *telemetry.Metrics
	Out     io.Writer
}

// Gate runs the CI and review stages for work items
type Gate struct {
	config Config
	logger *slog.Logger
	tracer trace.Tracer

	outMu sync.Mutex
	out   io.Writer
}

// New creates a new gate
func New(cfg Config) (*Gate, error) {
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
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if cfg.MaxCIAttempts == 0 {
		cfg.MaxCIAttempts = 2
	}
	if cfg.MaxCIAttempts < 0 {
		cfg.MaxCIAttempts = 0
	}
	if cfg.MaxReviewFixes == 0 {
		cfg.MaxReviewFixes = 2
	}
	if cfg.MaxReviewFixes < 0 {
		cfg.MaxReviewFixes = 0
	}
	def := DefaultPollConfig()
	if cfg.Poll.Initial <= 0 {
		cfg.Poll.Initial = def.Initial
	}
	if cfg.Poll.Max <= 0 {
		cfg.Poll.Max = def.Max
	}
	if cfg.Poll.Timeout <= 0 {
		cfg.Poll.Timeout = def.Timeout
	}
	switch {
	case cfg.Poll.NoChecksGrace == 0:
		cfg.Poll.NoChecksGrace = def.NoChecksGrace
	case cfg.Poll.NoChecksGrace < 0:
		cfg.Poll.NoChecksGrace = 0
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}

	g := &Gate{config: cfg, logger: cfg.Logger, tracer: cfg.Tracer, out: cfg.Out}
	if g.logger == nil {
		g.logger = telemetry.DiscardLogger()
	}
	if g.tracer == nil {
		g.tracer = telemetry.Noop().Tracer
	}
	if g.out == nil {
		g.out = os.Stdout
	}
	return g, nil
}

// Outcome is the verdict of the gate for one item
type Outcome struct {
	ItemID   string
	Ready    bool
	Reason   string
	Artifact *tracker.Artifact

	// AlreadyMerged is set when the artifact was merged before validation
	AlreadyMerged bool
}

// validation carries one item through the gate
type validation struct {
	item     types.WorkItem
	wf       *types.Workflow
	artifact *tracker.Artifact
	state    types.PipelineState
	logger   *slog.Logger
}

// Validate runs the CI stage then the review stage for an item whose
// execution completed. Per-item problems are reported in the Outcome; the
// error is reserved for checkpoint failures.
func (g *Gate) Validate(ctx context.Context, item types.WorkItem, wf *types.Workflow, artifact *tracker.Artifact) (*Outcome, error) {
	ctx, span := telemetry.StartSpan(ctx, g.tracer, "orchestrate.validate_item",
		telemetry.AttrItem.String(item.ID))
	outcome, err := g.validate(ctx, item, wf, artifact)
	var spanErr error
	if err != nil {
		spanErr = err
	} else if !outcome.Ready {
		spanErr = errors.New(outcome.Reason)
	}
	telemetry.EndSpan(span, spanErr)
	return outcome, err
}

func (g *Gate) validate(ctx context.Context, item types.WorkItem, wf *types.Workflow, artifact *tracker.Artifact) (*Outcome, error) {
	v := &validation{
		item:     item,
		wf:       wf,
		artifact: artifact,
		state:    types.StateCompleted,
		logger:   g.logger.With("item", item.ID),
	}
	if err := g.config.Store.SetWorkflowPhase(ctx, wf.ID, types.PhaseReview); err != nil {
		return nil, storage.Persist("set phase", err)
	}
	wf.Phase = types.PhaseReview

	if artifact == nil {
		return g.fail(ctx, v, "ci", "no pull request found for item")
	}
	if fresh, err := g.config.Tracker.GetArtifact(ctx, artifact.Number); err == nil && fresh != nil {
		v.artifact = fresh
	}
	switch v.artifact.State {
	case tracker.PRMerged:
		if err := g.record(ctx, v, types.ActionGate, types.ResultSuccess, map[string]any{types.MetaReason: "already merged"}); err != nil {
			return nil, err
		}
		return &Outcome{ItemID: item.ID, Ready: true, Reason: "already merged", Artifact: v.artifact, AlreadyMerged: true}, nil
	case tracker.PRClosed:
		return g.fail(ctx, v, "ci", fmt.Sprintf("pull request #%d was closed without merging", v.artifact.Number))
	}

	g.printf("  %s #%s validating PR #%d\n", color.CyanString("▶"), item.ID, v.artifact.Number)

	if err := g.transition(ctx, v, types.StateAwaitingCI, ""); err != nil {
		return nil, err
	}
	if reason, err := g.ciStage(ctx, v); err != nil || reason != "" {
		if err != nil {
			return nil, err
		}
		return g.fail(ctx, v, "ci", reason)
	}

	if g.config.SkipReview {
		return g.ready(ctx, v, "review skipped")
	}
	return g.reviewStage(ctx, v)
}

// ciStage waits for CI and runs up to MaxCIAttempts fix cycles. It returns
// a non-empty reason when the stage failed.
func (g *Gate) ciStage(ctx context.Context, v *validation) (string, error) {
	if g.config.SkipCI {
		if err := g.record(ctx, v, types.ActionCI, types.ResultSuccess, map[string]any{types.MetaReason: "skipped"}); err != nil {
			return "", err
		}
		return "", g.transition(ctx, v, types.StateCIPassed, "ci skipped")
	}

	pr := v.artifact.Number
	for attempt := 0; ; attempt++ {
		report, err := g.waitForCI(ctx, pr)
		if err != nil {
			reason := fmt.Sprintf("ci: %v", err)
			if errors.Is(err, ErrCITimeout) {
				reason = fmt.Sprintf("CI did not finish within %s", g.config.Poll.Timeout)
			}
			if recErr := g.record(ctx, v, types.ActionCI, types.ResultFailed, map[string]any{types.MetaReason: reason}); recErr != nil {
				return "", recErr
			}
			return reason, nil
		}

		failed := checkNames(report.Failed)
		result := types.ResultSuccess
		if report.Status == tracker.CIFailed {
			result = types.ResultFailed
		}
		if err := g.record(ctx, v, types.ActionCI, result, map[string]any{
			"status":        string(report.Status),
			"failed_checks": failed,
			"attempt":       attempt,
		}); err != nil {
			return "", err
		}

		if report.Status != tracker.CIFailed {
			return "", g.transition(ctx, v, types.StateCIPassed, string(report.Status))
		}
		if err := g.transition(ctx, v, types.StateCIFailed, strings.Join(failed, ", ")); err != nil {
			return "", err
		}
		if attempt >= g.config.MaxCIAttempts {
			return fmt.Sprintf("CI still failing after %d fix attempt(s): %s", attempt, strings.Join(failed, ", ")), nil
		}

		g.printf("  %s #%s CI failed (%s), fix attempt %d/%d\n", color.YellowString("⚠"), v.item.ID,
			strings.Join(failed, ", "), attempt+1, g.config.MaxCIAttempts)
		if err := g.transition(ctx, v, types.StateFixAttempt, ""); err != nil {
			return "", err
		}
		if reason, err := g.runFix(ctx, v, runner.TaskFixCI, types.ActionCIFix, &runner.PromptContext{FailedChecks: failed}); err != nil || reason != "" {
			return reason, err
		}
		if err := g.transition(ctx, v, types.StateAwaitingCI, ""); err != nil {
			return "", err
		}
	}
}

// reviewStage checks the review decision and runs up to MaxReviewFixes fix
// cycles, each followed by a fresh CI stage
func (g *Gate) reviewStage(ctx context.Context, v *validation) (*Outcome, error) {
	pr := v.artifact.Number
	for fixes := 0; ; fixes++ {
		if err := g.transition(ctx, v, types.StateAwaitingReview, ""); err != nil {
			return nil, err
		}
		decision, err := g.config.Tracker.ReviewDecision(ctx, pr)
		if err != nil {
			if recErr := g.record(ctx, v, types.ActionReview, types.ResultFailed, map[string]any{types.MetaReason: err.Error()}); recErr != nil {
				return nil, recErr
			}
			return g.fail(ctx, v, "review", fmt.Sprintf("review decision: %v", err))
		}

		result := types.ResultSuccess
		if decision == tracker.ReviewChangesRequested {
			result = types.ResultFailed
		}
		if err := g.record(ctx, v, types.ActionReview, result, map[string]any{"decision": string(decision), "cycle": fixes}); err != nil {
			return nil, err
		}

		switch decision {
		case tracker.ReviewApproved:
			if err := g.transition(ctx, v, types.StateApproved, ""); err != nil {
				return nil, err
			}
			return g.ready(ctx, v, "approved")
		case tracker.ReviewChangesRequested:
		default:
			if err := g.transition(ctx, v, types.StateNotRequired, string(decision)); err != nil {
				return nil, err
			}
			return g.ready(ctx, v, "no blocking review")
		}

		if err := g.transition(ctx, v, types.StateChangesRequested, ""); err != nil {
			return nil, err
		}
		if fixes >= g.config.MaxReviewFixes {
			return g.fail(ctx, v, "review", fmt.Sprintf("changes still requested after %d review fix cycle(s)", fixes))
		}

		fb, err := g.config.Tracker.ReviewFeedback(ctx, pr)
		if err != nil {
			return g.fail(ctx, v, "review", fmt.Sprintf("review feedback: %v", err))
		}
		g.printf("  %s #%s changes requested, review fix %d/%d\n", color.YellowString("⚠"), v.item.ID, fixes+1, g.config.MaxReviewFixes)
		if err := g.transition(ctx, v, types.StateReviewFix, ""); err != nil {
			return nil, err
		}
		if reason, err := g.runFix(ctx, v, runner.TaskFixReview, types.ActionReviewFix, &runner.PromptContext{Feedback: ConsolidateFeedback(fb)}); err != nil || reason != "" {
			if err != nil {
				return nil, err
			}
			return g.fail(ctx, v, "review", reason)
		}

		if err := g.transition(ctx, v, types.StateAwaitingCI, ""); err != nil {
			return nil, err
		}
		if reason, err := g.ciStage(ctx, v); err != nil || reason != "" {
			if err != nil {
				return nil, err
			}
			return g.fail(ctx, v, "ci", reason)
		}
	}
}

// waitForCI polls until CI leaves the pending state. The interval starts
// at Poll.Initial and doubles up to Poll.Max; ErrCITimeout is returned once
// Poll.Timeout worth of waiting has passed.
func (g *Gate) waitForCI(ctx context.Context, pr int) (*tracker.CheckReport, error) {
	interval := g.config.Poll.Initial
	var waited time.Duration
	for {
		report, err := g.config.Tracker.Checks(ctx, pr)
		if m := g.config.Metrics; m != nil {
			m.CIPolls.Add(ctx, 1)
		}
		if err != nil {
			return nil, err
		}
		switch report.Status {
		case tracker.CIPassed, tracker.CIFailed:
			return report, nil
		case tracker.CINone:
			// Checks may not be registered yet right after a push
			if waited >= g.config.Poll.NoChecksGrace {
				return report, nil
			}
		}

		if waited >= g.config.Poll.Timeout {
			return nil, ErrCITimeout
		}
		wait := interval
		if remaining := g.config.Poll.Timeout - waited; wait > remaining {
			wait = remaining
		}
		if err := g.config.Sleep(ctx, wait); err != nil {
			return nil, err
		}
		waited += wait
		interval *= 2
		if interval > g.config.Poll.Max {
			interval = g.config.Poll.Max
		}
	}
}

// runFix delegates one fix task. It returns a non-empty reason when the fix
// could not be carried out.
func (g *Gate) runFix(ctx context.Context, v *validation, kind runner.TaskKind, action string, pctx *runner.PromptContext) (string, error) {
	if m := g.config.Metrics; m != nil {
		m.FixAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
	}
	ws, err := g.workspace(ctx, v)
	if err != nil {
		reason := fmt.Sprintf("%s: workspace: %v", kind, err)
		return reason, g.record(ctx, v, action, types.ResultFailed, map[string]any{types.MetaReason: reason})
	}

	pctx.Item = &v.item
	pctx.Branch = ws.Branch
	if v.artifact.Branch != "" {
		pctx.Branch = v.artifact.Branch
	}
	pctx.BaseBranch = g.config.BaseBranch
	pctx.PRNumber = v.artifact.Number
	prompt, err := g.config.Prompts.Build(kind, pctx)
	if err != nil {
		return "", err
	}

	res, err := g.config.Tasks.Run(ctx, runner.Task{Kind: kind, ItemID: v.item.ID, Prompt: prompt, Dir: ws.Path})
	if err != nil {
		reason := fmt.Sprintf("%s: %v", kind, err)
		return reason, g.record(ctx, v, action, types.ResultFailed, map[string]any{types.MetaReason: reason})
	}
	g.config.Metrics.RecordTask(ctx, string(kind), res.Duration, res.Success())

	meta := map[string]any{
		types.MetaExitCode: res.ExitCode,
		types.MetaLogPath:  res.LogPath,
		types.MetaPRNumber: v.artifact.Number,
	}
	if !res.Success() {
		reason := fmt.Sprintf("%s task exited with code %d", kind, res.ExitCode)
		meta[types.MetaReason] = reason
		return reason, g.record(ctx, v, action, types.ResultFailed, meta)
	}
	return "", g.record(ctx, v, action, types.ResultSuccess, meta)
}

func (g *Gate) workspace(ctx context.Context, v *validation) (*sandbox.Workspace, error) {
	if v.wf.WorkspacePath != "" {
		return g.config.Workspaces.Reopen(ctx, v.item.ID, v.wf.WorkspacePath)
	}
	ws, err := g.config.Workspaces.Resolve(ctx, v.item.ID, g.config.Concurrent)
	if err != nil {
		return nil, err
	}
	if err := g.config.Store.SetWorkflowWorkspace(ctx, v.wf.ID, ws.Branch, ws.Path); err != nil {
		return nil, storage.Persist("record workspace", err)
	}
	v.wf.Branch, v.wf.WorkspacePath = ws.Branch, ws.Path
	return ws, nil
}

func (g *Gate) ready(ctx context.Context, v *validation, reason string) (*Outcome, error) {
	if err := g.transition(ctx, v, types.StateReady, reason); err != nil {
		return nil, err
	}
	if err := g.record(ctx, v, types.ActionGate, types.ResultSuccess, map[string]any{types.MetaReason: reason}); err != nil {
		return nil, err
	}
	g.printf("  %s #%s ready to merge (%s)\n", color.GreenString("✓"), v.item.ID, reason)
	v.logger.Info("gate passed", "pr", v.artifact.Number, "reason", reason)
	return &Outcome{ItemID: v.item.ID, Ready: true, Reason: reason, Artifact: v.artifact}, nil
}

// fail records the gate failure and marks the workflow failed so a later
// run keeps gating its dependents
func (g *Gate) fail(ctx context.Context, v *validation, stage, reason string) (*Outcome, error) {
	if v.state.CanTransitionTo(types.StateFailed) {
		if err := g.transition(ctx, v, types.StateFailed, reason); err != nil {
			return nil, err
		}
	}
	if err := g.record(ctx, v, types.ActionGate, types.ResultFailed, map[string]any{
		types.MetaReason: reason,
		"stage":          stage,
	}); err != nil {
		return nil, err
	}
	if err := g.config.Store.SetWorkflowStatus(ctx, v.wf.ID, types.StatusFailed); err != nil {
		return nil, storage.Persist("mark workflow failed", err)
	}
	v.wf.Status = types.StatusFailed
	g.printf("  %s #%s %s: %s\n", color.RedString("✗"), v.item.ID, stage, reason)
	v.logger.Warn("gate failed", "stage", stage, "reason", reason)
	return &Outcome{ItemID: v.item.ID, Reason: reason, Artifact: v.artifact}, nil
}

func (g *Gate) transition(ctx context.Context, v *validation, to types.PipelineState, reason string) error {
	if err := storage.Transition(ctx, g.config.Store, v.wf.ID, v.state, to, reason); err != nil {
		return err
	}
	v.state = to
	return nil
}

func (g *Gate) record(ctx context.Context, v *validation, name string, result types.ActionResult, meta map[string]any) error {
	if v.artifact != nil {
		if meta == nil {
			meta = map[string]any{}
		}
		if _, ok := meta[types.MetaPRNumber]; !ok {
			meta[types.MetaPRNumber] = v.artifact.Number
		}
	}
	return storage.Record(ctx, g.config.Store, v.wf.ID, name, result, meta)
}

func (g *Gate) printf(format string, args ...any) {
	g.outMu.Lock()
	defer g.outMu.Unlock()
	fmt.Fprintf(g.out, format, args...)
}

func checkNames(checks []tracker.Check) []string {
	names := make([]string, 0, len(checks))
	for _, c := range checks {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
