// Package merge lands validated work items on the base branch, either
// directly or after a human has merged them, then re-syncs the primary
// checkout.
package merge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/steveyegge/orchestrate/internal/git"
	"github.com/steveyegge/orchestrate/internal/notify"
	"github.com/steveyegge/orchestrate/internal/sandbox"
	"github.com/steveyegge/orchestrate/internal/storage"
	"github.com/steveyegge/orchestrate/internal/telemetry"
	"github.com/steveyegge/orchestrate/internal/tracker"
	"github.com/steveyegge/orchestrate/internal/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Mode selects how ready items are merged
type Mode string

const (
	// ModeAuto merges each ready item immediately
	ModeAuto Mode = "auto"
	// ModeNotify asks a human to merge and waits for an acknowledgement
	ModeNotify Mode = "notify"
	// ModeSkip reports ready items without merging them
	ModeSkip Mode = "skip"
)

// IsValid checks if the mode value is valid
func (m Mode) IsValid() bool {
	switch m {
	case ModeAuto, ModeNotify, ModeSkip:
		return true
	}
	return false
}

// Git is the version-control surface the coordinator needs
type Git interface {
	Fetch(ctx context.Context, repoPath, remote string) error
	Checkout(ctx context.Context, repoPath, branch string) error
	PullFastForward(ctx context.Context, repoPath, remote, branch string) error
	Rebase(ctx context.Context, repoPath string, opts git.RebaseOptions) (*git.RebaseResult, error)
	PushForceWithLease(ctx context.Context, repoPath, remote, branch string) error
}

// Cleaner removes an item's isolated workspace
type Cleaner interface {
	CleanupPath(ctx context.Context, itemID, path string) error
}

// Config holds merge coordinator configuration
type Config struct {
	Store    storage.Storage
	Tracker  tracker.PullRequests
	Git      Git
	Cleaner  Cleaner        // Optional: removes merged items' worktrees
	Notifier notify.Channel // Required for ModeNotify
	Mode     Mode

	RepoDir    string // Primary checkout re-synced after merges
	BaseBranch string
	Remote     string

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *telemetry.Metrics
	Out     io.Writer
}

// Coordinator merges the ready items of a wave
type Coordinator struct {
	config Config
	logger *slog.Logger
	tracer trace.Tracer

	outMu sync.Mutex
	out   io.Writer
}

// New creates a merge coordinator
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if cfg.Tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeNotify
	}
	if !cfg.Mode.IsValid() {
		return nil, fmt.Errorf("invalid merge mode: %q", cfg.Mode)
	}
	if cfg.Mode != ModeSkip && cfg.Git == nil {
		return nil, fmt.Errorf("git is required to merge")
	}
	if cfg.Mode == ModeNotify && cfg.Notifier == nil {
		return nil, fmt.Errorf("notifier is required for notify-and-wait")
	}
	if cfg.RepoDir == "" {
		cfg.RepoDir = "."
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if cfg.Remote == "" {
		cfg.Remote = "origin"
	}
	c := &Coordinator{config: cfg, logger: cfg.Logger, tracer: cfg.Tracer, out: cfg.Out}
	if c.logger == nil {
		c.logger = telemetry.DiscardLogger()
	}
	if c.tracer == nil {
		c.tracer = telemetry.Noop().Tracer
	}
	if c.out == nil {
		c.out = os.Stdout
	}
	return c, nil
}

// Candidate is an item the gate declared ready
type Candidate struct {
	Item          types.WorkItem
	Workflow      *types.Workflow
	Artifact      *tracker.Artifact
	AlreadyMerged bool
}

// Result reports the merge outcome of a wave
type Result struct {
	Merged  []string
	Pending []string          // ready but deliberately left unmerged
	Failed  map[string]string // item id -> reason
}

// FailedIDs returns the ids of items that failed to merge in natural order
func (r *Result) FailedIDs() []string {
	ids := make([]string, 0, len(r.Failed))
	for id := range r.Failed {
		ids = append(ids, id)
	}
	types.SortIDs(ids)
	return ids
}

// MergeWave merges every ready item of a wave according to the configured
// mode. Per-item failures are reported in the Result; the error is reserved
// for checkpoint failures and notification channel errors.
func (c *Coordinator) MergeWave(ctx context.Context, milestone *types.Milestone, wave int, ready []Candidate) (*Result, error) {
	result := &Result{Failed: make(map[string]string)}
	if len(ready) == 0 {
		return result, nil
	}
	ctx, span := telemetry.StartSpan(ctx, c.tracer, "orchestrate.merge_wave",
		telemetry.AttrMilestone.String(milestone.Name), telemetry.AttrWave.Int(wave))
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	sort.Slice(ready, func(i, j int) bool { return types.LessID(ready[i].Item.ID, ready[j].Item.ID) })
	if err = c.config.Store.SetMilestonePhase(ctx, milestone.ID, types.MilestoneMerge); err != nil {
		err = storage.Persist("set milestone phase", err)
		return nil, err
	}

	var pending []Candidate
	for _, cand := range ready {
		if cand.AlreadyMerged {
			if err = c.finalize(ctx, cand, "already merged", false); err != nil {
				return nil, err
			}
			result.Merged = append(result.Merged, cand.Item.ID)
			continue
		}
		pending = append(pending, cand)
	}

	switch c.config.Mode {
	case ModeSkip:
		err = c.skip(ctx, pending, result)
	case ModeAuto:
		err = c.autoMerge(ctx, pending, result)
	case ModeNotify:
		err = c.notifyAndWait(ctx, milestone, wave, pending, result)
	}
	if err != nil {
		return nil, err
	}

	if len(result.Merged) > 0 && c.config.Mode != ModeSkip {
		c.resync(ctx)
		if err = c.cleanup(ctx, ready, result.Merged); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (c *Coordinator) skip(ctx context.Context, pending []Candidate, result *Result) error {
	for _, cand := range pending {
		if err := storage.Record(ctx, c.config.Store, cand.Workflow.ID, types.ActionMerge, types.ResultPending, map[string]any{
			types.MetaPRNumber: cand.Artifact.Number,
			types.MetaReason:   "merge skipped",
		}); err != nil {
			return err
		}
		if err := storage.Transition(ctx, c.config.Store, cand.Workflow.ID, types.StateReady, types.StateCompleted, "merge skipped"); err != nil {
			return err
		}
		result.Pending = append(result.Pending, cand.Item.ID)
		c.printf("  %s #%s ready, not merged: %s\n", color.CyanString("●"), cand.Item.ID, cand.Artifact.URL)
	}
	return nil
}

func (c *Coordinator) autoMerge(ctx context.Context, pending []Candidate, result *Result) error {
	for _, cand := range pending {
		if err := c.config.Store.SetWorkflowPhase(ctx, cand.Workflow.ID, types.PhaseMerge); err != nil {
			return storage.Persist("set phase", err)
		}
		reason, err := c.mergeOne(ctx, cand)
		if err != nil {
			return err
		}
		if reason != "" {
			if err := c.markFailed(ctx, cand, reason); err != nil {
				return err
			}
			result.Failed[cand.Item.ID] = reason
			continue
		}
		if err := c.finalize(ctx, cand, "merged", true); err != nil {
			return err
		}
		result.Merged = append(result.Merged, cand.Item.ID)
	}
	return nil
}

// mergeOne squash-merges an artifact, retrying once after rebasing its
// branch onto the remote base. It returns a non-empty reason on failure.
func (c *Coordinator) mergeOne(ctx context.Context, cand Candidate) (string, error) {
	pr := cand.Artifact.Number
	logger := c.logger.With("item", cand.Item.ID, "pr", pr)

	firstErr := c.config.Tracker.Merge(ctx, pr)
	c.countMerge(ctx, firstErr == nil)
	if firstErr == nil || c.verifyMerged(ctx, pr) {
		return "", nil
	}
	logger.Warn("merge failed, rebasing and retrying", "error", firstErr)
	if err := storage.Record(ctx, c.config.Store, cand.Workflow.ID, types.ActionMergeRetry, types.ResultPending, map[string]any{
		types.MetaPRNumber: pr,
		types.MetaReason:   firstErr.Error(),
	}); err != nil {
		return "", err
	}

	if reason := c.rebase(ctx, cand); reason != "" {
		return fmt.Sprintf("merge failed (%v); %s", firstErr, reason), nil
	}
	retryErr := c.config.Tracker.Merge(ctx, pr)
	c.countMerge(ctx, retryErr == nil)
	if retryErr == nil || c.verifyMerged(ctx, pr) {
		return "", nil
	}
	return fmt.Sprintf("merge failed after rebase: %v", retryErr), nil
}

// rebase brings the item branch up to date with the remote base and pushes
// it. It returns a non-empty reason on failure.
func (c *Coordinator) rebase(ctx context.Context, cand Candidate) string {
	dir := cand.Workflow.WorkspacePath
	if dir == "" {
		dir = c.config.RepoDir
	}
	branch := cand.Artifact.Branch
	if branch == "" {
		branch = sandbox.BranchName(cand.Item.ID)
	}
	remote := c.config.Remote

	if err := c.config.Git.Fetch(ctx, dir, remote); err != nil {
		return fmt.Sprintf("fetch: %v", err)
	}
	if err := c.config.Git.Checkout(ctx, dir, branch); err != nil {
		return fmt.Sprintf("checkout %s: %v", branch, err)
	}
	res, err := c.config.Git.Rebase(ctx, dir, git.RebaseOptions{
		Onto:            remote + "/" + c.config.BaseBranch,
		AbortOnConflict: true,
	})
	if err != nil {
		return fmt.Sprintf("rebase: %v", err)
	}
	if res.HasConflicts {
		return fmt.Sprintf("rebase conflicts in %s", strings.Join(res.ConflictedFiles, ", "))
	}
	if err := c.config.Git.PushForceWithLease(ctx, dir, remote, branch); err != nil {
		return fmt.Sprintf("push: %v", err)
	}
	return ""
}

// verifyMerged asks the tracker whether the artifact is merged. The code
// host is the source of truth, not the merge command's exit status.
func (c *Coordinator) verifyMerged(ctx context.Context, pr int) bool {
	a, err := c.config.Tracker.GetArtifact(ctx, pr)
	if err != nil {
		c.logger.Warn("failed to verify merge state", "pr", pr, "error", err)
		return false
	}
	return a != nil && a.State == tracker.PRMerged
}

func (c *Coordinator) notifyAndWait(ctx context.Context, milestone *types.Milestone, wave int, pending []Candidate, result *Result) error {
	if len(pending) == 0 {
		return nil
	}
	message := BuildNotice(milestone.Name, wave, pending)

	if err := c.config.Store.SetMilestoneStatus(ctx, milestone.ID, types.StatusPaused); err != nil {
		return storage.Persist("pause milestone", err)
	}
	milestone.Status = types.StatusPaused
	c.printf("  %s waiting for %d item(s) to be merged (via %s)\n", color.YellowString("⏸"), len(pending), c.config.Notifier.Name())
	c.logger.Info("waiting for merge acknowledgement", "wave", wave, "items", len(pending), "channel", c.config.Notifier.Name())

	if err := c.config.Notifier.Send(ctx, message); err != nil {
		return fmt.Errorf("failed to send merge notification: %w", err)
	}
	reply, err := c.config.Notifier.WaitForReply(ctx)
	if err != nil {
		return fmt.Errorf("failed waiting for merge acknowledgement: %w", err)
	}
	c.logger.Info("merge acknowledgement received", "reply", reply)

	if err := c.config.Store.SetMilestoneStatus(ctx, milestone.ID, types.StatusRunning); err != nil {
		return storage.Persist("resume milestone", err)
	}
	milestone.Status = types.StatusRunning

	for _, cand := range pending {
		if err := c.config.Store.SetWorkflowPhase(ctx, cand.Workflow.ID, types.PhaseMerge); err != nil {
			return storage.Persist("set phase", err)
		}
		if err := storage.Record(ctx, c.config.Store, cand.Workflow.ID, types.ActionVerifyMerge, types.ResultSuccess, map[string]any{
			types.MetaPRNumber: cand.Artifact.Number,
			"reply":            reply,
		}); err != nil {
			return err
		}
		fresh, err := c.config.Tracker.GetArtifact(ctx, cand.Artifact.Number)
		if err != nil || fresh == nil || fresh.State != tracker.PRMerged {
			reason := "not merged after acknowledgement"
			if err != nil {
				reason = fmt.Sprintf("merge state unknown: %v", err)
			}
			if err := c.markFailed(ctx, cand, reason); err != nil {
				return err
			}
			result.Failed[cand.Item.ID] = reason
			continue
		}
		cand.Artifact = fresh
		if err := c.finalize(ctx, cand, "merged by operator", true); err != nil {
			return err
		}
		result.Merged = append(result.Merged, cand.Item.ID)
	}
	return nil
}

// BuildNotice renders the consolidated merge request for a wave
func BuildNotice(milestone string, wave int, pending []Candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: wave %d has %d pull request(s) ready to merge\n\n", milestone, wave, len(pending))
	for _, cand := range pending {
		fmt.Fprintf(&b, "- #%s %s\n  PR #%d %s\n", cand.Item.ID, cand.Item.Title, cand.Artifact.Number, cand.Artifact.URL)
	}
	b.WriteString("\nMerge them (squash), then reply to continue. Unmerged pull requests are recorded as failed.")
	return b.String()
}

// finalize records a merged item. transition is false for items that were
// merged before this run validated them.
func (c *Coordinator) finalize(ctx context.Context, cand Candidate, reason string, transition bool) error {
	wfID := cand.Workflow.ID
	meta := map[string]any{
		types.MetaPRNumber: cand.Artifact.Number,
		types.MetaPRURL:    cand.Artifact.URL,
		types.MetaReason:   reason,
	}
	mergeCommit := cand.Artifact.MergeCommit
	if mergeCommit == "" {
		if fresh, err := c.config.Tracker.GetArtifact(ctx, cand.Artifact.Number); err == nil && fresh != nil {
			mergeCommit = fresh.MergeCommit
		}
	}
	if mergeCommit != "" {
		meta["merge_commit"] = mergeCommit
	}
	if err := storage.Record(ctx, c.config.Store, wfID, types.ActionMerge, types.ResultSuccess, meta); err != nil {
		return err
	}
	if mergeCommit != "" {
		if err := c.config.Store.AppendCommit(ctx, &types.Commit{
			WorkflowID: wfID,
			SHA:        mergeCommit,
			Message:    fmt.Sprintf("%s (#%d)", cand.Item.Title, cand.Artifact.Number),
		}); err != nil {
			return storage.Persist("append merge commit", err)
		}
	}
	if transition {
		if err := storage.Transition(ctx, c.config.Store, wfID, types.StateReady, types.StateMerged, ""); err != nil {
			return err
		}
		if err := storage.Transition(ctx, c.config.Store, wfID, types.StateMerged, types.StateCompleted, ""); err != nil {
			return err
		}
	}
	c.printf("  %s #%s merged (PR #%d)\n", color.GreenString("✓"), cand.Item.ID, cand.Artifact.Number)
	c.logger.Info("item merged", "item", cand.Item.ID, "pr", cand.Artifact.Number, "reason", reason)
	return nil
}

func (c *Coordinator) markFailed(ctx context.Context, cand Candidate, reason string) error {
	wfID := cand.Workflow.ID
	if err := storage.Record(ctx, c.config.Store, wfID, types.ActionMerge, types.ResultFailed, map[string]any{
		types.MetaPRNumber: cand.Artifact.Number,
		types.MetaReason:   reason,
	}); err != nil {
		return err
	}
	if err := storage.Transition(ctx, c.config.Store, wfID, types.StateReady, types.StateMergeFailed, reason); err != nil {
		return err
	}
	if err := storage.Transition(ctx, c.config.Store, wfID, types.StateMergeFailed, types.StateFailed, reason); err != nil {
		return err
	}
	if err := c.config.Store.SetWorkflowStatus(ctx, wfID, types.StatusFailed); err != nil {
		return storage.Persist("mark workflow failed", err)
	}
	cand.Workflow.Status = types.StatusFailed
	c.printf("  %s #%s merge failed: %s\n", color.RedString("✗"), cand.Item.ID, reason)
	c.logger.Warn("merge failed", "item", cand.Item.ID, "pr", cand.Artifact.Number, "reason", reason)
	return nil
}

// resync fast-forwards the primary checkout's base branch to the merged
// upstream state. Failures are logged; later waves rebase anyway.
func (c *Coordinator) resync(ctx context.Context) {
	repo, remote, base := c.config.RepoDir, c.config.Remote, c.config.BaseBranch
	steps := []struct {
		name string
		fn   func() error
	}{
		{"fetch", func() error { return c.config.Git.Fetch(ctx, repo, remote) }},
		{"checkout", func() error { return c.config.Git.Checkout(ctx, repo, base) }},
		{"pull", func() error { return c.config.Git.PullFastForward(ctx, repo, remote, base) }},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to re-sync %s (%s): %v\n", base, step.name, err)
			c.logger.Warn("base branch re-sync failed", "step", step.name, "error", err)
			return
		}
	}
	c.logger.Info("base branch re-synced", "branch", base)
}

// cleanup removes the worktrees of merged items and records the cleanup
func (c *Coordinator) cleanup(ctx context.Context, ready []Candidate, merged []string) error {
	done := make(map[string]bool, len(merged))
	for _, id := range merged {
		done[id] = true
	}
	for _, cand := range ready {
		if !done[cand.Item.ID] {
			continue
		}
		wf := cand.Workflow
		result := types.ResultSuccess
		meta := map[string]any{"path": wf.WorkspacePath}
		if c.config.Cleaner != nil {
			if err := c.config.Cleaner.CleanupPath(ctx, cand.Item.ID, wf.WorkspacePath); err != nil {
				result = types.ResultFailed
				meta[types.MetaReason] = err.Error()
				c.logger.Warn("failed to remove worktree", "item", cand.Item.ID, "error", err)
			}
		}
		if err := storage.Record(ctx, c.config.Store, wf.ID, types.ActionCleanup, result, meta); err != nil {
			return err
		}
		if err := c.config.Store.SetWorkflowPhase(ctx, wf.ID, types.PhaseCleanup); err != nil {
			return storage.Persist("set phase", err)
		}
	}
	return nil
}

func (c *Coordinator) countMerge(ctx context.Context, ok bool) {
	if m := c.config.Metrics; m != nil {
		m.Merges.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", ok)))
	}
}

func (c *Coordinator) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
