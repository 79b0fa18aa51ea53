package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/steveyegge/orchestrate/internal/ai"
	"github.com/steveyegge/orchestrate/internal/config"
	"github.com/steveyegge/orchestrate/internal/gates"
	"github.com/steveyegge/orchestrate/internal/git"
	"github.com/steveyegge/orchestrate/internal/merge"
	"github.com/steveyegge/orchestrate/internal/notify"
	"github.com/steveyegge/orchestrate/internal/orchestrator"
	"github.com/steveyegge/orchestrate/internal/runner"
	"github.com/steveyegge/orchestrate/internal/sandbox"
	"github.com/steveyegge/orchestrate/internal/storage"
	"github.com/steveyegge/orchestrate/internal/telemetry"
	"github.com/steveyegge/orchestrate/internal/tracker"
)

var epicCmd = newRunCmd(tracker.TargetEpic, "Deliver every open item of an epic")

var milestoneCmd = newRunCmd(tracker.TargetMilestone, "Deliver every open item of a tracker milestone")

func newRunCmd(kind tracker.TargetKind, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   fmt.Sprintf("%s <ref>", kind),
		Short: short,
		Long: fmt.Sprintf(`%s.

Items are planned into waves from their dependencies. Each wave is executed
by the task runner, validated against CI and review, then merged before the
next wave starts. Items that depend on a failed item are skipped.

Exit codes:
  0 - Every item delivered (or dry run)
  1 - One or more items failed
  2 - Setup error (bad target, cycle, existing run without --resume)
  3 - Checkpoint store error`, short),
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runTarget(cmd, tracker.Target{Kind: kind, Ref: args[0]}))
		},
	}

	f := cmd.Flags()
	f.Int("parallel", 1, "number of task runners executing at once")
	f.Float64("max-budget", 0, "per-task spend cap in USD (0 = none)")
	f.String("model", "", "model passed to the task runner")
	f.Int("wave", 0, "run only this wave (0 = all)")
	f.Bool("dry-run", false, "print the wave plan and exit")
	f.Bool("resume", false, "continue an interrupted run")
	f.Bool("skip-ci", false, "do not wait for CI")
	f.Bool("skip-review", false, "do not wait for review")
	f.Bool("skip-merge", false, "leave pull requests unmerged")
	f.Bool("auto-merge", false, "merge pull requests without waiting for acknowledgement")
	f.Int("max-review-fixes", 2, "review fix attempts per item (0 = none)")
	f.Int("max-ci-attempts", 2, "CI fix attempts per item (0 = none)")
	f.String("base", "", "base branch (default main)")
	f.String("tracker", "", "work item source: github, beads, file")
	f.String("repo", "", "GitHub repository owner/name")
	f.String("items-file", "", "YAML work item file for the file tracker")
	f.String("beads-db", "", "beads database for the beads tracker")
	f.String("notify", "", "acknowledgement channel: terminal, telegram, file")
	return cmd
}

// runTarget runs one target and returns the process exit code
func runTarget(cmd *cobra.Command, target tracker.Target) int {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return orchestrator.ExitSetup
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := telemetry.DiscardLogger()
	if !cfg.Run.DryRun {
		var closer io.Closer
		logger, closer, err = telemetry.NewLogger(cfg.StateDir, cfg.LogLevel)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open diagnostic log: %v\n", err)
			return orchestrator.ExitPersistence
		}
		defer func() { _ = closer.Close() }()
	}
	logger = logger.With("milestone", target.MilestoneName())
	logger.Debug("configuration loaded", "config", cfg.String())

	provider, err := telemetry.Init(ctx, telemetry.Config{
		Exporter: cfg.Telemetry.Exporter,
		Endpoint: cfg.Telemetry.Endpoint,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize telemetry: %v\n", err)
		return orchestrator.ExitSetup
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()
	metrics, err := telemetry.NewMetrics(provider.Meter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to create metrics: %v\n", err)
		return orchestrator.ExitSetup
	}

	source, closeSource, err := openSource(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return orchestrator.ExitSetup
	}
	defer closeSource()

	opts := orchestrator.Options{
		Target:         target,
		StateDir:       cfg.StateDir,
		RepoDir:        cfg.RepoDir,
		BaseBranch:     cfg.BaseBranch,
		Remote:         cfg.Remote,
		Parallel:       cfg.Run.Parallel,
		Wave:           cfg.Run.Wave,
		DryRun:         cfg.Run.DryRun,
		Resume:         cfg.Run.Resume,
		SkipCI:         cfg.Run.SkipCI,
		SkipReview:     cfg.Run.SkipReview,
		MergeMode:      mergeMode(cfg),
		MaxReviewFixes: cfg.Run.MaxReviewFixes,
		MaxCIAttempts:  cfg.Run.MaxCIAttempts,
		Poll: gates.PollConfig{
			Initial:       cfg.CI.InitialInterval,
			Max:           cfg.CI.MaxInterval,
			Timeout:       cfg.CI.Timeout,
			NoChecksGrace: gates.DefaultPollConfig().NoChecksGrace,
		},
	}
	deps := orchestrator.Deps{
		Source:  source,
		Logger:  logger,
		Tracer:  provider.Tracer,
		Metrics: metrics,
		Out:     os.Stdout,
	}

	if !cfg.Run.DryRun {
		cleanup, err := wireRun(ctx, cfg, target, opts.MergeMode, logger, &deps)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return orchestrator.ExitSetup
		}
		defer cleanup()
	}

	orch, err := orchestrator.New(opts, deps)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return orchestrator.ExitSetup
	}
	report, err := orch.Run(ctx)
	if err != nil {
		logger.Error("run failed", "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return orchestrator.ExitCode(report, err)
}

// wireRun fills in the collaborators a real run needs. The returned
// function releases them.
func wireRun(ctx context.Context, cfg *config.Config, target tracker.Target, mode merge.Mode, logger *slog.Logger, deps *orchestrator.Deps) (func(), error) {
	gh := tracker.NewGitHub(tracker.GitHubConfig{
		Repo:              cfg.Tracker.Repo,
		Dir:               cfg.RepoDir,
		RequestsPerSecond: cfg.Tracker.RequestsPerSecond,
	})
	deps.PRs = gh

	gitOps, err := git.NewGit(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize git: %w", err)
	}
	deps.Git = gitOps

	workspaces, err := sandbox.NewManager(sandbox.Config{
		RepoDir:      cfg.RepoDir,
		WorktreeRoot: storage.WorktreeDir(cfg.StateDir),
		BaseBranch:   cfg.BaseBranch,
		Git:          gitOps,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace manager: %w", err)
	}
	deps.Workspaces = workspaces
	deps.Cleaner = workspaces

	tasks, err := runner.NewTaskRunner(runner.TaskConfig{
		Command:   cfg.Runner.Command,
		Model:     cfg.Run.Model,
		MaxBudget: cfg.Run.MaxBudget,
		Timeout:   cfg.Runner.Timeout,
		ExtraArgs: cfg.Runner.ExtraArgs,
		LogDir:    storage.LogDir(cfg.StateDir, target.MilestoneName()),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create task runner: %w", err)
	}
	deps.Tasks = tasks

	prompts, err := runner.NewPromptBuilder()
	if err != nil {
		return nil, fmt.Errorf("failed to load prompt templates: %w", err)
	}
	deps.Prompts = prompts

	deps.OpenStore = func(ctx context.Context) (storage.Storage, error) {
		if err := storage.EnsureStateDir(cfg.StateDir); err != nil {
			return nil, err
		}
		return storage.NewStorage(ctx, &storage.Config{
			Path:         storage.DatabasePath(cfg.StateDir),
			BusyTimeout:  cfg.Store.BusyTimeout,
			IdleTimeout:  cfg.Store.IdleTimeout,
			MaxOpenConns: cfg.Store.MaxOpenConns,
		})
	}

	if cfg.AI.Enabled {
		triage, err := ai.NewTriage(&ai.Config{Model: cfg.AI.Model, Logger: logger})
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: failure triage disabled: %v\n", err)
		} else {
			deps.Triage = triage
		}
	}

	baseline, err := gates.NewBaselineRunner(gates.BaselineConfig{
		LintCommand:      cfg.Baseline.LintCommand,
		TypecheckCommand: cfg.Baseline.TypecheckCommand,
		ErrorPattern:     cfg.Baseline.ErrorPattern,
		WorkingDir:       cfg.RepoDir,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid baseline configuration: %w", err)
	}
	if baseline.Enabled() {
		deps.Baseline = baseline
	}

	closeNotifier := func() {}
	if mode == merge.ModeNotify {
		ch, err := notify.New(notify.Config{
			Kind:           notify.Kind(cfg.Notify.Channel),
			TelegramToken:  cfg.Notify.TelegramToken,
			TelegramChatID: cfg.Notify.TelegramChatID,
			AckFile:        cfg.AckFilePath(),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open notification channel: %w", err)
		}
		deps.Notifier = ch
		closeNotifier = func() {
			if err := ch.Close(); err != nil {
				logger.Warn("failed to close notification channel", "error", err)
			}
		}
	}
	return closeNotifier, nil
}

// openSource builds the configured work item source
func openSource(ctx context.Context, cfg *config.Config) (tracker.Source, func(), error) {
	switch cfg.Tracker.Kind {
	case config.TrackerBeads:
		b, err := tracker.OpenBeads(ctx, cfg.Tracker.BeadsDB)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open beads database: %w", err)
		}
		return b, func() { _ = b.Close() }, nil
	case config.TrackerFile:
		f, err := tracker.NewFile(cfg.Tracker.ItemsFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load items file: %w", err)
		}
		return f, func() {}, nil
	default:
		return tracker.NewGitHub(tracker.GitHubConfig{
			Repo:              cfg.Tracker.Repo,
			Dir:               cfg.RepoDir,
			RequestsPerSecond: cfg.Tracker.RequestsPerSecond,
		}), func() {}, nil
	}
}

// mergeMode picks the merge behavior. Skip wins over auto so a run never
// merges work the caller asked to keep unmerged.
func mergeMode(cfg *config.Config) merge.Mode {
	switch {
	case cfg.Run.SkipMerge:
		return merge.ModeSkip
	case cfg.Run.AutoMerge:
		return merge.ModeAuto
	default:
		return merge.ModeNotify
	}
}
