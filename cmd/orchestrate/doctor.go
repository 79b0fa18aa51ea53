package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/steveyegge/orchestrate/internal/git"
	"github.com/steveyegge/orchestrate/internal/orchestrator"
	"github.com/steveyegge/orchestrate/internal/preflight"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the tools and state a run depends on",
	Long: `Run preflight checks before delivering a target.

This command checks for:
- git and gh at supported versions
- gh authentication
- the task runner executable
- a git repository at the repo dir
- uncommitted changes in the primary checkout (warning only)
- checkpoint store health, when a run has created one

Exit codes:
  0 - No check failed (warnings allowed)
  2 - One or more checks failed`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(orchestrator.ExitSetup)
		}
		ctx := context.Background()

		fmt.Printf("Running preflight checks...\n\n")

		store, err := openExistingStore(ctx, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open checkpoint store: %v\n", err)
			os.Exit(orchestrator.ExitPersistence)
		}
		if store != nil {
			defer func() { _ = store.Close() }()
		}

		var tree preflight.WorkingTree
		if g, err := git.NewGit(ctx); err == nil {
			tree = g
		}
		report := preflight.Run(ctx, preflight.DefaultChecks(cfg.RepoDir, cfg.Runner.Command, store, tree)...)
		report.Print(os.Stdout)
		fmt.Println()
		if !report.Passed() {
			fmt.Println("Some checks failed; fix them before running.")
			if store != nil {
				_ = store.Close()
			}
			os.Exit(orchestrator.ExitSetup)
		}
		fmt.Println("All required checks passed.")
	},
}
