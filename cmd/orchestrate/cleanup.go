package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/steveyegge/orchestrate/internal/git"
	"github.com/steveyegge/orchestrate/internal/orchestrator"
	"github.com/steveyegge/orchestrate/internal/sandbox"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Cleanup and maintenance commands",
}

var cleanupBranchesCmd = &cobra.Command{
	Use:   "branches",
	Short: "Delete leftover work branches",
	Long: `Delete work branches (orchestrate/item-*) that have no worktree and whose
last commit is older than the retention period.

Branches of items kept for review (--skip-merge) stay until they age out.

Examples:
  orchestrate cleanup branches                  # Use cleanup.branch_retention (7 days)
  orchestrate cleanup branches --retention 48h  # Delete branches older than two days
  orchestrate cleanup branches --dry-run        # Preview what would be deleted`,
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		retention, _ := cmd.Flags().GetDuration("retention")

		cfg, err := loadConfig(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(orchestrator.ExitSetup)
		}
		if retention <= 0 {
			retention = cfg.Cleanup.BranchRetention
		}

		ctx := context.Background()
		gitOps, err := git.NewGit(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to initialize git: %v\n", err)
			os.Exit(orchestrator.ExitSetup)
		}

		if dryRun {
			fmt.Printf("%s\n", color.YellowString("DRY RUN MODE - No branches will be deleted"))
		}
		fmt.Printf("Scanning for stale work branches (retention: %s)...\n\n", retention)

		deleted, err := gitOps.CleanupStaleBranches(ctx, cfg.RepoDir, sandbox.BranchPrefix, retention, dryRun)
		for _, b := range deleted {
			fmt.Printf("  %s\n", b)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: branch cleanup failed: %v\n", err)
			os.Exit(1)
		}

		fmt.Println()
		if dryRun {
			fmt.Printf("Would delete %d branch(es)\n", len(deleted))
			fmt.Printf("Run without --dry-run to perform cleanup\n")
		} else {
			green := color.New(color.FgGreen).SprintFunc()
			fmt.Printf("%s Deleted %d branch(es)\n", green("✓"), len(deleted))
		}
	},
}

func init() {
	cleanupBranchesCmd.Flags().Bool("dry-run", false, "preview without deleting")
	cleanupBranchesCmd.Flags().Duration("retention", 0, "minimum branch age (default cleanup.branch_retention)")
	cleanupCmd.AddCommand(cleanupBranchesCmd)
}

