package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/steveyegge/orchestrate/internal/config"
	"github.com/steveyegge/orchestrate/internal/orchestrator"
)

var rootCmd = &cobra.Command{
	Use:   "orchestrate",
	Short: "Deliver a batch of dependent work items wave by wave",
	Long: `Orchestrate takes an epic or milestone from the issue tracker, plans its
items into dependency waves, and drives each wave through a coding agent,
CI and review, and merge. Every step is checkpointed so an interrupted run
continues with --resume.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is "+config.FileName+" in the repository)")
	rootCmd.PersistentFlags().String("state-dir", "", "state directory (default .orchestrate)")
	rootCmd.PersistentFlags().String("repo-dir", "", "primary repository (default current directory)")
	rootCmd.PersistentFlags().String("log-level", "", "diagnostic log level: debug, info, warn, error")

	rootCmd.AddCommand(epicCmd)
	rootCmd.AddCommand(milestoneCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(cleanupCmd)
}

// loadConfig assembles the configuration for a command, flags included
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	file, _ := cmd.Flags().GetString("config")
	return config.Load(config.LoadOptions{ConfigFile: file, Flags: cmd.Flags()})
}

func main() {
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		color.NoColor = true
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(orchestrator.ExitSetup)
	}
}
