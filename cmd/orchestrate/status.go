package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"github.com/steveyegge/orchestrate/internal/config"
	"github.com/steveyegge/orchestrate/internal/orchestrator"
	"github.com/steveyegge/orchestrate/internal/storage"
)

var statusCmd = &cobra.Command{
	Use:   "status [milestone]",
	Short: "Show recorded runs",
	Long: `Without arguments, list every milestone in the checkpoint store. With a
milestone name (for example epic-42), show its workflows by wave with their
pipeline state, pull request, retries and last failure.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(orchestrator.ExitSetup)
		}
		ctx := context.Background()

		store, err := openExistingStore(ctx, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open checkpoint store: %v\n", err)
			os.Exit(orchestrator.ExitPersistence)
		}
		if store == nil {
			fmt.Println("No runs recorded yet")
			return
		}
		defer func() { _ = store.Close() }()

		if len(args) == 0 {
			err = orchestrator.PrintMilestones(ctx, store, os.Stdout)
		} else {
			err = orchestrator.PrintMilestone(ctx, store, os.Stdout, args[0])
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			_ = store.Close()
			os.Exit(orchestrator.ExitCode(nil, err))
		}
	},
}

// openExistingStore opens the checkpoint store if a run created one. It
// returns nil, nil when there is none.
func openExistingStore(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	path := storage.DatabasePath(cfg.StateDir)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return storage.NewStorage(ctx, &storage.Config{
		Path:         path,
		BusyTimeout:  cfg.Store.BusyTimeout,
		IdleTimeout:  cfg.Store.IdleTimeout,
		MaxOpenConns: cfg.Store.MaxOpenConns,
	})
}
