package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// StateDirName is the per-repository directory holding the checkpoint
// store, per-item logs, worktrees and the run lock
const StateDirName = ".orchestrate"

// DatabaseFile is the checkpoint store file name inside the state directory
const DatabaseFile = "state.db"

// DiscoverStateDir returns the state directory for the repository at
// repoDir. ORCHESTRATE_STATE_DIR overrides discovery, which keeps tests
// and parallel checkouts isolated.
func DiscoverStateDir(repoDir string) (string, error) {
	if dir := os.Getenv("ORCHESTRATE_STATE_DIR"); dir != "" {
		return filepath.Abs(dir)
	}

	root, err := FindRepoRoot(repoDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, StateDirName), nil
}

// FindRepoRoot walks up from startDir to the directory containing .git.
// Worktrees have a .git file rather than a directory; both count.
func FindRepoRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf(
				"no git repository found at %s or above\n"+
					"  orchestrate must run inside the repository it delivers work to",
				startDir)
		}
		dir = parent
	}
}

// DatabasePath returns the checkpoint store path inside stateDir
func DatabasePath(stateDir string) string {
	return filepath.Join(stateDir, DatabaseFile)
}

// LogDir returns the directory for per-item task logs of a milestone
func LogDir(stateDir, milestone string) string {
	return filepath.Join(stateDir, "logs", milestone)
}

// WorktreeDir returns the parent directory for per-item worktrees
func WorktreeDir(stateDir string) string {
	return filepath.Join(stateDir, "worktrees")
}

// EnsureStateDir creates the state directory and a .gitignore that keeps
// it out of commits made by task runners
func EnsureStateDir(stateDir string) error {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	ignore := filepath.Join(stateDir, ".gitignore")
	if _, err := os.Stat(ignore); os.IsNotExist(err) {
		if err := os.WriteFile(ignore, []byte("*\n"), 0644); err != nil {
			return fmt.Errorf("failed to write .gitignore: %w", err)
		}
	}
	return nil
}
