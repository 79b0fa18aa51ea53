package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/steveyegge/orchestrate/internal/git"
	"github.com/steveyegge/orchestrate/internal/types"
)

// Config holds configuration for the workspace manager
type Config struct {
	// RepoDir is the primary repository
	RepoDir string

	// WorktreeRoot is the directory worktrees are created under
	WorktreeRoot string

	// BaseBranch is the branch new work branches start from
	BaseBranch string

	// Git performs the version-control operations
	Git git.Operations
}

// Manager hands out isolated workspaces for work items. With a single
// concurrent task the primary repository is reused; otherwise each item
// gets its own worktree on its own branch.
type Manager struct {
	config Config

	// mu serializes operations that touch the shared .git directory
	mu sync.Mutex
}

// NewManager creates a new workspace manager
func NewManager(cfg Config) (*Manager, error) {
	if cfg.RepoDir == "" {
		return nil, fmt.Errorf("RepoDir cannot be empty")
	}
	if cfg.WorktreeRoot == "" {
		return nil, fmt.Errorf("WorktreeRoot cannot be empty")
	}
	if cfg.Git == nil {
		return nil, fmt.Errorf("Git cannot be nil")
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if err := validateGitRepo(cfg.RepoDir); err != nil {
		return nil, fmt.Errorf("invalid repository: %w", err)
	}
	return &Manager{config: cfg}, nil
}

// WorktreePath returns where the worktree for an item lives
func (m *Manager) WorktreePath(itemID string) string {
	return filepath.Join(m.config.WorktreeRoot, "item-"+types.SafeFileName(itemID))
}

// Resolve prepares the workspace for an item. When concurrent is false the
// primary repository is switched to the item branch (created from the base
// branch if needed). When concurrent is true an existing worktree is reused
// or a new one is created.
func (m *Manager) Resolve(ctx context.Context, itemID string, concurrent bool) (*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	branch := BranchName(itemID)
	if !concurrent {
		if err := m.checkoutBranch(ctx, m.config.RepoDir, branch); err != nil {
			return nil, err
		}
		return &Workspace{ItemID: itemID, Path: m.config.RepoDir, Branch: branch}, nil
	}

	path, err := filepath.Abs(m.WorktreePath(itemID))
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	ws := &Workspace{ItemID: itemID, Path: path, Branch: branch, Worktree: true}

	if validateGitRepo(path) == nil {
		// Reuse; make sure the worktree still sits on the item branch
		current, err := m.config.Git.CurrentBranch(ctx, path)
		if err == nil && current == branch {
			return ws, nil
		}
		if err := m.checkoutBranch(ctx, path, branch); err != nil {
			return nil, err
		}
		return ws, nil
	}

	// A directory without a .git entry is debris from a failed run
	if _, err := os.Stat(path); err == nil {
		if err := m.config.Git.RemoveWorktree(ctx, m.config.RepoDir, path); err != nil {
			return nil, fmt.Errorf("failed to clear stale worktree %s: %w", path, err)
		}
	}
	if err := m.config.Git.AddWorktree(ctx, m.config.RepoDir, path, branch, m.config.BaseBranch); err != nil {
		return nil, fmt.Errorf("failed to create worktree for %s: %w", itemID, err)
	}
	return ws, nil
}

// Reopen returns the workspace recorded for an item, recreating it when the
// directory has since been removed
func (m *Manager) Reopen(ctx context.Context, itemID, path string) (*Workspace, error) {
	concurrent := path != "" && filepath.Clean(path) != filepath.Clean(m.config.RepoDir)
	return m.Resolve(ctx, itemID, concurrent)
}

func (m *Manager) checkoutBranch(ctx context.Context, dir, branch string) error {
	exists, err := m.config.Git.BranchExists(ctx, dir, branch)
	if err != nil {
		return err
	}
	if exists {
		if err := m.config.Git.Checkout(ctx, dir, branch); err != nil {
			return fmt.Errorf("failed to check out %s: %w", branch, err)
		}
		return nil
	}
	if err := m.config.Git.CreateBranch(ctx, dir, branch, m.config.BaseBranch); err != nil {
		return fmt.Errorf("failed to create %s: %w", branch, err)
	}
	return nil
}

// Cleanup removes an item's worktree. The primary repository is never
// removed; Cleanup is a no-op for it.
func (m *Manager) Cleanup(ctx context.Context, ws *Workspace) error {
	if ws == nil || !ws.Worktree {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(ws.Path); os.IsNotExist(err) {
		return nil
	}
	if err := m.config.Git.RemoveWorktree(ctx, m.config.RepoDir, ws.Path); err != nil {
		return fmt.Errorf("failed to remove worktree %s: %w", ws.Path, err)
	}
	return nil
}

// CleanupPath removes the worktree at path if it is one of ours
func (m *Manager) CleanupPath(ctx context.Context, itemID, path string) error {
	if path == "" || filepath.Clean(path) == filepath.Clean(m.config.RepoDir) {
		return nil
	}
	return m.Cleanup(ctx, &Workspace{ItemID: itemID, Path: path, Worktree: true})
}

// validateGitRepo checks that dir is a git repository or worktree
func validateGitRepo(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	// .git is a directory in the primary repo and a file in worktrees
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return fmt.Errorf("%s is not a git repository", dir)
	}
	return nil
}
