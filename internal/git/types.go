package git

import (
	"context"
	"time"
)

// Operations is the version-control surface the orchestrator needs.
// Every method takes the repository (or worktree) path it acts on.
type Operations interface {
	GetStatus(ctx context.Context, repoPath string) (*Status, error)
	CurrentBranch(ctx context.Context, repoPath string) (string, error)
	HeadSHA(ctx context.Context, repoPath string) (string, error)
	BranchExists(ctx context.Context, repoPath, branch string) (bool, error)
	Checkout(ctx context.Context, repoPath, branch string) error
	CreateBranch(ctx context.Context, repoPath, branch, base string) error
	Fetch(ctx context.Context, repoPath, remote string) error
	PullFastForward(ctx context.Context, repoPath, remote, branch string) error
	PushForceWithLease(ctx context.Context, repoPath, remote, branch string) error
	Rebase(ctx context.Context, repoPath string, opts RebaseOptions) (*RebaseResult, error)
	CommitsBetween(ctx context.Context, repoPath, base, head string) ([]CommitInfo, error)
	AddWorktree(ctx context.Context, repoPath, path, branch, base string) error
	RemoveWorktree(ctx context.Context, repoPath, path string) error
	ListWorktrees(ctx context.Context, repoPath string) ([]Worktree, error)
}

// Status represents the git status of a repository.
type Status struct {
	// Modified files (staged or unstaged)
	Modified []string

	// Untracked files
	Untracked []string

	// Deleted files
	Deleted []string

	// Added files (staged)
	Added []string

	// Renamed files
	Renamed []string

	// HasChanges is true if any changes exist
	HasChanges bool
}

// RebaseOptions configures a git rebase operation.
type RebaseOptions struct {
	// Onto is the ref to rebase onto (e.g., "origin/main")
	Onto string

	// Abort will abort an in-progress rebase if true
	// This is mutually exclusive with Onto
	Abort bool

	// AbortOnConflict leaves the worktree clean when the rebase conflicts
	AbortOnConflict bool
}

// RebaseResult contains the outcome of a rebase operation.
type RebaseResult struct {
	Success         bool
	HasConflicts    bool
	ConflictedFiles []string
	CurrentBranch   string
	Onto            string
	ErrorMessage    string
	Aborted         bool
}

// CommitInfo is one commit on a branch
type CommitInfo struct {
	SHA     string
	Subject string
}

// Worktree is an entry of `git worktree list`
type Worktree struct {
	Path   string
	Branch string // empty when detached
	Head   string
}

// StaleBranch is a work branch with no worktree attached
type StaleBranch struct {
	Name      string
	Timestamp time.Time
	Age       time.Duration
}
