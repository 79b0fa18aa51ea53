package git

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Git implements Operations using the git CLI.
type Git struct {
	// gitPath is the path to the git executable
	gitPath string
}

// NewGit creates a new Git instance.
// It verifies that git is available on the system.
func NewGit(ctx context.Context) (*Git, error) {
	gitPath, err := exec.LookPath("git")
	if err != nil {
		return nil, fmt.Errorf("git not found in PATH: %w", err)
	}

	cmd := exec.CommandContext(ctx, gitPath, "version")
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git command failed: %w", err)
	}

	return &Git{gitPath: gitPath}, nil
}

// run executes git -C repoPath args... and returns trimmed combined output.
// SECURITY: repoPath must be a validated, trusted path.
func (g *Git) run(ctx context.Context, repoPath string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, g.gitPath, append([]string{"-C", repoPath}, args...)...)
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		return text, fmt.Errorf("git %s failed in %s: %w\n%s", args[0], repoPath, err, text)
	}
	return text, nil
}

// GetStatus returns the git status of the repository.
func (g *Git) GetStatus(ctx context.Context, repoPath string) (*Status, error) {
	cmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "status", "--porcelain")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git status failed in %s: %w", repoPath, err)
	}

	status := &Status{}
	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 3 {
			continue
		}

		code, path := line[0:2], line[3:]
		// XY where X=index, Y=working tree
		switch {
		case code == "??":
			status.Untracked = append(status.Untracked, path)
		case code[0] == 'A':
			status.Added = append(status.Added, path)
		case code[0] == 'D' || code[1] == 'D':
			status.Deleted = append(status.Deleted, path)
		case code[0] == 'R':
			status.Renamed = append(status.Renamed, path)
		default:
			status.Modified = append(status.Modified, path)
		}
		status.HasChanges = true
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse git status: %w", err)
	}
	return status, nil
}

// CurrentBranch returns the checked-out branch, or "HEAD" when detached
func (g *Git) CurrentBranch(ctx context.Context, repoPath string) (string, error) {
	return g.run(ctx, repoPath, "rev-parse", "--abbrev-ref", "HEAD")
}

// HeadSHA returns the commit HEAD points at
func (g *Git) HeadSHA(ctx context.Context, repoPath string) (string, error) {
	return g.run(ctx, repoPath, "rev-parse", "HEAD")
}

// BranchExists reports whether a local branch exists
func (g *Git) BranchExists(ctx context.Context, repoPath, branch string) (bool, error) {
	cmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("git show-ref failed in %s: %w", repoPath, err)
}

// Checkout switches to an existing branch
func (g *Git) Checkout(ctx context.Context, repoPath, branch string) error {
	_, err := g.run(ctx, repoPath, "checkout", branch)
	return err
}

// CreateBranch creates and checks out branch starting at base
func (g *Git) CreateBranch(ctx context.Context, repoPath, branch, base string) error {
	args := []string{"checkout", "-b", branch}
	if base != "" {
		args = append(args, base)
	}
	_, err := g.run(ctx, repoPath, args...)
	return err
}

// Fetch updates remote-tracking refs
func (g *Git) Fetch(ctx context.Context, repoPath, remote string) error {
	_, err := g.run(ctx, repoPath, "fetch", "--prune", remote)
	return err
}

// PullFastForward fast-forwards the current branch to remote/branch
func (g *Git) PullFastForward(ctx context.Context, repoPath, remote, branch string) error {
	_, err := g.run(ctx, repoPath, "pull", "--ff-only", remote, branch)
	return err
}

// PushForceWithLease pushes branch, overwriting the remote only if it is
// where we last saw it
func (g *Git) PushForceWithLease(ctx context.Context, repoPath, remote, branch string) error {
	_, err := g.run(ctx, repoPath, "push", "--force-with-lease", remote, branch)
	return err
}

// Rebase rebases the current branch onto opts.Onto, or aborts a rebase in
// progress. Conflicts are reported in the result, not as an error.
func (g *Git) Rebase(ctx context.Context, repoPath string, opts RebaseOptions) (*RebaseResult, error) {
	if (opts.Onto == "") == !opts.Abort {
		return nil, fmt.Errorf("exactly one of Onto or Abort must be specified")
	}

	result := &RebaseResult{Onto: opts.Onto}
	branch, err := g.CurrentBranch(ctx, repoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get current branch: %w", err)
	}
	result.CurrentBranch = branch

	if opts.Abort {
		if _, err := g.run(ctx, repoPath, "rebase", "--abort"); err != nil {
			result.ErrorMessage = err.Error()
			return result, err
		}
		result.Success = true
		result.Aborted = true
		return result, nil
	}

	output, err := g.run(ctx, repoPath, "rebase", opts.Onto)
	if err == nil {
		result.Success = true
		return result, nil
	}

	conflicted := g.conflictedFiles(ctx, repoPath)
	if len(conflicted) == 0 {
		result.ErrorMessage = output
		return result, err
	}

	result.HasConflicts = true
	result.ConflictedFiles = conflicted
	result.ErrorMessage = fmt.Sprintf("rebase onto %s conflicts in %d file(s)", opts.Onto, len(conflicted))
	if opts.AbortOnConflict {
		if _, abortErr := g.run(ctx, repoPath, "rebase", "--abort"); abortErr != nil {
			return result, fmt.Errorf("rebase conflicted and abort failed: %w", abortErr)
		}
		result.Aborted = true
	}
	return result, nil
}

// conflictedFiles lists unmerged paths (git diff --diff-filter=U)
func (g *Git) conflictedFiles(ctx context.Context, repoPath string) []string {
	out, err := g.run(ctx, repoPath, "diff", "--name-only", "--diff-filter=U")
	if err != nil || out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

// CommitsBetween lists commits reachable from head but not base, oldest first
func (g *Git) CommitsBetween(ctx context.Context, repoPath, base, head string) ([]CommitInfo, error) {
	out, err := g.run(ctx, repoPath, "log", "--reverse", "--format=%H%x09%s", base+".."+head)
	if err != nil {
		return nil, err
	}
	var commits []CommitInfo
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		sha, subject, _ := strings.Cut(line, "\t")
		commits = append(commits, CommitInfo{SHA: sha, Subject: subject})
	}
	return commits, nil
}

// AddWorktree creates a worktree at path on branch. The branch is created
// from base when it does not exist yet, and reused when it does.
func (g *Git) AddWorktree(ctx context.Context, repoPath, path, branch, base string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create worktree parent: %w", err)
	}
	exists, err := g.BranchExists(ctx, repoPath, branch)
	if err != nil {
		return err
	}
	if exists {
		_, err = g.run(ctx, repoPath, "worktree", "add", path, branch)
	} else {
		_, err = g.run(ctx, repoPath, "worktree", "add", "-b", branch, path, base)
	}
	return err
}

// RemoveWorktree removes a worktree, falling back to deleting the
// directory and pruning when git refuses
func (g *Git) RemoveWorktree(ctx context.Context, repoPath, path string) error {
	if _, err := g.run(ctx, repoPath, "worktree", "remove", "--force", path); err == nil {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove worktree directory: %w", err)
	}
	_, err := g.run(ctx, repoPath, "worktree", "prune")
	return err
}

// ListWorktrees parses `git worktree list --porcelain`
func (g *Git) ListWorktrees(ctx context.Context, repoPath string) ([]Worktree, error) {
	out, err := g.run(ctx, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var trees []Worktree
	var cur *Worktree
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			trees = append(trees, Worktree{Path: strings.TrimPrefix(line, "worktree ")})
			cur = &trees[len(trees)-1]
		case cur == nil:
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	return trees, nil
}
