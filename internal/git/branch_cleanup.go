package git

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ListBranches lists local branches matching a glob pattern
func (g *Git) ListBranches(ctx context.Context, repoPath, pattern string) ([]string, error) {
	out, err := g.run(ctx, repoPath, "for-each-ref", "--format=%(refname:short)", "refs/heads/"+pattern)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// GetBranchTimestamp returns the committer date of a branch tip
func (g *Git) GetBranchTimestamp(ctx context.Context, repoPath, branch string) (time.Time, error) {
	out, err := g.run(ctx, repoPath, "log", "-1", "--format=%ct", branch)
	if err != nil {
		return time.Time{}, err
	}
	secs, err := strconv.ParseInt(out, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unexpected timestamp %q: %w", out, err)
	}
	return time.Unix(secs, 0), nil
}

// DeleteBranch force-deletes a local branch
func (g *Git) DeleteBranch(ctx context.Context, repoPath, branch string) error {
	_, err := g.run(ctx, repoPath, "branch", "-D", branch)
	return err
}

// FindStaleBranches finds work branches under prefix that have no worktree
// attached. These are left behind by interrupted runs or by merges whose
// remote branch was deleted.
func (g *Git) FindStaleBranches(ctx context.Context, repoPath, prefix string) ([]StaleBranch, error) {
	branches, err := g.ListBranches(ctx, repoPath, prefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	worktrees, err := g.ListWorktrees(ctx, repoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	active := make(map[string]bool)
	for _, wt := range worktrees {
		active[wt.Branch] = true
	}

	var stale []StaleBranch
	now := time.Now()
	for _, branch := range branches {
		if active[branch] {
			continue
		}
		ts, err := g.GetBranchTimestamp(ctx, repoPath, branch)
		if err != nil {
			continue
		}
		stale = append(stale, StaleBranch{Name: branch, Timestamp: ts, Age: now.Sub(ts)})
	}
	return stale, nil
}

// CleanupStaleBranches deletes stale work branches older than retention.
// With dryRun the branches are counted but kept.
func (g *Git) CleanupStaleBranches(ctx context.Context, repoPath, prefix string, retention time.Duration, dryRun bool) ([]string, error) {
	stale, err := g.FindStaleBranches(ctx, repoPath, prefix)
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, b := range stale {
		if b.Age < retention {
			continue
		}
		if !dryRun {
			if err := g.DeleteBranch(ctx, repoPath, b.Name); err != nil {
				return deleted, fmt.Errorf("failed to delete %s: %w", b.Name, err)
			}
		}
		deleted = append(deleted, b.Name)
	}
	return deleted, nil
}
