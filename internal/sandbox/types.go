package sandbox

import "github.com/steveyegge/orchestrate/internal/types"

// BranchPrefix namespaces every work branch the orchestrator creates
const BranchPrefix = "orchestrate/"

// Workspace is where a task runs for one work item
type Workspace struct {
	// ItemID is the work item this workspace belongs to
	ItemID string

	// Path is the absolute directory the task runner works in
	Path string

	// Branch is the dedicated git branch for the item
	Branch string

	// Worktree is true when Path is an isolated git worktree rather than
	// the primary repository
	Worktree bool
}

// BranchName returns the work branch for an item, e.g. orchestrate/item-42
func BranchName(itemID string) string {
	return BranchPrefix + "item-" + types.SafeFileName(itemID)
}
