// Package tracker talks to the systems that hold work items and their
// review artifacts.
package tracker

import (
	"context"
	"fmt"

	"github.com/steveyegge/orchestrate/internal/types"
)

// TargetKind selects how a target's items are found
type TargetKind string

const (
	TargetEpic      TargetKind = "epic"
	TargetMilestone TargetKind = "milestone"
)

// IsValid checks if the target kind value is valid
func (k TargetKind) IsValid() bool {
	return k == TargetEpic || k == TargetMilestone
}

// Target names the batch of work to deliver
type Target struct {
	Kind TargetKind
	Ref  string
}

// MilestoneName is the checkpoint-store name for runs over this target
func (t Target) MilestoneName() string {
	return fmt.Sprintf("%s-%s", t.Kind, t.Ref)
}

func (t Target) String() string {
	return fmt.Sprintf("%s %s", t.Kind, t.Ref)
}

// Source loads the work items of a target, dependencies included
type Source interface {
	LoadItems(ctx context.Context, target Target) ([]types.WorkItem, error)
}

// PRState is the state of a review artifact
type PRState string

const (
	PROpen   PRState = "open"
	PRMerged PRState = "merged"
	PRClosed PRState = "closed"
)

// Artifact is the pull request produced for a work item
type Artifact struct {
	Number int     `json:"number"`
	URL    string  `json:"url"`
	State  PRState `json:"state"`
	Branch string  `json:"branch"`

	// MergeCommit is the squash commit on the base branch once merged
	MergeCommit string `json:"merge_commit,omitempty"`
}

// CIStatus summarizes an artifact's checks
type CIStatus string

const (
	CIPending CIStatus = "pending"
	CIPassed  CIStatus = "passed"
	CIFailed  CIStatus = "failed"
	CINone    CIStatus = "none"
)

// Check is a single CI check on an artifact
type Check struct {
	Name   string `json:"name"`
	Bucket string `json:"bucket"`
	Link   string `json:"link"`
}

// CheckReport is the result of one CI poll
type CheckReport struct {
	Status CIStatus
	Failed []Check
}

// ReviewDecision is the aggregate review state of an artifact
type ReviewDecision string

const (
	ReviewApproved         ReviewDecision = "approved"
	ReviewChangesRequested ReviewDecision = "changes_requested"
	ReviewRequired         ReviewDecision = "review_required"
	ReviewNone             ReviewDecision = "none"
)

// Comment is one piece of reviewer feedback
type Comment struct {
	Author string
	Body   string
	Path   string
	Line   int
}

// Feedback gathers reviewer comments from every channel
type Feedback struct {
	Inline       []Comment
	Conversation []Comment
	Reviews      []Comment
}

// PullRequests is the review and CI surface of the code host
type PullRequests interface {
	// FindArtifact returns an open or merged artifact for the item, or nil
	FindArtifact(ctx context.Context, item types.WorkItem, branch string) (*Artifact, error)
	GetArtifact(ctx context.Context, number int) (*Artifact, error)
	Checks(ctx context.Context, number int) (*CheckReport, error)
	ReviewDecision(ctx context.Context, number int) (ReviewDecision, error)
	ReviewFeedback(ctx context.Context, number int) (*Feedback, error)
	// Merge squash-merges the artifact and deletes its branch
	Merge(ctx context.Context, number int) error
}
