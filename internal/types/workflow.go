package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Phase is the stage of the pipeline a workflow is in
type Phase string

const (
	PhaseResearch  Phase = "research"
	PhaseImplement Phase = "implement"
	PhaseReview    Phase = "review"
	PhaseFinalize  Phase = "finalize"
	PhasePlanning  Phase = "planning"
	PhaseExecute   Phase = "execute"
	PhaseMerge     Phase = "merge"
	PhaseCleanup   Phase = "cleanup"
)

// IsValid checks if the phase value is valid
func (p Phase) IsValid() bool {
	switch p {
	case PhaseResearch, PhaseImplement, PhaseReview, PhaseFinalize,
		PhasePlanning, PhaseExecute, PhaseMerge, PhaseCleanup:
		return true
	}
	return false
}

// ParsePhase converts a raw string to a Phase, rejecting unknown values
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !p.IsValid() {
		return "", fmt.Errorf("invalid phase: %q", s)
	}
	return p, nil
}

// Status is the lifecycle status shared by workflows and milestones
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsValid checks if the status value is valid
func (s Status) IsValid() bool {
	switch s {
	case StatusRunning, StatusPaused, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ParseStatus converts a raw string to a Status, rejecting unknown values
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.IsValid() {
		return "", fmt.Errorf("invalid status: %q", s)
	}
	return st, nil
}

// ValidTransitions lists the statuses reachable from s without an explicit retry.
//
//	running → paused | completed | failed
//	paused  → running | completed | failed
//	failed  → completed (recovery found the artifact)
//	completed → failed (the gate or merge rejected the delivered work)
//
// failed → running is only reachable through Retry, which bumps the retry count.
func (s Status) ValidTransitions() []Status {
	switch s {
	case StatusRunning:
		return []Status{StatusPaused, StatusCompleted, StatusFailed}
	case StatusPaused:
		return []Status{StatusRunning, StatusCompleted, StatusFailed}
	case StatusFailed:
		return []Status{StatusCompleted}
	case StatusCompleted:
		return []Status{StatusFailed}
	default:
		return []Status{}
	}
}

// CanTransitionTo checks if a transition from this status to the target is valid.
// Setting the current status again is always allowed and is a no-op.
func (s Status) CanTransitionTo(target Status) bool {
	if s == target {
		return true
	}
	for _, valid := range s.ValidTransitions() {
		if valid == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the workflow has reached an end state. A
// failed workflow only moves again through an explicit retry.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Workflow is the persisted execution record for one work item
type Workflow struct {
	ID            string    `json:"id"`
	WorkItemID    string    `json:"work_item_id"`
	Branch        string    `json:"branch,omitempty"`
	WorkspacePath string    `json:"workspace_path,omitempty"`
	Phase         Phase     `json:"phase"`
	Status        Status    `json:"status"`
	RetryCount    int       `json:"retry_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Validate checks if the workflow has valid field values
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("id is required")
	}
	if w.WorkItemID == "" {
		return fmt.Errorf("work_item_id is required")
	}
	if !w.Phase.IsValid() {
		return fmt.Errorf("invalid phase: %s", w.Phase)
	}
	if !w.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", w.Status)
	}
	if w.RetryCount < 0 {
		return fmt.Errorf("retry_count cannot be negative")
	}
	return nil
}

// ActionResult is the outcome of a recorded action
type ActionResult string

const (
	ResultSuccess ActionResult = "success"
	ResultFailed  ActionResult = "failed"
	ResultPending ActionResult = "pending"
)

// IsValid checks if the action result value is valid
func (r ActionResult) IsValid() bool {
	switch r {
	case ResultSuccess, ResultFailed, ResultPending:
		return true
	}
	return false
}

// Action names recorded against workflows
const (
	ActionExecute       = "execute"
	ActionArtifactFound = "artifact_found"
	ActionCI            = "ci"
	ActionCIFix         = "ci_fix"
	ActionReview        = "review"
	ActionReviewFix     = "review_fix"
	ActionGate          = "gate"
	ActionMerge         = "merge"
	ActionMergeRetry    = "merge_retry"
	ActionVerifyMerge   = "verify_merge"
	ActionSkipped       = "skipped"
	ActionRecovered     = "recovered"
	ActionRetry         = "retry"
	ActionCleanup       = "cleanup"
	ActionTransition    = "transition"
)

// Well-known metadata keys
const (
	MetaPRNumber  = "pr_number"
	MetaPRURL     = "pr_url"
	MetaExitCode  = "exit_code"
	MetaLogPath   = "log_path"
	MetaReason    = "reason"
	MetaBlockedBy = "blocked_by"
	MetaSummary   = "summary"
	MetaFrom      = "from"
	MetaTo        = "to"
)

// Action is an append-only audit record of one step taken for a workflow.
// Metadata doubles as resume evidence (see MetaPRNumber).
type Action struct {
	ID         int64          `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	Name       string         `json:"name"`
	Result     ActionResult   `json:"result"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Validate checks if the action has valid field values
func (a *Action) Validate() error {
	if a.WorkflowID == "" {
		return fmt.Errorf("workflow_id is required")
	}
	if a.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !a.Result.IsValid() {
		return fmt.Errorf("invalid result: %s", a.Result)
	}
	if a.Metadata != nil {
		if _, err := json.Marshal(a.Metadata); err != nil {
			return fmt.Errorf("metadata must be JSON-encodable: %w", err)
		}
	}
	return nil
}

// MetaInt reads an integer metadata value. JSON round trips turn numbers
// into float64, so both are accepted.
func (a *Action) MetaInt(key string) (int, bool) {
	switch v := a.Metadata[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

// MetaString reads a string metadata value
func (a *Action) MetaString(key string) string {
	s, _ := a.Metadata[key].(string)
	return s
}

// Commit is a commit produced while working a workflow
type Commit struct {
	ID         int64     `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	SHA        string    `json:"sha"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}
