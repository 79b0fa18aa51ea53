package types

// PipelineState is the per-item lifecycle across execution, validation and merge.
//
//	created → executing → awaiting_ci ⇄ (ci_failed → fix_attempt)
//	        → ci_passed → awaiting_review ⇄ (changes_requested → review_fix)
//	        → approved | not_required → ready → merged | merge_failed
//
// Any non-terminal state may move to failed. skipped is entered only from
// created when a dependency failed. On resume a failed item either runs
// again (executing) or is promoted to completed when its artifact exists.
type PipelineState string

const (
	StateCreated          PipelineState = "created"
	StateExecuting        PipelineState = "executing"
	StateExecutionFailed  PipelineState = "execution_failed"
	StateAwaitingCI       PipelineState = "awaiting_ci"
	StateCIFailed         PipelineState = "ci_failed"
	StateFixAttempt       PipelineState = "fix_attempt"
	StateCIPassed         PipelineState = "ci_passed"
	StateAwaitingReview   PipelineState = "awaiting_review"
	StateChangesRequested PipelineState = "changes_requested"
	StateReviewFix        PipelineState = "review_fix"
	StateApproved         PipelineState = "approved"
	StateNotRequired      PipelineState = "not_required"
	StateReady            PipelineState = "ready"
	StateMerged           PipelineState = "merged"
	StateMergeFailed      PipelineState = "merge_failed"
	StateFailed           PipelineState = "failed"
	StateCompleted        PipelineState = "completed"
	StateSkipped          PipelineState = "skipped"
)

var pipelineTransitions = map[PipelineState][]PipelineState{
	StateCreated:          {StateExecuting, StateAwaitingCI, StateCompleted, StateSkipped},
	StateExecuting:        {StateAwaitingCI, StateExecutionFailed, StateCompleted},
	StateExecutionFailed:  {StateExecuting, StateFailed},
	StateAwaitingCI:       {StateCIPassed, StateCIFailed},
	StateCIFailed:         {StateFixAttempt},
	StateFixAttempt:       {StateAwaitingCI},
	StateCIPassed:         {StateAwaitingReview, StateReady},
	StateAwaitingReview:   {StateApproved, StateNotRequired, StateChangesRequested},
	StateChangesRequested: {StateReviewFix},
	StateReviewFix:        {StateAwaitingCI},
	StateApproved:         {StateReady},
	StateNotRequired:      {StateReady},
	StateReady:            {StateMerged, StateMergeFailed, StateCompleted},
	StateMerged:           {StateCompleted},
	StateMergeFailed:      {StateReady, StateFailed},
	StateCompleted:        {StateAwaitingCI},
	StateFailed:           {StateExecuting, StateCompleted},
}

// IsValid checks if the pipeline state value is valid
func (s PipelineState) IsValid() bool {
	if s == StateSkipped {
		return true
	}
	_, ok := pipelineTransitions[s]
	return ok
}

// IsTerminal reports whether the item has finished its pipeline
func (s PipelineState) IsTerminal() bool {
	switch s {
	case StateFailed, StateSkipped, StateMerged, StateCompleted:
		return true
	}
	return false
}

// CanTransitionTo checks if moving from s to target is allowed
func (s PipelineState) CanTransitionTo(target PipelineState) bool {
	if target == StateFailed {
		return s != StateFailed && s != StateSkipped && s != StateMerged
	}
	for _, valid := range pipelineTransitions[s] {
		if valid == target {
			return true
		}
	}
	return false
}
