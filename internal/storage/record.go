package storage

import (
	"context"
	"fmt"

	"github.com/steveyegge/orchestrate/internal/types"
)

// Persist wraps a store failure as a PersistenceError. A nil err stays nil.
func Persist(op string, err error) error {
	if err == nil {
		return nil
	}
	return &types.PersistenceError{Op: op, Err: err}
}

// Record appends an action to a workflow's audit trail
func Record(ctx context.Context, s Storage, workflowID, name string, result types.ActionResult, meta map[string]any) error {
	err := s.AppendAction(ctx, &types.Action{
		WorkflowID: workflowID,
		Name:       name,
		Result:     result,
		Metadata:   meta,
	})
	return Persist("record "+name, err)
}

// Transition records a per-item pipeline state change. Illegal moves are
// rejected before anything is written.
func Transition(ctx context.Context, s Storage, workflowID string, from, to types.PipelineState, reason string) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("illegal pipeline transition %s -> %s", from, to)
	}
	meta := map[string]any{types.MetaFrom: string(from), types.MetaTo: string(to)}
	if reason != "" {
		meta[types.MetaReason] = reason
	}
	return Record(ctx, s, workflowID, types.ActionTransition, types.ResultSuccess, meta)
}

// LastTransition returns the most recent pipeline state recorded for a
// workflow, or StateCreated when none was recorded
func LastTransition(actions []*types.Action) types.PipelineState {
	for i := len(actions) - 1; i >= 0; i-- {
		if actions[i].Name == types.ActionTransition {
			if to := types.PipelineState(actions[i].MetaString(types.MetaTo)); to.IsValid() {
				return to
			}
		}
	}
	return types.StateCreated
}

// ArtifactEvidence returns the most recent pull request number recorded in
// action metadata, or 0 when none was recorded
func ArtifactEvidence(actions []*types.Action) int {
	for i := len(actions) - 1; i >= 0; i-- {
		if n, ok := actions[i].MetaInt(types.MetaPRNumber); ok && n > 0 {
			return n
		}
	}
	return 0
}
