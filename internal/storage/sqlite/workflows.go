package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/steveyegge/orchestrate/internal/types"
)

const workflowColumns = `id, work_item_id, branch, workspace_path, phase, status, retry_count, created_at, updated_at`

// CreateWorkflow inserts a new workflow. ID, timestamps, phase and status
// are filled in when empty.
func (s *SQLiteStorage) CreateWorkflow(ctx context.Context, wf *types.Workflow) error {
	return s.withTx(ctx, "create workflow", func(tx *sql.Tx) error {
		return createWorkflowTx(ctx, tx, wf)
	})
}

func createWorkflowTx(ctx context.Context, tx *sql.Tx, wf *types.Workflow) error {
	now := time.Now().UTC()
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	if wf.Phase == "" {
		wf.Phase = types.PhasePlanning
	}
	if wf.Status == "" {
		wf.Status = types.StatusRunning
	}
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	if err := wf.Validate(); err != nil {
		return fmt.Errorf("invalid workflow: %w", err)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO workflows (`+workflowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, wf.ID, wf.WorkItemID, wf.Branch, wf.WorkspacePath, string(wf.Phase), string(wf.Status),
		wf.RetryCount, formatTime(wf.CreatedAt), formatTime(wf.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert workflow: %w", err)
	}
	return nil
}

// GetWorkflow retrieves a workflow by ID. Returns nil, nil if not found.
func (s *SQLiteStorage) GetWorkflow(ctx context.Context, id string) (*types.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, queryErr("get workflow", err)
	}
	return wf, nil
}

// FindWorkflowByItem returns the workflow for a work item within a
// milestone. An empty milestoneID searches all milestones and returns the
// most recently created match. Returns nil, nil if not found.
func (s *SQLiteStorage) FindWorkflowByItem(ctx context.Context, milestoneID, itemID string) (*types.Workflow, error) {
	var row *sql.Row
	if milestoneID == "" {
		row = s.db.QueryRowContext(ctx, `
			SELECT `+workflowColumns+` FROM workflows
			WHERE work_item_id = ?
			ORDER BY created_at DESC LIMIT 1
		`, itemID)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT w.id, w.work_item_id, w.branch, w.workspace_path, w.phase, w.status,
			       w.retry_count, w.created_at, w.updated_at
			FROM workflows w
			JOIN milestone_workflows mw ON mw.workflow_id = w.id
			WHERE mw.milestone_id = ? AND w.work_item_id = ?
		`, milestoneID, itemID)
	}
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, queryErr("find workflow", err)
	}
	return wf, nil
}

// SetWorkflowPhase records the pipeline stage of a workflow
func (s *SQLiteStorage) SetWorkflowPhase(ctx context.Context, id string, phase types.Phase) error {
	if !phase.IsValid() {
		return fmt.Errorf("invalid phase: %s", phase)
	}
	return s.withTx(ctx, "set workflow phase", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE workflows SET phase = ?, updated_at = ? WHERE id = ?`,
			string(phase), formatTime(time.Now()), id)
		if err != nil {
			return fmt.Errorf("failed to update phase: %w", err)
		}
		return requireRow(res, "workflow", id)
	})
}

// SetWorkflowStatus moves a workflow forward. Backwards moves fail with
// ErrInvalidTransition; use RetryWorkflow to rerun a failed workflow.
func (s *SQLiteStorage) SetWorkflowStatus(ctx context.Context, id string, status types.Status) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid status: %s", status)
	}
	return s.withTx(ctx, "set workflow status", func(tx *sql.Tx) error {
		current, err := workflowStatusTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if current == status {
			return nil
		}
		if !current.CanTransitionTo(status) {
			return fmt.Errorf("workflow %s: %s -> %s: %w", id, current, status, ErrInvalidTransition)
		}
		_, err = tx.ExecContext(ctx, `UPDATE workflows SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), formatTime(time.Now()), id)
		if err != nil {
			return fmt.Errorf("failed to update status: %w", err)
		}
		return nil
	})
}

// RetryWorkflow moves a failed workflow back to running and bumps its retry
// count. A retry action is appended in the same transaction.
func (s *SQLiteStorage) RetryWorkflow(ctx context.Context, id string) error {
	return s.withTx(ctx, "retry workflow", func(tx *sql.Tx) error {
		current, err := workflowStatusTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if current != types.StatusFailed {
			return fmt.Errorf("workflow %s: retry from %s: %w", id, current, ErrInvalidTransition)
		}
		now := time.Now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE workflows SET status = ?, retry_count = retry_count + 1, updated_at = ?
			WHERE id = ?
		`, string(types.StatusRunning), formatTime(now), id); err != nil {
			return fmt.Errorf("failed to update status: %w", err)
		}
		return appendActionTx(ctx, tx, &types.Action{
			WorkflowID: id,
			Name:       types.ActionRetry,
			Result:     types.ResultPending,
			CreatedAt:  now,
		})
	})
}

// SetWorkflowWorkspace records where a workflow's work happens
func (s *SQLiteStorage) SetWorkflowWorkspace(ctx context.Context, id, branch, path string) error {
	return s.withTx(ctx, "set workflow workspace", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE workflows SET branch = ?, workspace_path = ?, updated_at = ? WHERE id = ?
		`, branch, path, formatTime(time.Now()), id)
		if err != nil {
			return fmt.Errorf("failed to update workspace: %w", err)
		}
		return requireRow(res, "workflow", id)
	})
}

func workflowStatusTx(ctx context.Context, tx *sql.Tx, id string) (types.Status, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT status FROM workflows WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("workflow %s not found", id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read status: %w", err)
	}
	return types.ParseStatus(raw)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*types.Workflow, error) {
	var wf types.Workflow
	var phase, status, created, updated string
	if err := row.Scan(&wf.ID, &wf.WorkItemID, &wf.Branch, &wf.WorkspacePath,
		&phase, &status, &wf.RetryCount, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if wf.Phase, err = types.ParsePhase(phase); err != nil {
		return nil, err
	}
	if wf.Status, err = types.ParseStatus(status); err != nil {
		return nil, err
	}
	wf.CreatedAt = parseTime(created)
	wf.UpdatedAt = parseTime(updated)
	return &wf, nil
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s not found", kind, id)
	}
	return nil
}
