package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/steveyegge/orchestrate/internal/types"
)

// LinkWorkflow assigns a workflow to a milestone wave. Repeating the same
// link is a no-op; linking a workflow to a second milestone or wave fails.
func (s *SQLiteStorage) LinkWorkflow(ctx context.Context, link types.MilestoneWorkflowLink) error {
	return s.withTx(ctx, "link workflow", func(tx *sql.Tx) error {
		return linkWorkflowTx(ctx, tx, link)
	})
}

func linkWorkflowTx(ctx context.Context, tx *sql.Tx, link types.MilestoneWorkflowLink) error {
	if link.WaveNumber < 1 {
		return fmt.Errorf("wave number must be positive (got %d)", link.WaveNumber)
	}
	var milestoneID string
	var wave int
	err := tx.QueryRowContext(ctx, `
		SELECT milestone_id, wave_number FROM milestone_workflows WHERE workflow_id = ?
	`, link.WorkflowID).Scan(&milestoneID, &wave)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return fmt.Errorf("failed to read link: %w", err)
	case milestoneID == link.MilestoneID && wave == link.WaveNumber:
		return nil
	default:
		return fmt.Errorf("workflow %s already linked to milestone %s wave %d", link.WorkflowID, milestoneID, wave)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO milestone_workflows (milestone_id, workflow_id, wave_number)
		VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING
	`, link.MilestoneID, link.WorkflowID, link.WaveNumber)
	if err != nil {
		return fmt.Errorf("failed to insert link: %w", err)
	}
	return nil
}

// AssignWorkflow creates a workflow and links it to a milestone wave in one
// transaction, so a crash never leaves an unlinked workflow behind.
func (s *SQLiteStorage) AssignWorkflow(ctx context.Context, milestoneID string, wf *types.Workflow, wave int) error {
	return s.withTx(ctx, "assign workflow", func(tx *sql.Tx) error {
		if err := createWorkflowTx(ctx, tx, wf); err != nil {
			return err
		}
		return linkWorkflowTx(ctx, tx, types.MilestoneWorkflowLink{
			MilestoneID: milestoneID,
			WorkflowID:  wf.ID,
			WaveNumber:  wave,
		})
	})
}

// ListLinks returns a milestone's workflows ordered by wave
func (s *SQLiteStorage) ListLinks(ctx context.Context, milestoneID string) ([]*types.LinkedWorkflow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mw.wave_number, w.id, w.work_item_id, w.branch, w.workspace_path, w.phase,
		       w.status, w.retry_count, w.created_at, w.updated_at
		FROM milestone_workflows mw
		JOIN workflows w ON w.id = mw.workflow_id
		WHERE mw.milestone_id = ?
		ORDER BY mw.wave_number, w.work_item_id
	`, milestoneID)
	if err != nil {
		return nil, queryErr("list links", err)
	}
	defer rows.Close()

	var out []*types.LinkedWorkflow
	for rows.Next() {
		var wave int
		wf, err := scanWorkflow(scanFunc(func(dest ...any) error {
			return rows.Scan(append([]any{&wave}, dest...)...)
		}))
		if err != nil {
			return nil, queryErr("scan link", err)
		}
		out = append(out, &types.LinkedWorkflow{WaveNumber: wave, Workflow: wf})
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr("list links", err)
	}
	return out, nil
}

type scanFunc func(dest ...any) error

func (f scanFunc) Scan(dest ...any) error { return f(dest...) }
