package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/steveyegge/orchestrate/internal/types"
)

const milestoneColumns = `id, name, phase, status, created_at, updated_at`

// CreateMilestone inserts a new milestone. Names are unique.
func (s *SQLiteStorage) CreateMilestone(ctx context.Context, m *types.Milestone) error {
	now := time.Now().UTC()
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Phase == "" {
		m.Phase = types.MilestonePlanning
	}
	if m.Status == "" {
		m.Status = types.StatusRunning
	}
	m.CreatedAt, m.UpdatedAt = now, now
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid milestone: %w", err)
	}
	return s.withTx(ctx, "create milestone", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO milestones (`+milestoneColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		`, m.ID, m.Name, string(m.Phase), string(m.Status), formatTime(now), formatTime(now))
		if err != nil {
			return fmt.Errorf("failed to insert milestone: %w", err)
		}
		return nil
	})
}

// GetMilestone retrieves a milestone by ID. Returns nil, nil if not found.
func (s *SQLiteStorage) GetMilestone(ctx context.Context, id string) (*types.Milestone, error) {
	return s.getMilestone(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id = ?`, id)
}

// FindMilestoneByName retrieves a milestone by name. Returns nil, nil if not found.
func (s *SQLiteStorage) FindMilestoneByName(ctx context.Context, name string) (*types.Milestone, error) {
	return s.getMilestone(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE name = ?`, name)
}

func (s *SQLiteStorage) getMilestone(ctx context.Context, query string, arg string) (*types.Milestone, error) {
	m, err := scanMilestone(s.db.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, queryErr("get milestone", err)
	}
	return m, nil
}

// ListMilestones returns all milestones, newest first
func (s *SQLiteStorage) ListMilestones(ctx context.Context) ([]*types.Milestone, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+milestoneColumns+` FROM milestones ORDER BY created_at DESC`)
	if err != nil {
		return nil, queryErr("list milestones", err)
	}
	defer rows.Close()

	var out []*types.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, queryErr("scan milestone", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr("list milestones", err)
	}
	return out, nil
}

// SetMilestonePhase records the stage a milestone is in
func (s *SQLiteStorage) SetMilestonePhase(ctx context.Context, id string, phase types.MilestonePhase) error {
	if !phase.IsValid() {
		return fmt.Errorf("invalid milestone phase: %s", phase)
	}
	return s.withTx(ctx, "set milestone phase", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE milestones SET phase = ?, updated_at = ? WHERE id = ?`,
			string(phase), formatTime(time.Now()), id)
		if err != nil {
			return fmt.Errorf("failed to update phase: %w", err)
		}
		return requireRow(res, "milestone", id)
	})
}

// SetMilestoneStatus moves a milestone forward using the workflow rules
func (s *SQLiteStorage) SetMilestoneStatus(ctx context.Context, id string, status types.Status) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid status: %s", status)
	}
	return s.withTx(ctx, "set milestone status", func(tx *sql.Tx) error {
		current, err := milestoneStatusTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if !current.CanTransitionTo(status) {
			return fmt.Errorf("milestone %s: %s -> %s: %w", id, current, status, ErrInvalidTransition)
		}
		_, err = tx.ExecContext(ctx, `UPDATE milestones SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), formatTime(time.Now()), id)
		return err
	})
}

// ReopenMilestone puts a failed or paused milestone back to running for a
// resumed run. Completed milestones stay completed.
func (s *SQLiteStorage) ReopenMilestone(ctx context.Context, id string) error {
	return s.withTx(ctx, "reopen milestone", func(tx *sql.Tx) error {
		current, err := milestoneStatusTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if current == types.StatusCompleted {
			return fmt.Errorf("milestone %s is completed: %w", id, ErrInvalidTransition)
		}
		_, err = tx.ExecContext(ctx, `UPDATE milestones SET status = ?, updated_at = ? WHERE id = ?`,
			string(types.StatusRunning), formatTime(time.Now()), id)
		return err
	})
}

func milestoneStatusTx(ctx context.Context, tx *sql.Tx, id string) (types.Status, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT status FROM milestones WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("milestone %s not found", id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read status: %w", err)
	}
	return types.ParseStatus(raw)
}

func scanMilestone(row rowScanner) (*types.Milestone, error) {
	var m types.Milestone
	var phase, status, created, updated string
	if err := row.Scan(&m.ID, &m.Name, &phase, &status, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if m.Phase, err = types.ParseMilestonePhase(phase); err != nil {
		return nil, err
	}
	if m.Status, err = types.ParseStatus(status); err != nil {
		return nil, err
	}
	m.CreatedAt = parseTime(created)
	m.UpdatedAt = parseTime(updated)
	return &m, nil
}
