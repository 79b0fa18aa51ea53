package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/steveyegge/orchestrate/internal/types"
)

// SaveBaseline records a pre-flight lint/typecheck snapshot
func (s *SQLiteStorage) SaveBaseline(ctx context.Context, b *types.Baseline) error {
	if b.CapturedAt.IsZero() {
		b.CapturedAt = time.Now().UTC()
	}
	return s.withTx(ctx, "save baseline", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO baselines (milestone_id, lint_exit_code, lint_count, typecheck_exit_code, typecheck_count, captured_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, b.MilestoneID, b.LintExitCode, b.LintCount, b.TypecheckExitCode, b.TypecheckCount, formatTime(b.CapturedAt))
		if err != nil {
			return err
		}
		if id, err := res.LastInsertId(); err == nil {
			b.ID = id
		}
		return nil
	})
}

// LatestBaseline returns the most recent baseline for a milestone.
// Returns nil, nil if none was captured.
func (s *SQLiteStorage) LatestBaseline(ctx context.Context, milestoneID string) (*types.Baseline, error) {
	var b types.Baseline
	var captured string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, milestone_id, lint_exit_code, lint_count, typecheck_exit_code, typecheck_count, captured_at
		FROM baselines WHERE milestone_id = ? ORDER BY id DESC LIMIT 1
	`, milestoneID).Scan(&b.ID, &b.MilestoneID, &b.LintExitCode, &b.LintCount,
		&b.TypecheckExitCode, &b.TypecheckCount, &captured)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, queryErr("latest baseline", err)
	}
	b.CapturedAt = parseTime(captured)
	return &b, nil
}
