package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/steveyegge/orchestrate/internal/types"
)

// AppendAction records an action against a workflow. Actions are never
// updated or deleted.
func (s *SQLiteStorage) AppendAction(ctx context.Context, action *types.Action) error {
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}
	if err := action.Validate(); err != nil {
		return fmt.Errorf("invalid action: %w", err)
	}
	return s.withTx(ctx, "append action", func(tx *sql.Tx) error {
		return appendActionTx(ctx, tx, action)
	})
}

func appendActionTx(ctx context.Context, tx *sql.Tx, action *types.Action) error {
	meta := "{}"
	if len(action.Metadata) > 0 {
		data, err := json.Marshal(action.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		meta = string(data)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO actions (workflow_id, name, result, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, action.WorkflowID, action.Name, string(action.Result), meta, formatTime(action.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert action: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		action.ID = id
	}
	return nil
}

// ListActions returns a workflow's actions oldest first
func (s *SQLiteStorage) ListActions(ctx context.Context, workflowID string) ([]*types.Action, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, name, result, metadata, created_at
		FROM actions WHERE workflow_id = ? ORDER BY id
	`, workflowID)
	if err != nil {
		return nil, queryErr("list actions", err)
	}
	defer rows.Close()

	var actions []*types.Action
	for rows.Next() {
		var a types.Action
		var result, meta, created string
		if err := rows.Scan(&a.ID, &a.WorkflowID, &a.Name, &result, &meta, &created); err != nil {
			return nil, queryErr("scan action", err)
		}
		a.Result = types.ActionResult(result)
		a.CreatedAt = parseTime(created)
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &a.Metadata); err != nil {
				return nil, fmt.Errorf("action %d has corrupt metadata: %w", a.ID, err)
			}
		}
		actions = append(actions, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr("list actions", err)
	}
	return actions, nil
}

// AppendCommit records a commit produced for a workflow. Recording the same
// SHA twice is a no-op.
func (s *SQLiteStorage) AppendCommit(ctx context.Context, commit *types.Commit) error {
	if commit.WorkflowID == "" || commit.SHA == "" {
		return fmt.Errorf("commit requires workflow_id and sha")
	}
	if commit.CreatedAt.IsZero() {
		commit.CreatedAt = time.Now().UTC()
	}
	return s.withTx(ctx, "append commit", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO commits (workflow_id, sha, message, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (workflow_id, sha) DO NOTHING
		`, commit.WorkflowID, commit.SHA, commit.Message, formatTime(commit.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert commit: %w", err)
		}
		return nil
	})
}

// ListCommits returns a workflow's commits oldest first
func (s *SQLiteStorage) ListCommits(ctx context.Context, workflowID string) ([]*types.Commit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, sha, message, created_at
		FROM commits WHERE workflow_id = ? ORDER BY id
	`, workflowID)
	if err != nil {
		return nil, queryErr("list commits", err)
	}
	defer rows.Close()

	var commits []*types.Commit
	for rows.Next() {
		var c types.Commit
		var created string
		if err := rows.Scan(&c.ID, &c.WorkflowID, &c.SHA, &c.Message, &created); err != nil {
			return nil, queryErr("scan commit", err)
		}
		c.CreatedAt = parseTime(created)
		commits = append(commits, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr("list commits", err)
	}
	return commits, nil
}
