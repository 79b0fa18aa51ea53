package sqlite

import "github.com/steveyegge/orchestrate/internal/storage/migrations"

// Enum columns are plain TEXT. Values are validated in Go before they are
// written so new phases never need a table rebuild.
var schemaMigrations = []migrations.Migration{
	{
		Version:     1,
		Description: "workflows, actions and commits",
		Present:     migrations.TableExists("workflows"),
		Up: `
			CREATE TABLE workflows (
				id TEXT PRIMARY KEY,
				work_item_id TEXT NOT NULL,
				branch TEXT NOT NULL DEFAULT '',
				workspace_path TEXT NOT NULL DEFAULT '',
				phase TEXT NOT NULL,
				status TEXT NOT NULL,
				retry_count INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			);
			CREATE INDEX idx_workflows_item ON workflows(work_item_id);

			CREATE TABLE actions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				name TEXT NOT NULL,
				result TEXT NOT NULL,
				metadata TEXT NOT NULL DEFAULT '{}',
				created_at TEXT NOT NULL
			);
			CREATE INDEX idx_actions_workflow ON actions(workflow_id, id);

			CREATE TABLE commits (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				sha TEXT NOT NULL,
				message TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				UNIQUE (workflow_id, sha)
			);
		`,
	},
	{
		Version:     2,
		Description: "milestones and wave links",
		Present:     migrations.TableExists("milestones"),
		Up: `
			CREATE TABLE milestones (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				phase TEXT NOT NULL,
				status TEXT NOT NULL,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			);

			CREATE TABLE milestone_workflows (
				milestone_id TEXT NOT NULL REFERENCES milestones(id) ON DELETE CASCADE,
				workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				wave_number INTEGER NOT NULL,
				PRIMARY KEY (milestone_id, workflow_id)
			);
			CREATE UNIQUE INDEX idx_milestone_workflows_workflow ON milestone_workflows(workflow_id);
		`,
	},
	{
		Version:     3,
		Description: "pre-flight baselines",
		Present:     migrations.TableExists("baselines"),
		Up: `
			CREATE TABLE baselines (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				milestone_id TEXT NOT NULL REFERENCES milestones(id) ON DELETE CASCADE,
				lint_exit_code INTEGER NOT NULL,
				lint_count INTEGER NOT NULL,
				typecheck_exit_code INTEGER NOT NULL,
				typecheck_count INTEGER NOT NULL,
				captured_at TEXT NOT NULL
			);
			CREATE INDEX idx_baselines_milestone ON baselines(milestone_id, id);
		`,
	},
	{
		Version:     4,
		Description: "wave order index for milestone links",
		Present:     migrations.IndexExists("idx_milestone_workflows_wave"),
		Up:          `CREATE INDEX idx_milestone_workflows_wave ON milestone_workflows(milestone_id, wave_number);`,
	},
}

func newMigrationManager() *migrations.Manager {
	return migrations.NewManager(schemaMigrations...)
}
