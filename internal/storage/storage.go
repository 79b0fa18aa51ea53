package storage

import (
	"context"
	"time"

	"github.com/steveyegge/orchestrate/internal/storage/sqlite"
	"github.com/steveyegge/orchestrate/internal/types"
)

// Storage is the checkpoint store: durable run state shared by every
// component and safe for several processes to open at once
type Storage interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *types.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*types.Workflow, error)
	FindWorkflowByItem(ctx context.Context, milestoneID, itemID string) (*types.Workflow, error)
	SetWorkflowPhase(ctx context.Context, id string, phase types.Phase) error
	SetWorkflowStatus(ctx context.Context, id string, status types.Status) error
	RetryWorkflow(ctx context.Context, id string) error
	SetWorkflowWorkspace(ctx context.Context, id, branch, path string) error

	// Audit trail
	AppendAction(ctx context.Context, action *types.Action) error
	ListActions(ctx context.Context, workflowID string) ([]*types.Action, error)
	AppendCommit(ctx context.Context, commit *types.Commit) error
	ListCommits(ctx context.Context, workflowID string) ([]*types.Commit, error)

	// Milestones and wave links
	CreateMilestone(ctx context.Context, m *types.Milestone) error
	GetMilestone(ctx context.Context, id string) (*types.Milestone, error)
	FindMilestoneByName(ctx context.Context, name string) (*types.Milestone, error)
	ListMilestones(ctx context.Context) ([]*types.Milestone, error)
	SetMilestonePhase(ctx context.Context, id string, phase types.MilestonePhase) error
	SetMilestoneStatus(ctx context.Context, id string, status types.Status) error
	ReopenMilestone(ctx context.Context, id string) error
	LinkWorkflow(ctx context.Context, link types.MilestoneWorkflowLink) error
	AssignWorkflow(ctx context.Context, milestoneID string, wf *types.Workflow, wave int) error
	ListLinks(ctx context.Context, milestoneID string) ([]*types.LinkedWorkflow, error)

	// Baselines
	SaveBaseline(ctx context.Context, b *types.Baseline) error
	LatestBaseline(ctx context.Context, milestoneID string) (*types.Baseline, error)

	// Health
	HealthCheck(ctx context.Context, timeout time.Duration) (*sqlite.HealthReport, error)

	// Lifecycle
	Close() error
}

// Config holds checkpoint store configuration
type Config struct {
	// Path is the SQLite database file path
	// Default: ".orchestrate/state.db"
	Path         string
	BusyTimeout  time.Duration
	IdleTimeout  time.Duration
	MaxOpenConns int
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	opts := sqlite.DefaultOptions()
	return &Config{
		Path:         DatabasePath(StateDirName),
		BusyTimeout:  opts.BusyTimeout,
		IdleTimeout:  opts.IdleTimeout,
		MaxOpenConns: opts.MaxOpenConns,
	}
}

// NewStorage opens the SQLite checkpoint store described by cfg
func NewStorage(ctx context.Context, cfg *Config) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Path == "" {
		cfg.Path = DatabasePath(StateDirName)
	}
	opts := sqlite.DefaultOptions()
	if cfg.BusyTimeout > 0 {
		opts.BusyTimeout = cfg.BusyTimeout
	}
	if cfg.IdleTimeout > 0 {
		opts.IdleTimeout = cfg.IdleTimeout
	}
	if cfg.MaxOpenConns > 0 {
		opts.MaxOpenConns = cfg.MaxOpenConns
	}
	return sqlite.Open(ctx, cfg.Path, opts)
}
