package types

import (
	"fmt"
	"time"
)

// MilestonePhase is the stage an orchestration run is in
type MilestonePhase string

const (
	MilestonePlanning MilestonePhase = "planning"
	MilestoneExecute  MilestonePhase = "execute"
	MilestoneReview   MilestonePhase = "review"
	MilestoneMerge    MilestonePhase = "merge"
	MilestoneCleanup  MilestonePhase = "cleanup"
)

// IsValid checks if the milestone phase value is valid
func (p MilestonePhase) IsValid() bool {
	switch p {
	case MilestonePlanning, MilestoneExecute, MilestoneReview, MilestoneMerge, MilestoneCleanup:
		return true
	}
	return false
}

// ParseMilestonePhase converts a raw string to a MilestonePhase
func ParseMilestonePhase(s string) (MilestonePhase, error) {
	p := MilestonePhase(s)
	if !p.IsValid() {
		return "", fmt.Errorf("invalid milestone phase: %q", s)
	}
	return p, nil
}

// Milestone is one orchestration run over a batch of work items
type Milestone struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Phase     MilestonePhase `json:"phase"`
	Status    Status         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Validate checks if the milestone has valid field values
func (m *Milestone) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !m.Phase.IsValid() {
		return fmt.Errorf("invalid phase: %s", m.Phase)
	}
	if !m.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", m.Status)
	}
	return nil
}

// MilestoneWorkflowLink assigns a workflow to a milestone at a wave number
type MilestoneWorkflowLink struct {
	MilestoneID string `json:"milestone_id"`
	WorkflowID  string `json:"workflow_id"`
	WaveNumber  int    `json:"wave_number"`
}

// Baseline is a pre-flight snapshot of lint and typecheck results
type Baseline struct {
	ID                int64     `json:"id"`
	MilestoneID       string    `json:"milestone_id"`
	LintExitCode      int       `json:"lint_exit_code"`
	LintCount         int       `json:"lint_count"`
	TypecheckExitCode int       `json:"typecheck_exit_code"`
	TypecheckCount    int       `json:"typecheck_count"`
	CapturedAt        time.Time `json:"captured_at"`
}

// Regressed reports whether other shows more problems than b
func (b *Baseline) Regressed(other *Baseline) bool {
	if b == nil || other == nil {
		return false
	}
	return other.LintCount > b.LintCount || other.TypecheckCount > b.TypecheckCount ||
		(b.LintExitCode == 0 && other.LintExitCode != 0) ||
		(b.TypecheckExitCode == 0 && other.TypecheckExitCode != 0)
}

// LinkedWorkflow is a workflow together with the wave it was assigned to
type LinkedWorkflow struct {
	WaveNumber int
	Workflow   *Workflow
}
