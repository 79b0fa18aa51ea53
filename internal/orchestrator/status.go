package orchestrator

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/steveyegge/orchestrate/internal/storage"
	"github.com/steveyegge/orchestrate/internal/types"
)

// PrintMilestones lists every milestone in the store
func PrintMilestones(ctx context.Context, store storage.Storage, w io.Writer) error {
	milestones, err := store.ListMilestones(ctx)
	if err != nil {
		return storage.Persist("list milestones", err)
	}
	if len(milestones) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no milestones yet"))
		return nil
	}
	fmt.Fprintln(w, headStyle.Render(fmt.Sprintf("%-24s %-10s %-10s %s", "MILESTONE", "STATUS", "PHASE", "UPDATED")))
	for _, m := range milestones {
		fmt.Fprintf(w, "%-24s %-10s %-10s %s\n", m.Name, statusStyle(m.Status).Render(fmt.Sprintf("%-10s", m.Status)),
			m.Phase, m.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}

// PrintMilestone shows a milestone's workflows by wave with their last
// pipeline state and pull request
func PrintMilestone(ctx context.Context, store storage.Storage, w io.Writer, name string) error {
	m, err := store.FindMilestoneByName(ctx, name)
	if err != nil {
		return storage.Persist("find milestone", err)
	}
	if m == nil {
		return fmt.Errorf("milestone %s not found", name)
	}
	links, err := store.ListLinks(ctx, m.ID)
	if err != nil {
		return storage.Persist("list links", err)
	}

	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("%s  %s (phase %s)", m.Name, m.Status, m.Phase)))
	wave := 0
	for _, link := range links {
		if link.WaveNumber != wave {
			wave = link.WaveNumber
			fmt.Fprintln(w, headStyle.Render(fmt.Sprintf("\nWave %d", wave)))
		}
		wf := link.Workflow
		actions, err := store.ListActions(ctx, wf.ID)
		if err != nil {
			return storage.Persist("list actions", err)
		}
		line := fmt.Sprintf("  #%-6s %s %-18s", wf.WorkItemID,
			statusStyle(wf.Status).Render(fmt.Sprintf("%-10s", wf.Status)), storage.LastTransition(actions))
		if pr := storage.ArtifactEvidence(actions); pr > 0 {
			line += fmt.Sprintf(" PR #%d", pr)
		}
		if wf.RetryCount > 0 {
			line += dimStyle.Render(fmt.Sprintf("  retries %d", wf.RetryCount))
		}
		if reason := lastFailure(actions); reason != "" && wf.Status == types.StatusFailed {
			line += dimStyle.Render("  " + reason)
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

func lastFailure(actions []*types.Action) string {
	for i := len(actions) - 1; i >= 0; i-- {
		a := actions[i]
		if a.Result != types.ResultFailed {
			continue
		}
		if reason := a.MetaString(types.MetaReason); reason != "" {
			return reason
		}
		if by, ok := a.Metadata[types.MetaBlockedBy].([]any); ok {
			ids := make([]string, 0, len(by))
			for _, id := range by {
				ids = append(ids, fmt.Sprint(id))
			}
			return "blocked by " + joinIDs(ids)
		}
		return strings.ReplaceAll(a.Name, "_", " ") + " failed"
	}
	return ""
}

func statusStyle(s types.Status) lipgloss.Style {
	switch s {
	case types.StatusCompleted:
		return okStyle
	case types.StatusFailed:
		return errStyle
	case types.StatusPaused:
		return warnStyle
	}
	return dimStyle
}
