package orchestrator

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/steveyegge/orchestrate/internal/gates"
	"github.com/steveyegge/orchestrate/internal/graph"
	"github.com/steveyegge/orchestrate/internal/types"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	headStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).Padding(0, 1)
)

// WaveSummary is the outcome of one wave
type WaveSummary struct {
	Wave      int
	Total     int
	Completed []string
	Failed    []string
	Skipped   []string
	Pending   []string // ready but not merged
	Merged    int
}

func (s *WaveSummary) sort() {
	types.SortIDs(s.Completed)
	types.SortIDs(s.Failed)
	types.SortIDs(s.Skipped)
	types.SortIDs(s.Pending)
}

// Report is the final outcome of a run
type Report struct {
	Milestone string
	DryRun    bool
	Status    types.Status
	Total     int
	Completed []string
	Failed    []string // includes skipped items
	Skipped   []string
	Pending   []string
	Merged    int
	Waves     []WaveSummary

	Baseline   *types.Baseline
	Regression *gates.Regression
}

// RenderPlan prints the wave plan of a dry run
func RenderPlan(w io.Writer, milestone string, g *graph.Graph, waves []types.Wave) {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Plan for %s: %d item(s) in %d wave(s)", milestone, g.Len(), len(waves))))
	b.WriteString("\n")
	for _, wave := range waves {
		b.WriteString("\n")
		b.WriteString(headStyle.Render(fmt.Sprintf("Wave %d", wave.Number)))
		b.WriteString("\n")
		for _, id := range wave.Items {
			item := g.Item(id)
			line := fmt.Sprintf("  #%-6s %s", id, item.Title)
			if deps := g.Dependencies(id); len(deps) > 0 {
				line += dimStyle.Render("  after " + joinIDs(deps))
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	fmt.Fprintln(w, boxStyle.Render(strings.TrimRight(b.String(), "\n")))
	fmt.Fprintln(w, dimStyle.Render("dry run: nothing was executed"))
}

// RenderWaveSummary prints the one-line outcome of a wave
func RenderWaveSummary(w io.Writer, s WaveSummary) {
	line := fmt.Sprintf("Wave %d: %d/%d completed", s.Wave, len(s.Completed), s.Total)
	if s.Merged > 0 {
		line += fmt.Sprintf(", %d merged", s.Merged)
	}
	if len(s.Failed) == 0 && len(s.Skipped) == 0 {
		fmt.Fprintln(w, okStyle.Render(line))
		return
	}
	if len(s.Failed) > 0 {
		line += ", failed: " + joinIDs(s.Failed)
	}
	if len(s.Skipped) > 0 {
		line += ", skipped: " + joinIDs(s.Skipped)
	}
	fmt.Fprintln(w, errStyle.Render(line))
}

// Summary is the one-line outcome, e.g. "1 completed, 3 failed of 4"
func (r *Report) Summary() string {
	return fmt.Sprintf("%d completed, %d failed of %d", len(r.Completed), len(r.Failed), r.Total)
}

// RenderReport prints the final report
func RenderReport(w io.Writer, r *Report) {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("%s: %s (%s)", r.Milestone, r.Status, r.Summary())))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "%-10s %d\n", "total", r.Total)
	fmt.Fprintf(&b, "%-10s %s\n", "completed", okStyle.Render(fmt.Sprint(len(r.Completed))))
	failed := fmt.Sprint(len(r.Failed))
	if len(r.Failed) > 0 {
		failed = errStyle.Render(failed) + dimStyle.Render("  "+joinIDs(r.Failed))
	}
	fmt.Fprintf(&b, "%-10s %s\n", "failed", failed)
	if len(r.Skipped) > 0 {
		fmt.Fprintf(&b, "%-10s %s\n", "skipped", warnStyle.Render(joinIDs(r.Skipped)))
	}
	fmt.Fprintf(&b, "%-10s %d\n", "merged", r.Merged)
	if len(r.Pending) > 0 {
		fmt.Fprintf(&b, "%-10s %s\n", "unmerged", joinIDs(r.Pending))
	}
	if r.Regression != nil {
		style := okStyle
		if r.Regression.Regressed {
			style = warnStyle
		}
		fmt.Fprintf(&b, "%-10s %s\n", "baseline", style.Render(r.Regression.String()))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, boxStyle.Render(strings.TrimRight(b.String(), "\n")))
	if len(r.Failed) > 0 {
		fmt.Fprintln(w, dimStyle.Render("re-run with --resume to retry failed items"))
	}
}

func joinIDs(ids []string) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = "#" + strings.TrimPrefix(id, "#")
	}
	return strings.Join(parts, ", ")
}
