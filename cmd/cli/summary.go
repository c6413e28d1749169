package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/cochaviz/ostforge/internal/batch"
	"github.com/cochaviz/ostforge/internal/build"
)

var (
	okStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#3FB950"))
	failStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	jobStyle    = lipgloss.NewStyle().Width(36)
	detailStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	boxStyle    = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
)

// renderSummary lists every job of the batch with its outcome.
func renderSummary(result batch.Result) string {
	rows := make([]string, 0, len(result.Jobs)+2)
	for _, job := range result.Jobs {
		rows = append(rows, summaryRow(job))
	}

	failed := len(result.Failed())
	footer := okStyle.Render(fmt.Sprintf("%d/%d jobs succeeded", len(result.Jobs)-failed, len(result.Jobs)))
	if failed > 0 {
		footer = failStyle.Render(fmt.Sprintf("%s: %d of %d jobs failed", result.Outcome, failed, len(result.Jobs)))
	}
	rows = append(rows, "", footer)

	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func summaryRow(job build.JobResult) string {
	label := jobStyle.Render(job.Recipe + "/" + job.Arch.String())
	if job.Succeeded() {
		detail := job.Image
		if n := len(job.Destinations); n > 0 {
			detail = fmt.Sprintf("%s (+%d tags)", job.Destinations[0], n-1)
		}
		if job.Signed {
			detail += " signed"
		}
		return lipgloss.JoinHorizontal(lipgloss.Top, okStyle.Render("done   "), label, detailStyle.Render(detail))
	}

	cause := job.CauseText
	if i := strings.IndexByte(cause, '\n'); i >= 0 {
		cause = cause[:i]
	}
	detail := fmt.Sprintf("at %s: %s", job.FailedStage, cause)
	return lipgloss.JoinHorizontal(lipgloss.Top, failStyle.Render("failed "), label, detailStyle.Render(detail))
}
