package cli

import (
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/gate"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/pipeline"
	"github.com/charmbracelet/lipgloss"
)

var (
	colorPass = lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#81c784"}
	colorWarn = lipgloss.AdaptiveColor{Light: "#b26a00", Dark: "#ffb74d"}
	colorFail = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#e57373"}
	colorDim  = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9e9e9e"}
	colorInfo = lipgloss.AdaptiveColor{Light: "#1565c0", Dark: "#64b5f6"}
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(colorPass)
	warnStyle   = lipgloss.NewStyle().Foreground(colorWarn)
	failStyle   = lipgloss.NewStyle().Foreground(colorFail)
	dimStyle    = lipgloss.NewStyle().Foreground(colorDim)
	infoStyle   = lipgloss.NewStyle().Foreground(colorInfo)
	headerStyle = lipgloss.NewStyle().Bold(true)
)

// renderStatus colors a stage status for terminal display.
func renderStatus(s pipeline.StageStatus) string {
	switch s {
	case pipeline.StatusCompleted:
		return passStyle.Render(string(s))
	case pipeline.StatusRunning:
		return infoStyle.Render(string(s))
	case pipeline.StatusAwaitingApproval, pipeline.StatusApproved:
		return warnStyle.Render(string(s))
	case pipeline.StatusFailed, pipeline.StatusRejected:
		return failStyle.Render(string(s))
	default:
		return dimStyle.Render(string(s))
	}
}

// renderOutcome colors a gate outcome.
func renderOutcome(outcome string) string {
	if outcome == gate.OutcomeApprove {
		return passStyle.Render(outcome)
	}
	return failStyle.Render(outcome)
}
