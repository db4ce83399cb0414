package watch

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// SlotState is one pool slot as last reported by /status.
type SlotState struct {
	ID         int
	State      string
	Generation int
	Failures   int
}

func renderSlots(slots []SlotState, theme Theme, width int) string {
	innerWidth := width - 4

	if len(slots) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("INVOCATION SLOTS"),
			theme.Dim.Render("  No slot data yet..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for _, s := range slots {
		lines = append(lines, renderSlotRow(s, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{theme.Title.Render("INVOCATION SLOTS")}, lines...)...,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func renderSlotRow(s SlotState, theme Theme) string {
	var badge string
	switch s.State {
	case "idle":
		badge = theme.StatusOK.Render("[idle]  ")
	case "busy":
		badge = theme.StatusRunning.Render("[busy]  ")
	case "broken":
		badge = theme.StatusFailed.Render("[broken]")
	default:
		badge = theme.Dim.Render(fmt.Sprintf("[%s]", s.State))
	}

	var extras []string
	if s.Generation > 0 {
		extras = append(extras, fmt.Sprintf("gen %d", s.Generation))
	}
	if s.Failures > 0 {
		extras = append(extras, theme.StatusWarn.Render(fmt.Sprintf("%d consecutive failures", s.Failures)))
	}

	line := fmt.Sprintf(" slot %-3d %s", s.ID, badge)
	if len(extras) > 0 {
		line += "  " + strings.Join(extras, "  ")
	}
	return line
}
