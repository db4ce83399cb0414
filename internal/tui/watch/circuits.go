package watch

import (
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// CircuitState tracks a per-category breaker, updated from /status polls
// and refined by circuit.state_changed events between polls.
type CircuitState struct {
	Category string
	State    string
	Failures int
	OpenedAt time.Time
}

func renderCircuits(circuits map[string]CircuitState, theme Theme, width int) string {
	innerWidth := width - 4

	if len(circuits) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("CIRCUIT BREAKERS"),
			theme.Dim.Render("  No circuit data yet..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	cats := make([]string, 0, len(circuits))
	for cat := range circuits {
		cats = append(cats, cat)
	}
	sort.Strings(cats)

	var lines []string
	for _, cat := range cats {
		lines = append(lines, renderCircuitRow(circuits[cat], theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{theme.Title.Render("CIRCUIT BREAKERS")}, lines...)...,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func renderCircuitRow(c CircuitState, theme Theme) string {
	var badge string
	switch c.State {
	case "closed":
		badge = theme.StatusOK.Render("● closed   ")
	case "open":
		badge = theme.StatusFailed.Render("● open     ")
	case "half_open":
		badge = theme.StatusWarn.Render("◐ half-open")
	default:
		badge = theme.Dim.Render("○ " + c.State)
	}

	line := fmt.Sprintf(" %-14s %s", c.Category, badge)
	if c.Failures > 0 {
		line += fmt.Sprintf("  failures: %d", c.Failures)
	}
	if c.State == "open" && !c.OpenedAt.IsZero() {
		line += theme.Dim.Render(fmt.Sprintf("  opened %s", formatAgo(time.Since(c.OpenedAt))))
	}
	return line
}
