package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/bascule/internal/events"
)

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	// Color the event type based on outcome
	var typeStyle lipgloss.Style
	switch {
	case strings.HasSuffix(e.Type, ".succeeded"), strings.HasSuffix(e.Type, ".revived"):
		typeStyle = theme.StatusOK
	case strings.HasSuffix(e.Type, ".failed"), strings.HasSuffix(e.Type, ".slot_broken"):
		typeStyle = theme.StatusFailed
	case strings.HasSuffix(e.Type, ".started"):
		typeStyle = theme.StatusRunning
	case strings.HasSuffix(e.Type, ".retry"), strings.HasPrefix(e.Type, "circuit."):
		typeStyle = theme.StatusWarn
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-22s", e.Type))

	desc := extractEventDesc(e)

	return fmt.Sprintf("%s %s %s", ts, typeName, desc)
}

func unmarshalEvent(e events.Event, v any) error {
	return json.Unmarshal(e.Data, v)
}

func extractEventDesc(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string

	if reqID, ok := data["request_id"].(string); ok {
		if len(reqID) > 8 {
			reqID = reqID[:8]
		}
		parts = append(parts, fmt.Sprintf("[%s]", reqID))
	}

	if category, ok := data["category"].(string); ok {
		parts = append(parts, category)
	}

	if template, ok := data["template"].(string); ok && template != "" {
		parts = append(parts, template)
	}

	if kind, ok := data["kind"].(string); ok {
		parts = append(parts, kind)
	}

	if from, ok := data["from"].(string); ok {
		if to, ok := data["to"].(string); ok {
			parts = append(parts, fmt.Sprintf("%s→%s", from, to))
		}
	}

	if attempts, ok := data["attempts"].(float64); ok && attempts > 1 {
		parts = append(parts, fmt.Sprintf("attempt %d", int(attempts)))
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}

	return strings.Join(parts, " ")
}
