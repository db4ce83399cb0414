package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/bascule/internal/events"
)

// DispatchState tracks one in-flight or recently finished dispatch,
// assembled from dispatch.* events.
type DispatchState struct {
	RequestID  string
	Category   string
	Template   string
	Status     string // running, retrying, succeeded, failed
	Attempts   int
	Kind       string
	StartedAt  time.Time
	FinishedAt time.Time
}

// updateDispatchState folds a hub event into the dispatch tracking map.
func updateDispatchState(dispatches map[string]*DispatchState, e events.Event) {
	data := make(map[string]any)
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return
	}

	reqID, _ := data["request_id"].(string)
	if reqID == "" {
		return
	}

	d, ok := dispatches[reqID]
	if !ok {
		d = &DispatchState{RequestID: reqID, StartedAt: e.At}
		dispatches[reqID] = d
	}

	if category, ok := data["category"].(string); ok {
		d.Category = category
	}
	if template, ok := data["template"].(string); ok {
		d.Template = template
	}
	if attempts, ok := data["attempts"].(float64); ok {
		d.Attempts = int(attempts)
	}

	switch e.Type {
	case events.TypeDispatchStarted:
		d.Status = "running"
	case events.TypeDispatchRetry:
		d.Status = "retrying"
	case events.TypeDispatchSucceeded:
		d.Status = "succeeded"
		d.FinishedAt = e.At
	case events.TypeDispatchFailed:
		d.Status = "failed"
		d.FinishedAt = e.At
		if kind, ok := data["kind"].(string); ok {
			d.Kind = kind
		}
	}

	// Evict finished dispatches after the map grows past a screenful.
	if len(dispatches) > 20 {
		pruneFinishedDispatches(dispatches)
	}
}

func pruneFinishedDispatches(dispatches map[string]*DispatchState) {
	type aged struct {
		id string
		at time.Time
	}
	var finished []aged
	for id, d := range dispatches {
		if !d.FinishedAt.IsZero() {
			finished = append(finished, aged{id, d.FinishedAt})
		}
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].at.Before(finished[j].at) })
	for _, f := range finished {
		if len(dispatches) <= 12 {
			break
		}
		delete(dispatches, f.id)
	}
}

func renderDispatches(dispatches map[string]*DispatchState, theme Theme, width int) string {
	innerWidth := width - 4

	if len(dispatches) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("DISPATCHES"),
			theme.Dim.Render("  No dispatches yet..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	ordered := make([]*DispatchState, 0, len(dispatches))
	for _, d := range dispatches {
		ordered = append(ordered, d)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].StartedAt.After(ordered[j].StartedAt) })
	if len(ordered) > 8 {
		ordered = ordered[:8]
	}

	var lines []string
	for _, d := range ordered {
		lines = append(lines, renderDispatchRow(d, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{theme.Title.Render("DISPATCHES")}, lines...)...,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func renderDispatchRow(d *DispatchState, theme Theme) string {
	var badge string
	switch d.Status {
	case "running":
		badge = theme.StatusRunning.Render("● running  ")
	case "retrying":
		badge = theme.StatusWarn.Render("↻ retrying ")
	case "succeeded":
		badge = theme.StatusOK.Render("✓ succeeded")
	case "failed":
		badge = theme.StatusFailed.Render("✗ failed   ")
	default:
		badge = theme.Dim.Render(d.Status)
	}

	shortID := d.RequestID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}

	name := d.Template
	if d.Category != "" {
		name = d.Category + "/" + d.Template
	}

	line := fmt.Sprintf(" [%s] %s %-32s", shortID, badge, name)
	if d.Attempts > 1 {
		line += fmt.Sprintf("  attempt %d", d.Attempts)
	}
	if d.Kind != "" {
		line += theme.StatusFailed.Render("  " + d.Kind)
	}
	if !d.FinishedAt.IsZero() {
		line += theme.Dim.Render(fmt.Sprintf("  %s", d.FinishedAt.Sub(d.StartedAt).Round(time.Millisecond)))
	}
	return line
}
