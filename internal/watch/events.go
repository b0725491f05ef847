package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/cmdq/internal/events"
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

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.CommandSucceeded, events.CommandUndone:
		typeStyle = theme.StatusOK
	case events.CommandFailed, events.CommandFaulted, events.CommandUndoFailed:
		typeStyle = theme.StatusFailed
	case events.CommandStarted:
		typeStyle = theme.StatusRunning
	case events.DispatcherStopping, events.DispatcherStopped, events.SchedulerSubmitted, events.SchedulerSkipped:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-20s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, extractEventDesc(e))
}

func extractEventDesc(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	if id, ok := data["id"].(string); ok {
		parts = append(parts, fmt.Sprintf("[%s]", shortID(id)))
	}
	if schedule, ok := data["schedule"].(string); ok {
		parts = append(parts, schedule)
	}
	if desc, ok := data["description"].(string); ok {
		parts = append(parts, desc)
	}
	if msg, ok := data["last_error"].(string); ok {
		parts = append(parts, "error="+msg)
	}
	if reason, ok := data["reason"].(string); ok {
		parts = append(parts, "reason="+reason)
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
