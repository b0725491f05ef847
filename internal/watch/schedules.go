package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/cmdq/internal/events"
)

// ScheduleState tracks one scheduler entry in the watch TUI.
type ScheduleState struct {
	Name      string
	Status    string
	CommandID string
	Reason    string
	LastSeen  time.Time
}

func updateScheduleState(schedules map[string]*ScheduleState, e events.Event) {
	if e.Type != events.SchedulerSubmitted && e.Type != events.SchedulerSkipped {
		return
	}

	var data struct {
		Schedule  string `json:"schedule"`
		CommandID string `json:"command_id"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal(e.Data, &data); err != nil || data.Schedule == "" {
		return
	}

	state, ok := schedules[data.Schedule]
	if !ok {
		state = &ScheduleState{Name: data.Schedule}
		schedules[data.Schedule] = state
	}
	state.LastSeen = e.At

	switch e.Type {
	case events.SchedulerSubmitted:
		state.Status = "submitted"
		state.CommandID = data.CommandID
		state.Reason = ""
	case events.SchedulerSkipped:
		state.Status = "skipped"
		state.Reason = data.Reason
	}
}

func renderSchedules(schedules map[string]*ScheduleState, theme Theme, width int) string {
	innerWidth := width - 4

	if len(schedules) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("SCHEDULES"),
			theme.Dim.Render("  No scheduled runs observed yet..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	names := make([]string, 0, len(schedules))
	for name := range schedules {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := []string{theme.Title.Render("SCHEDULES")}
	for i, name := range names {
		if i >= 8 {
			break
		}
		lines = append(lines, renderScheduleRow(schedules[name], theme))
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func renderScheduleRow(s *ScheduleState, theme Theme) string {
	status := theme.StatusOK.Render("[submitted]")
	detail := theme.Dim.Render("last: " + shortID(s.CommandID))
	if s.Status == "skipped" {
		status = theme.StatusFailed.Render("[skipped]")
		detail = theme.Dim.Render("reason=" + s.Reason)
	}
	seen := theme.Dim.Render("at " + s.LastSeen.Local().Format("15:04:05"))
	return fmt.Sprintf(" %-20s %s %s %s", s.Name, status, seen, detail)
}
