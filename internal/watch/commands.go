package watch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/cmdq/internal/events"
)

const maxTrackedCommands = 50

// CommandState is the last known state of one command.
type CommandState struct {
	ID          string
	Description string
	Status      string
	LastError   string
	SubmittedAt time.Time
	StartedAt   time.Time
	EndedAt     time.Time
}

// commandTracker keeps recent commands, newest first.
type commandTracker struct {
	byID  map[string]*CommandState
	order []string
}

func newCommandTracker() *commandTracker {
	return &commandTracker{byID: make(map[string]*CommandState)}
}

// apply folds a command.* event into the tracker. It reports whether the
// event was about a command.
func (c *commandTracker) apply(e events.Event) bool {
	if !strings.HasPrefix(e.Type, "command.") {
		return false
	}
	var data struct {
		ID          string  `json:"id"`
		Description string  `json:"description"`
		Status      string  `json:"status"`
		LastError   *string `json:"last_error"`
	}
	if err := json.Unmarshal(e.Data, &data); err != nil || data.ID == "" {
		return false
	}

	st, ok := c.byID[data.ID]
	if ok && e.Type == events.CommandSubmitted {
		// Submission can be delivered after the command has moved on.
		return false
	}
	if !ok {
		st = &CommandState{ID: data.ID, SubmittedAt: e.At}
		c.byID[data.ID] = st
		c.order = append([]string{data.ID}, c.order...)
		if len(c.order) > maxTrackedCommands {
			for _, id := range c.order[maxTrackedCommands:] {
				delete(c.byID, id)
			}
			c.order = c.order[:maxTrackedCommands]
		}
	}

	st.Description = data.Description
	if data.LastError != nil {
		st.LastError = *data.LastError
	}

	switch e.Type {
	case events.CommandEvicted:
		// Eviction only drops undo history; the outcome stands.
		return true
	case events.CommandStarted:
		st.StartedAt = e.At
	case events.CommandSucceeded, events.CommandFailed, events.CommandFaulted:
		st.EndedAt = e.At
	}
	st.Status = data.Status
	return true
}

// recent returns up to n commands, newest first.
func (c *commandTracker) recent(n int) []*CommandState {
	out := make([]*CommandState, 0, min(n, len(c.order)))
	for _, id := range c.order {
		if len(out) == n {
			break
		}
		out = append(out, c.byID[id])
	}
	return out
}

func newCommandTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ID", Width: 8},
			{Title: "Command", Width: 28},
			{Title: "Status", Width: 10},
			{Title: "Took", Width: 8},
			{Title: "Error", Width: 24},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

func commandRows(cmds []*CommandState) []table.Row {
	rows := make([]table.Row, 0, len(cmds))
	for _, c := range cmds {
		took := "-"
		if !c.StartedAt.IsZero() && !c.EndedAt.IsZero() {
			took = c.EndedAt.Sub(c.StartedAt).Round(time.Millisecond).String()
		}
		rows = append(rows, table.Row{shortID(c.ID), c.Description, c.Status, took, c.LastError})
	}
	return rows
}

func renderCommands(t table.Model, count int, theme Theme, width int) string {
	innerWidth := width - 4

	body := t.View()
	if count == 0 {
		body = theme.Dim.Render("  Waiting for commands...")
	}
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render(fmt.Sprintf("COMMANDS (%d)", count)),
		body,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
