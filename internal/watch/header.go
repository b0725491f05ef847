package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState tracks server health from /healthz polling.
type HealthState struct {
	Status        string
	State         string
	UptimeSeconds int64
	QueueDepth    int
	HistoryDepth  int
	Succeeded     uint64
	Failed        uint64
	Undone        uint64
	Connected     bool
}

func renderHeader(health HealthState, ticker Ticker, spinner Spinner, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("HEALTHY")
	switch {
	case !health.Connected:
		statusText = theme.StatusFailed.Render("CONNECTING")
	case health.Status == "faulted":
		statusText = theme.StatusFailed.Render("FAULTED")
	case health.Status == "stopping":
		statusText = theme.Highlight.Render("DRAINING")
	}

	lastEvent := "never"
	if !spinner.LastEvent().IsZero() {
		lastEvent = fmt.Sprintf("%s ago", now.Sub(spinner.LastEvent()).Round(time.Second))
	}

	titleText := fmt.Sprintf(" CMDQ WATCH %s", theme.Highlight.Render(ticker.Current()))
	clock := theme.Dim.Render(now.Format("15:04:05"))
	pad := max(1, innerWidth-lipgloss.Width(titleText)-lipgloss.Width(clock)-4)
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s  state: %s  up %s  queue: %d  history: %d",
		statusText,
		health.State,
		formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
		health.QueueDepth,
		health.HistoryDepth,
	)
	countsLine := fmt.Sprintf(" ok %d  failed %d  undone %d",
		health.Succeeded, health.Failed, health.Undone)
	activityLine := fmt.Sprintf(" Last event: %s %s", lastEvent, spinner.Render(theme))

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, countsLine, activityLine)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
