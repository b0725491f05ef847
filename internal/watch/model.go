package watch

import (
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/cmdq/internal/events"
)

const maxEventLog = 50

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	apiKey string

	streamClient *http.Client
	pollClient   *http.Client

	width  int
	height int

	health      HealthState
	commands    *commandTracker
	table       table.Model
	schedules   map[string]*ScheduleState
	eventLog    []events.Event
	lastEventID int64

	ticker  Ticker
	spinner Spinner
	theme   Theme
	now     func() time.Time

	hubEvents chan events.Event
	lastError string
}

// New creates a watch model for the server at apiURL.
func New(apiURL, apiKey string) Model {
	return Model{
		apiURL:       apiURL,
		apiKey:       apiKey,
		streamClient: &http.Client{},
		pollClient:   &http.Client{Timeout: 2 * time.Second},
		commands:     newCommandTracker(),
		table:        newCommandTable(),
		schedules:    make(map[string]*ScheduleState),
		ticker:       NewTicker(),
		theme:        NewDefaultTheme(),
		now:          time.Now,
		hubEvents:    make(chan events.Event, 100),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.streamClient, m.apiURL, m.apiKey, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.pollClient, m.apiURL) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(max(20, m.width-8))

	case tickMsg:
		m.ticker.Tick()
		m.spinner.Decay(m.now())
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		m.applyEvent(events.Event(msg))
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health = HealthState{
			Status:        msg.Status,
			State:         msg.State,
			UptimeSeconds: msg.UptimeSeconds,
			QueueDepth:    msg.Stats.QueueDepth,
			HistoryDepth:  msg.Stats.HistoryDepth,
			Succeeded:     msg.Stats.Succeeded,
			Failed:        msg.Stats.Failed,
			Undone:        msg.Stats.Undone,
			Connected:     true,
		}
		m.lastError = ""
		return m, m.pollHealthIn(5 * time.Second)

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(t time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.streamClient, m.apiURL, m.apiKey, m.lastEventID, m.hubEvents)

	case errMsg:
		m.health.Connected = false
		m.lastError = msg.Error()
		return m, m.pollHealthIn(5 * time.Second)
	}

	return m, nil
}

func (m *Model) applyEvent(e events.Event) {
	if e.ID > m.lastEventID {
		m.lastEventID = e.ID
	}
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}
	m.spinner.OnEvent(m.now())

	if m.commands.apply(e) {
		m.table.SetRows(commandRows(m.commands.recent(maxTrackedCommands)))
	}
	updateScheduleState(m.schedules, e)

	m.health.Connected = true
	m.lastError = ""
}

func (m Model) pollHealthIn(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg {
		return fetchHealth(m.pollClient, m.apiURL)
	})
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting..."
	}

	parts := []string{
		renderHeader(m.health, m.ticker, m.spinner, m.theme, m.width, m.now()),
		renderCommands(m.table, len(m.commands.order), m.theme, m.width),
		renderSchedules(m.schedules, m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Scroll commands"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
