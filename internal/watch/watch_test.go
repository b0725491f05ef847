package watch

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/cmdq/internal/events"
)

func ev(id int64, typ, data string) events.Event {
	return events.Event{ID: id, Type: typ, At: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), Data: []byte(data)}
}

func TestReadSSE(t *testing.T) {
	stream := strings.Join([]string{
		": keep-alive",
		"",
		"id: 7",
		"event: command.started",
		`data: {"id":"abc","description":"turn on lamp","status":"running"}`,
		"",
		"id: 8",
		"event: dispatcher.stopping",
		`data: {"pending":0}`,
		"",
	}, "\n")

	ch := make(chan events.Event, 4)
	readSSE(strings.NewReader(stream), ch)
	close(ch)

	var got []events.Event
	for e := range ch {
		got = append(got, e)
	}
	require.Len(t, got, 2)
	assert.Equal(t, int64(7), got[0].ID)
	assert.Equal(t, events.CommandStarted, got[0].Type)
	assert.Contains(t, string(got[0].Data), "turn on lamp")
	assert.Equal(t, events.DispatcherStopping, got[1].Type)
}

func TestCommandTracker(t *testing.T) {
	c := newCommandTracker()

	assert.False(t, c.apply(ev(1, events.DispatcherStopping, `{"pending":1}`)))
	assert.True(t, c.apply(ev(2, events.CommandSubmitted, `{"id":"a","description":"turn on lamp","status":"pending"}`)))
	assert.True(t, c.apply(ev(3, events.CommandStarted, `{"id":"a","description":"turn on lamp","status":"running"}`)))
	assert.True(t, c.apply(ev(4, events.CommandSucceeded, `{"id":"a","description":"turn on lamp","status":"succeeded"}`)))
	// A submitted event delivered after completion does not rewind the status.
	assert.False(t, c.apply(ev(5, events.CommandSubmitted, `{"id":"a","description":"turn on lamp","status":"queued"}`)))
	assert.Equal(t, "succeeded", c.byID["a"].Status)
	assert.True(t, c.apply(ev(5, events.CommandSubmitted, `{"id":"b","description":"turn off fan","status":"pending"}`)))
	assert.True(t, c.apply(ev(6, events.CommandEvicted, `{"id":"a","description":"turn on lamp","status":"succeeded"}`)))

	recent := c.recent(10)
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].ID)
	assert.Equal(t, "a", recent[1].ID)
	assert.Equal(t, "succeeded", recent[1].Status)
	assert.False(t, recent[1].StartedAt.IsZero())
	assert.False(t, recent[1].EndedAt.IsZero())

	assert.True(t, c.apply(ev(7, events.CommandUndoFailed, `{"id":"a","description":"turn on lamp","status":"undone","last_error":"stuck"}`)))
	assert.Equal(t, "stuck", c.byID["a"].LastError)
	assert.Len(t, c.recent(1), 1)
}

func TestCommandTrackerCap(t *testing.T) {
	c := newCommandTracker()
	for i := range maxTrackedCommands + 5 {
		id := string(rune('A' + i))
		c.apply(ev(int64(i), events.CommandSubmitted, `{"id":"`+id+`","description":"x","status":"pending"}`))
	}
	assert.Len(t, c.order, maxTrackedCommands)
	assert.Len(t, c.byID, maxTrackedCommands)
}

func TestUpdateScheduleState(t *testing.T) {
	schedules := make(map[string]*ScheduleState)

	updateScheduleState(schedules, ev(1, events.SchedulerSubmitted, `{"schedule":"porch","command_id":"abc"}`))
	require.Contains(t, schedules, "porch")
	assert.Equal(t, "submitted", schedules["porch"].Status)
	assert.Equal(t, "abc", schedules["porch"].CommandID)

	updateScheduleState(schedules, ev(2, events.SchedulerSkipped, `{"schedule":"porch","reason":"dispatcher stopped"}`))
	assert.Equal(t, "skipped", schedules["porch"].Status)
	assert.Equal(t, "dispatcher stopped", schedules["porch"].Reason)

	updateScheduleState(schedules, ev(3, events.CommandStarted, `{"id":"x"}`))
	assert.Len(t, schedules, 1)
}

func TestModelUpdateAndView(t *testing.T) {
	m := New("http://127.0.0.1:1", "key")
	m.now = func() time.Time { return time.Date(2026, 1, 1, 12, 0, 5, 0, time.UTC) }

	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	m = next.(Model)
	next, _ = m.Update(eventMsg(ev(9, events.CommandSucceeded, `{"id":"abcdef123456","description":"turn on lamp","status":"succeeded"}`)))
	m = next.(Model)

	var h healthMsg
	h.Status = "ok"
	h.State = "waiting"
	h.Stats.HistoryDepth = 1
	h.Stats.Succeeded = 1
	next, _ = m.Update(h)
	m = next.(Model)

	assert.Equal(t, int64(9), m.lastEventID)
	assert.True(t, m.health.Connected)

	view := m.View()
	for _, want := range []string{"CMDQ WATCH", "HEALTHY", "COMMANDS (1)", "abcdef12", "turn on lamp", "EVENT STREAM", "command.succeeded"} {
		assert.Contains(t, view, want)
	}

	next, _ = m.Update(sseDisconnectedMsg{})
	m = next.(Model)
	assert.False(t, m.health.Connected)
	assert.Contains(t, m.View(), "reconnecting")

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestFetchHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"faulted","state":"faulted","uptime_seconds":3,"stats":{"queue_depth":2}}`))
	}))
	defer srv.Close()

	msg := fetchHealth(srv.Client(), srv.URL)
	h, ok := msg.(healthMsg)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, "faulted", h.Status)
	assert.Equal(t, 2, h.Stats.QueueDepth)
}

func TestSubscribeToEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		assert.Equal(t, "4", r.Header.Get("Last-Event-ID"))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("id: 5\nevent: command.submitted\ndata: {\"id\":\"z\"}\n\n"))
	}))
	defer srv.Close()

	ch := make(chan events.Event, 1)
	msg := subscribeToEvents(srv.Client(), srv.URL, "key", 4, ch)()
	assert.IsType(t, sseDisconnectedMsg{}, msg)
	e := <-ch
	assert.Equal(t, int64(5), e.ID)
}

func TestSpinnerDecay(t *testing.T) {
	var s Spinner
	start := time.Now()
	s.OnEvent(start)
	s.Decay(start.Add(3 * time.Second))
	assert.Equal(t, 4, s.dots)
	s.Decay(start.Add(11 * time.Second))
	assert.Equal(t, 0, s.dots)
}
