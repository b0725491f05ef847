package watch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/cmdq/internal/events"
)

// --- Message types ---

type eventMsg events.Event

// healthMsg mirrors the GET /healthz body.
type healthMsg struct {
	Status        string `json:"status"`
	State         string `json:"state"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Stats         struct {
		Succeeded    uint64 `json:"succeeded"`
		Failed       uint64 `json:"failed"`
		Undone       uint64 `json:"undone"`
		QueueDepth   int    `json:"queue_depth"`
		HistoryDepth int    `json:"history_depth"`
	} `json:"stats"`
}

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// --- Commands ---

// subscribeToEvents streams GET /events into ch, resuming after lastID.
// It returns sseDisconnectedMsg when the stream ends.
func subscribeToEvents(client *http.Client, apiURL, apiKey string, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodGet, apiURL+"/events", nil)
		if err != nil {
			return errMsg(err)
		}
		req.Header.Set("Authorization", "Bearer "+apiKey)
		if lastID > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
		}

		resp, err := client.Do(req)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg(fmt.Errorf("events: %s", resp.Status))
		}

		readSSE(resp.Body, ch)
		return sseDisconnectedMsg{}
	}
}

// readSSE parses server-sent events from r until EOF. Comment lines and
// frames without data are ignored.
func readSSE(r io.Reader, ch chan<- events.Event) {
	scanner := bufio.NewScanner(r)
	var (
		id   int64
		typ  string
		data string
	)
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if data != "" {
				ch <- events.Event{ID: id, Type: typ, At: time.Now(), Data: []byte(data)}
			}
			id, typ, data = 0, "", ""
		case strings.HasPrefix(line, "id: "):
			if v, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				id = v
			}
		case strings.HasPrefix(line, "event: "):
			typ = line[7:]
		case strings.HasPrefix(line, "data: "):
			data = line[6:]
		}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// fetchHealth queries GET /healthz. A 503 still carries a body.
func fetchHealth(client *http.Client, apiURL string) tea.Msg {
	resp, err := client.Get(apiURL + "/healthz")
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()

	var h healthMsg
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return errMsg(fmt.Errorf("healthz: %w", err))
	}
	return h
}
