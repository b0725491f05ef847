package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the dispatcher and scheduler.
const (
	CommandSubmitted  = "command.submitted"
	CommandStarted    = "command.started"
	CommandSucceeded  = "command.succeeded"
	CommandFailed     = "command.failed"
	CommandFaulted    = "command.faulted"
	CommandUndone     = "command.undone"
	CommandUndoFailed = "command.undo_failed"
	CommandEvicted    = "command.evicted"

	DispatcherStopping = "dispatcher.stopping"
	DispatcherStopped  = "dispatcher.stopped"

	SchedulerSubmitted = "scheduler.submitted"
	SchedulerSkipped   = "scheduler.skipped"
)

type Event struct {
	ID   int64     `json:"id"`
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data []byte    `json:"data"` // JSON payload
}

// Hub is an in-memory pub/sub with a small ring buffer for late subscribers.
// Publish never blocks: subscribers that fall behind miss events.
type Hub struct {
	nextID atomic.Int64

	mu   sync.Mutex
	ring []Event
	head int
	size int

	subs      map[int]chan Event
	nextSubID int
	subBuffer int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring:      make([]Event, capacity),
		subs:      make(map[int]chan Event),
		subBuffer: 64,
	}
}

// Publish records an event of the given type with data marshalled to JSON.
func (h *Hub) Publish(eventType string, data any) Event {
	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// IDs are assigned under the lock so ring order matches ID order.
	ev := Event{
		ID:   h.nextID.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}
	h.record(ev)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return ev
}

// Subscribe returns a channel of future events and a cancel func that
// unregisters and closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, h.subBuffer)
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest first.
// A lastID of 0 returns the whole buffer.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := range h.size {
		ev := h.ring[(h.head+i)%len(h.ring)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) record(ev Event) {
	if h.size < len(h.ring) {
		h.ring[(h.head+h.size)%len(h.ring)] = ev
		h.size++
		return
	}
	// Full: overwrite the oldest.
	h.ring[h.head] = ev
	h.head = (h.head + 1) % len(h.ring)
}
