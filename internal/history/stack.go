package history

import (
	"errors"
	"sync"

	"github.com/mattjoyce/cmdq/internal/command"
)

// ErrEmptyHistory is returned by Pop when nothing has been recorded.
var ErrEmptyHistory = errors.New("history is empty")

// Stack is a LIFO record of executed entries, ordered by completion.
type Stack struct {
	mu         sync.Mutex
	entries    []*command.Entry
	maxEntries int
}

// NewStack creates a history stack. When maxEntries > 0 the oldest entries
// are evicted once the cap is exceeded; 0 means unbounded.
func NewStack(maxEntries int) *Stack {
	if maxEntries < 0 {
		maxEntries = 0
	}
	return &Stack{maxEntries: maxEntries}
}

// Push records e as the most recent completed execution. It returns the
// entry evicted to respect the cap, if any.
func (s *Stack) Push(e *command.Entry) (evicted *command.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, e)
	if s.maxEntries > 0 && len(s.entries) > s.maxEntries {
		evicted = s.entries[0]
		s.entries[0] = nil
		s.entries = s.entries[1:]
	}
	return evicted
}

// Pop removes and returns the most recent entry. It never blocks.
func (s *Stack) Pop() (*command.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.entries)
	if n == 0 {
		return nil, ErrEmptyHistory
	}
	e := s.entries[n-1]
	s.entries[n-1] = nil
	s.entries = s.entries[:n-1]
	return e, nil
}

// Len returns the number of recorded entries.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Snapshot returns copies of the recorded entries, most recent first.
func (s *Stack) Snapshot() []command.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]command.Entry, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0; i-- {
		out = append(out, s.entries[i].Snapshot())
	}
	return out
}
