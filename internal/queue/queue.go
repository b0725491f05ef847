package queue

import (
	"errors"
	"sync"

	"github.com/mattjoyce/cmdq/internal/command"
)

var (
	// ErrStopped is returned by Enqueue once RequestStop has been called.
	ErrStopped = errors.New("queue is stopped")
)

// Queue is an unbounded FIFO of pending entries with a single blocking
// consumer. The stop flag is guarded by the same mutex as the buffer so the
// consumer's "has work or stopping" check is atomic with entering the wait.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []*command.Entry
	stopping bool
}

func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends e to the tail and wakes the consumer. It fails once the
// stop flag is set, so a clean stop never strands work in the buffer.
func (q *Queue) Enqueue(e *command.Entry) error {
	if e == nil {
		return command.ErrNilCommand
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopping {
		return ErrStopped
	}
	q.items = append(q.items, e)
	q.cond.Signal()
	return nil
}

// DequeueBlocking removes and returns the head, waiting while the queue is
// empty and not stopping. Queued work is returned even after a stop request.
// It returns (nil, false) only when stopping and empty.
func (q *Queue) DequeueBlocking() (*command.Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.stopping {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}

	e := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return e, true
}

// RequestStop sets the stop flag and wakes the consumer even if the queue is
// empty. Calling it more than once has no further effect.
func (q *Queue) RequestStop() {
	q.mu.Lock()
	q.stopping = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Stopping reports whether RequestStop has been called.
func (q *Queue) Stopping() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopping
}

// Len returns the number of entries waiting to be dequeued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
