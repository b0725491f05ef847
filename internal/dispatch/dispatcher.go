package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/mattjoyce/cmdq/internal/command"
	"github.com/mattjoyce/cmdq/internal/events"
	"github.com/mattjoyce/cmdq/internal/history"
	"github.com/mattjoyce/cmdq/internal/log"
	"github.com/mattjoyce/cmdq/internal/queue"
)

//go:generate mockgen -destination=mocks/mock_journal.go -package=mocks github.com/mattjoyce/cmdq/internal/dispatch Journal

// Journal receives terminal lifecycle records (executed, failed, faulted,
// undone). Failures are logged and never interrupt dispatch.
type Journal interface {
	Append(ctx context.Context, kind string, e command.Entry) error
}

// State is the consumer loop's lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateWaiting   State = "waiting"
	StateExecuting State = "executing"
	StateDraining  State = "draining"
	StateStopped   State = "stopped"
	StateFaulted   State = "faulted"
)

// Stats is a point-in-time view of dispatcher counters.
type Stats struct {
	Submitted    uint64 `json:"submitted"`
	Succeeded    uint64 `json:"succeeded"`
	Failed       uint64 `json:"failed"`
	Faulted      uint64 `json:"faulted"`
	Undone       uint64 `json:"undone"`
	QueueDepth   int    `json:"queue_depth"`
	HistoryDepth int    `json:"history_depth"`
}

// Dispatcher owns a work queue and a history stack and runs the single
// consumer that moves entries from one to the other.
type Dispatcher struct {
	queue   *queue.Queue
	history *history.Stack
	hub     *events.Hub
	journal Journal
	metrics *Metrics
	logger  *slog.Logger

	phase    atomic.Value // State
	started  atomic.Bool
	faulted  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
	runErr   error

	submitted atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	faults    atomic.Uint64
	undone    atomic.Uint64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithHub publishes lifecycle events to h.
func WithHub(h *events.Hub) Option {
	return func(d *Dispatcher) {
		if h != nil {
			d.hub = h
		}
	}
}

// WithJournal records terminal lifecycle events to j.
func WithJournal(j Journal) Option {
	return func(d *Dispatcher) {
		d.journal = j
	}
}

// WithHistoryLimit caps the history stack; 0 keeps it unbounded.
func WithHistoryLimit(n int) Option {
	return func(d *Dispatcher) {
		d.history = history.NewStack(n)
	}
}

// WithMetrics exports dispatcher metrics through m.
func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// New creates a Dispatcher. The consumer is not running until Start or Run.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:   queue.New(),
		history: history.NewStack(0),
		logger:  log.WithComponent("dispatch"),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.hub == nil {
		d.hub = events.NewHub(256)
	}
	if d.metrics != nil {
		d.metrics.observe(d)
	}
	d.phase.Store(StateIdle)
	return d
}

// Events returns the hub lifecycle events are published to.
func (d *Dispatcher) Events() *events.Hub { return d.hub }

// Submit hands cmd to the dispatcher and returns its entry ID. It never waits
// for execution.
func (d *Dispatcher) Submit(cmd command.Command) (string, error) {
	if d.faulted.Load() {
		return "", ErrConsumerFault
	}

	e, err := command.NewEntry(cmd)
	if err != nil {
		return "", err
	}
	// The consumer owns e once it is queued.
	snap := e.Snapshot()
	if err := d.queue.Enqueue(e); err != nil {
		if d.faulted.Load() {
			return "", ErrConsumerFault
		}
		return "", err
	}

	d.submitted.Add(1)
	d.metrics.submittedInc()
	d.hub.Publish(events.CommandSubmitted, entryEvent(snap))
	d.logger.Debug("command submitted", "command_id", snap.ID, "description", snap.Description)
	return snap.ID, nil
}

// Run executes queued commands on the calling goroutine until the dispatcher
// is stopped and the queue is drained. Cancelling ctx has the same effect as
// Stop; commands still receive an uncancelled context so drained work runs.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	d.loop(ctx)
	return d.runErr
}

// Start runs the consumer on a new goroutine. Use Wait or Done to observe
// its exit.
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	go d.loop(ctx)
	return nil
}

// Wait blocks until the consumer has exited and returns its error: nil after
// a clean drain, ErrConsumerFault (wrapped) after a fault.
func (d *Dispatcher) Wait() error {
	if !d.started.Load() {
		return ErrNotStarted
	}
	<-d.done
	return d.runErr
}

// Done is closed once the consumer exits for any reason.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Stop arms shutdown: everything already queued still runs, then the
// consumer exits. It does not wait; call Wait for that. Safe to call more
// than once and from multiple goroutines.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		pending := d.queue.Len()
		d.queue.RequestStop()
		d.logger.Info("stop requested", "pending", pending)
		d.hub.Publish(events.DispatcherStopping, map[string]int{"pending": pending})
	})
}

// Undo pops the most recently completed command and reverses it on the
// caller's goroutine. The popped entry is returned and is no longer in
// history, even when its Undo fails.
func (d *Dispatcher) Undo(ctx context.Context) (*command.Entry, error) {
	e, err := d.history.Pop()
	if err != nil {
		d.logger.Debug("undo requested with empty history")
		return nil, err
	}

	logger := d.logger.With("command_id", e.ID, "description", e.Description)
	logger.Info("undoing command")

	uerr := e.Command().Undo(ctx)
	e.MarkUndone(uerr)
	snap := e.Snapshot()

	if uerr != nil {
		logger.Warn("undo failed", "error", uerr)
		d.hub.Publish(events.CommandUndoFailed, entryEvent(snap))
		d.record(ctx, events.CommandUndoFailed, snap)
		return e, fmt.Errorf("undo %q: %w", e.Description, uerr)
	}

	d.undone.Add(1)
	d.metrics.undoneInc()
	d.hub.Publish(events.CommandUndone, entryEvent(snap))
	d.record(ctx, events.CommandUndone, snap)
	return e, nil
}

// History returns the recorded entries, most recent first.
func (d *Dispatcher) History() []command.Entry { return d.history.Snapshot() }

// State reports where the consumer loop is.
func (d *Dispatcher) State() State {
	s := d.phase.Load().(State)
	if (s == StateWaiting || s == StateExecuting) && d.queue.Stopping() {
		return StateDraining
	}
	return s
}

// Stats returns the current counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Submitted:    d.submitted.Load(),
		Succeeded:    d.succeeded.Load(),
		Failed:       d.failed.Load(),
		Faulted:      d.faults.Load(),
		Undone:       d.undone.Load(),
		QueueDepth:   d.queue.Len(),
		HistoryDepth: d.history.Len(),
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)

	d.logger.Info("dispatch loop started")
	stopOnCancel := context.AfterFunc(ctx, d.Stop)
	defer stopOnCancel()
	execCtx := context.WithoutCancel(ctx)

	for {
		d.phase.Store(StateWaiting)
		e, ok := d.queue.DequeueBlocking()
		if !ok {
			break
		}

		d.phase.Store(StateExecuting)
		if err := d.execute(execCtx, e); err != nil {
			d.fault(err)
			return
		}
	}

	d.phase.Store(StateStopped)
	d.logger.Info("dispatch loop stopped")
	d.hub.Publish(events.DispatcherStopped, d.Stats())
}

// execute runs one entry. It returns a non-nil error only for a consumer
// fault; ordinary command failures are recorded on the entry.
func (d *Dispatcher) execute(ctx context.Context, e *command.Entry) (fault error) {
	logger := d.logger.With("command_id", e.ID, "description", e.Description)

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		fault = fmt.Errorf("%w: command %s panicked: %v", ErrConsumerFault, e.ID, r)
		e.MarkDone(command.StatusFaulted, fault)
		logger.Error("command panicked", "panic", r, "stack", string(debug.Stack()))

		d.faults.Add(1)
		d.metrics.executedInc(command.StatusFaulted)
		snap := e.Snapshot()
		d.hub.Publish(events.CommandFaulted, entryEvent(snap))
		d.record(ctx, events.CommandFaulted, snap)
	}()

	e.MarkRunning()
	logger.Info("executing command")
	d.hub.Publish(events.CommandStarted, entryEvent(e.Snapshot()))

	if err := e.Command().Execute(ctx); err != nil {
		e.MarkDone(command.StatusFailed, err)
		logger.Warn("command failed", "error", err)

		d.failed.Add(1)
		d.metrics.executedInc(command.StatusFailed)
		snap := e.Snapshot()
		d.hub.Publish(events.CommandFailed, entryEvent(snap))
		d.record(ctx, events.CommandFailed, snap)
		return nil
	}

	e.MarkDone(command.StatusSucceeded, nil)
	snap := e.Snapshot()
	if evicted := d.history.Push(e); evicted != nil {
		logger.Debug("history limit reached, evicted oldest", "evicted_id", evicted.ID)
		d.hub.Publish(events.CommandEvicted, entryEvent(evicted.Snapshot()))
	}

	d.succeeded.Add(1)
	d.metrics.executedInc(command.StatusSucceeded)
	logger.Info("command completed")
	d.hub.Publish(events.CommandSucceeded, entryEvent(snap))
	d.record(ctx, events.CommandSucceeded, snap)
	return nil
}

// fault terminates dispatch after an unexpected consumer failure. Entries
// still queued stay queued and are never executed.
func (d *Dispatcher) fault(err error) {
	d.faulted.Store(true)
	// A later Stop must not announce a stop that already happened.
	d.stopOnce.Do(func() {})
	d.queue.RequestStop()
	d.runErr = err
	d.phase.Store(StateFaulted)
	d.logger.Error("dispatch loop faulted", "error", err, "stranded", d.queue.Len())
	d.hub.Publish(events.DispatcherStopped, map[string]any{
		"error":    err.Error(),
		"stranded": d.queue.Len(),
	})
}

func (d *Dispatcher) record(ctx context.Context, kind string, e command.Entry) {
	if d.journal == nil {
		return
	}
	if err := d.journal.Append(ctx, kind, e); err != nil {
		d.logger.Error("failed to journal command", "command_id", e.ID, "kind", kind, "error", err)
	}
}

type entryPayload struct {
	ID          string  `json:"id"`
	Description string  `json:"description"`
	Status      string  `json:"status"`
	LastError   *string `json:"last_error,omitempty"`
}

func entryEvent(e command.Entry) entryPayload {
	return entryPayload{
		ID:          e.ID,
		Description: e.Description,
		Status:      string(e.Status),
		LastError:   e.LastError,
	}
}
