package command

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusFaulted   Status = "faulted"
	StatusUndone    Status = "undone"
)

// Command is a unit of work the dispatcher can execute and later reverse.
type Command interface {
	// Execute performs the command. A non-nil error means nothing was applied.
	Execute(ctx context.Context) error

	// Undo reverses a previous successful Execute.
	Undo(ctx context.Context) error

	// Description returns a human-readable description. It must not have side effects.
	Description() string
}

var ErrNilCommand = errors.New("command is nil")

// Entry is the dispatcher-owned handle for one submitted command. An entry
// lives in exactly one of the work queue, the executing slot or the history
// stack at a time.
type Entry struct {
	ID          string
	Description string
	Status      Status
	SubmittedAt time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UndoneAt    *time.Time
	LastError   *string

	cmd Command
}

// NewEntry wraps cmd in a queued entry with a fresh ID.
func NewEntry(cmd Command) (*Entry, error) {
	if cmd == nil {
		return nil, ErrNilCommand
	}
	return &Entry{
		ID:          uuid.NewString(),
		Description: cmd.Description(),
		Status:      StatusQueued,
		SubmittedAt: time.Now().UTC(),
		cmd:         cmd,
	}, nil
}

// Command returns the wrapped command.
func (e *Entry) Command() Command { return e.cmd }

// MarkRunning records the start of execution.
func (e *Entry) MarkRunning() {
	now := time.Now().UTC()
	e.Status = StatusRunning
	e.StartedAt = &now
}

// MarkDone records a terminal execution outcome. err may be nil.
func (e *Entry) MarkDone(status Status, err error) {
	now := time.Now().UTC()
	e.Status = status
	e.CompletedAt = &now
	if err != nil {
		msg := err.Error()
		e.LastError = &msg
	}
}

// MarkUndone records a reversal. err is the Undo error, if any.
func (e *Entry) MarkUndone(err error) {
	now := time.Now().UTC()
	e.UndoneAt = &now
	e.Status = StatusUndone
	if err != nil {
		msg := err.Error()
		e.LastError = &msg
	}
}

// Snapshot returns a copy safe to hand out of the dispatcher. The copy does
// not carry the command, so it cannot be executed or undone.
func (e *Entry) Snapshot() Entry {
	cp := *e
	cp.cmd = nil
	return cp
}
