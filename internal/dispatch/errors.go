package dispatch

import (
	"errors"

	"github.com/mattjoyce/cmdq/internal/history"
	"github.com/mattjoyce/cmdq/internal/queue"
)

var (
	// ErrStopped is returned by Submit once Stop has been called.
	ErrStopped = queue.ErrStopped

	// ErrEmptyHistory is returned by Undo when nothing has completed.
	ErrEmptyHistory = history.ErrEmptyHistory

	// ErrConsumerFault marks a consumer loop that died unexpectedly.
	ErrConsumerFault = errors.New("dispatcher consumer faulted")

	// ErrAlreadyRunning is returned when the consumer is started twice.
	ErrAlreadyRunning = errors.New("dispatcher is already running")

	// ErrNotStarted is returned by Wait when the consumer was never started.
	ErrNotStarted = errors.New("dispatcher was not started")
)
