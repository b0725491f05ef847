// Package dispatch runs submitted commands on a single consumer goroutine and
// keeps an undo history of what it executed.
//
// Lifecycle: New → Start (or Run on a goroutine you own) → Stop → Wait.
//
// Key behaviour:
//   - Serial FIFO execution (one command at a time, submission order)
//   - Submit never blocks; the work queue is unbounded
//   - Successful commands are pushed onto the history stack
//   - Undo pops the most recently completed command and reverses it on the
//     caller's goroutine
//   - Stop is idempotent and drains everything queued before it, then the
//     consumer exits
//
// Error handling:
//   - Execute returns an error → entry marked failed, not recorded to history
//   - Execute panics → consumer fault: the loop exits, Run/Wait return an
//     error wrapping ErrConsumerFault and Submit is refused from then on
//   - Undo with nothing recorded → ErrEmptyHistory, no state change
//   - Submit after Stop → ErrStopped
//
// Limitations:
//   - An in-flight Execute cannot be cancelled and has no timeout; a command
//     that never returns blocks the consumer
package dispatch
