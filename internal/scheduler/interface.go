package scheduler

import (
	"encoding/json"

	"github.com/mattjoyce/cmdq/internal/command"
)

//go:generate mockgen -destination=mocks/mock_submitter.go -package=mocks github.com/mattjoyce/cmdq/internal/scheduler Submitter

// Submitter queues a command for execution.
type Submitter interface {
	Submit(cmd command.Command) (string, error)
}

// Builder builds a catalog command by name.
type Builder interface {
	Build(name string, args json.RawMessage) (command.Command, error)
}
