package webhook

import (
	"encoding/json"

	"github.com/mattjoyce/cmdq/internal/command"
)

// Submitter queues a command for execution.
type Submitter interface {
	Submit(cmd command.Command) (string, error)
}

// Builder builds a catalog command by name.
type Builder interface {
	Build(name string, args json.RawMessage) (command.Command, error)
}

// Config holds webhook server configuration.
type Config struct {
	Listen    string
	Endpoints []EndpointConfig
}

// EndpointConfig defines a single webhook endpoint.
type EndpointConfig struct {
	// Path is the URL path for this webhook (e.g., "/hooks/lamp-on").
	Path string

	// Command is the catalog command submitted on a verified request.
	Command string

	// Args are fixed command arguments. When empty, the verified request
	// body is passed as the arguments instead.
	Args json.RawMessage

	// Secret is the HMAC secret for signature verification.
	Secret string

	// SignatureHeader carries the HMAC signature, e.g. "X-Hub-Signature-256".
	SignatureHeader string

	// MaxBodySize is the maximum allowed request body size in bytes.
	MaxBodySize int64
}

// TriggerResponse is the JSON response for successful webhook triggers.
type TriggerResponse struct {
	CommandID string `json:"command_id"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

const DefaultMaxBodySize = 1048576 // 1 MB
