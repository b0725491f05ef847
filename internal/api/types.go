package api

import (
	"encoding/json"
	"time"

	"github.com/mattjoyce/cmdq/internal/command"
	"github.com/mattjoyce/cmdq/internal/dispatch"
)

// SubmitRequest is the JSON body for POST /commands/{name}
type SubmitRequest struct {
	Args json.RawMessage `json:"args,omitempty"`
}

// SubmitResponse is returned once a command is queued
type SubmitResponse struct {
	CommandID   string `json:"command_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

// EntryResponse describes one history or undo entry.
type EntryResponse struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UndoneAt    *time.Time `json:"undone_at,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
}

func toEntryResponse(e command.Entry) EntryResponse {
	return EntryResponse{
		ID:          e.ID,
		Description: e.Description,
		Status:      string(e.Status),
		SubmittedAt: e.SubmittedAt,
		StartedAt:   e.StartedAt,
		CompletedAt: e.CompletedAt,
		UndoneAt:    e.UndoneAt,
		LastError:   e.LastError,
	}
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string         `json:"status"`
	State         dispatch.State `json:"state"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Stats         dispatch.Stats `json:"stats"`
}
