package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/cmdq/internal/catalog"
	"github.com/mattjoyce/cmdq/internal/command"
	"github.com/mattjoyce/cmdq/internal/dispatch"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	state := s.dispatcher.State()
	status, code := "ok", http.StatusOK
	switch state {
	case dispatch.StateFaulted:
		status, code = "faulted", http.StatusServiceUnavailable
	case dispatch.StateDraining, dispatch.StateStopped:
		status = "stopping"
	}

	respondJSON(w, code, HealthzResponse{
		Status:        status,
		State:         state,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Stats:         s.dispatcher.Stats(),
	})
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string][]string{"commands": s.catalog.Names()})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req SubmitRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	cmd, err := s.catalog.Build(name, req.Args)
	switch {
	case errors.Is(err, catalog.ErrUnknownCommand):
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.dispatcher.Submit(cmd)
	switch {
	case errors.Is(err, dispatch.ErrStopped):
		s.writeError(w, http.StatusServiceUnavailable, "dispatcher is stopping")
		return
	case errors.Is(err, dispatch.ErrConsumerFault):
		s.writeError(w, http.StatusServiceUnavailable, "dispatcher faulted")
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, "failed to submit command")
		return
	}

	respondJSON(w, http.StatusAccepted, SubmitResponse{
		CommandID:   id,
		Name:        name,
		Description: cmd.Description(),
		Status:      string(command.StatusQueued),
	})
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	e, err := s.dispatcher.Undo(r.Context())
	if errors.Is(err, dispatch.ErrEmptyHistory) {
		s.writeError(w, http.StatusConflict, "nothing to undo")
		return
	}
	if err != nil {
		if e != nil {
			// The entry left history even though its undo failed.
			respondJSON(w, http.StatusInternalServerError, struct {
				ErrorResponse
				Entry EntryResponse `json:"entry"`
			}{ErrorResponse{Error: err.Error()}, toEntryResponse(e.Snapshot())})
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, toEntryResponse(e.Snapshot()))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries := s.dispatcher.History()
	out := make([]EntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryResponse(e))
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, http.StatusNotFound, "journal disabled")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	records, err := s.journal.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list journal", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"records": records})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
