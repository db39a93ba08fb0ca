package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/signalhaus/fleetcore/internal/fleet"
)

// handleListTablets returns all currently-connected tablets.
func (s *Server) handleListTablets(w http.ResponseWriter, _ *http.Request) {
	tablets := s.registry.Snapshot()
	writeSuccess(w, map[string]any{
		"tablets": tablets,
		"count":   len(tablets),
	})
}

// handleGetTablet returns one tablet by id.
//
// Connected tablets are answered from the registry; a tablet that is known
// but not connected is answered from the durable store with offline status.
func (s *Server) handleGetTablet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	tablet, err := s.registry.Lookup(id)
	if errors.Is(err, fleet.ErrTabletNotFound) && s.repo != nil {
		tablet, err = s.repo.GetTablet(r.Context(), id)
	}
	if err != nil {
		if errors.Is(err, fleet.ErrTabletNotFound) {
			writeNotFound(w, "tablet not found")
			return
		}
		s.logger.Error("tablet lookup failed", "tablet_id", id, "error", err)
		writeInternalError(w, "failed to load tablet")
		return
	}

	writeSuccess(w, map[string]any{"tablet": tablet})
}

// commandRequest is the body of POST /api/v1/tablets/{id}/command.
type commandRequest struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params"`
}

// handleSendCommand dispatches a one-way command to a connected tablet.
//
// Delivery is fire-and-forget: a success response means the command was
// written to the tablet's connection, not that the tablet executed it.
func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.Command == "" {
		writeBadRequest(w, "command is required")
		return
	}

	if err := s.router.Dispatch(id, req.Command, req.Params, r.RemoteAddr); err != nil {
		if errors.Is(err, fleet.ErrTabletNotFound) {
			writeNotFound(w, "tablet not connected")
			return
		}
		s.logger.Error("command dispatch failed", "tablet_id", id, "error", err)
		writeInternalError(w, "failed to dispatch command")
		return
	}

	writeSuccess(w, map[string]any{
		"message": "command sent",
	})
}

// handleTabletCommandLog returns the command history for one tablet.
func (s *Server) handleTabletCommandLog(w http.ResponseWriter, r *http.Request) {
	s.writeCommandLog(w, r, chi.URLParam(r, "id"))
}

// handleCommandLog returns the command history across the whole fleet.
func (s *Server) handleCommandLog(w http.ResponseWriter, r *http.Request) {
	s.writeCommandLog(w, r, "")
}

func (s *Server) writeCommandLog(w http.ResponseWriter, r *http.Request, tabletID string) {
	if s.repo == nil {
		writeSuccess(w, map[string]any{"logs": []fleet.CommandLogEntry{}, "count": 0})
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.repo.ListCommandLog(r.Context(), tabletID, limit)
	if err != nil {
		s.logger.Error("command log query failed", "tablet_id", tabletID, "error", err)
		writeInternalError(w, "failed to load command log")
		return
	}
	if entries == nil {
		entries = []fleet.CommandLogEntry{}
	}

	writeSuccess(w, map[string]any{
		"logs":  entries,
		"count": len(entries),
	})
}

// handleStats returns fleet-level counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	connected := s.registry.ActiveCount()

	total, online := connected, connected
	if s.repo != nil {
		var err error
		total, online, err = s.repo.CountTablets(r.Context())
		if err != nil {
			s.logger.Error("tablet count failed", "error", err)
			writeInternalError(w, "failed to load fleet stats")
			return
		}
	}

	var uptimeSeconds int64
	if !s.startTime.IsZero() {
		uptimeSeconds = int64(time.Since(s.startTime).Seconds())
	}

	writeSuccess(w, map[string]any{
		"connected":     connected,
		"known":         total,
		"online":        online,
		"observers":     s.hub.ClientCount(),
		"uptimeSeconds": uptimeSeconds,
	})
}
