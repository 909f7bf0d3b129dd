// Hearthwatch - Home Automation Monitoring and Dashboard Sync
// Copyright 2026 Hearthwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hearthwatch/hearthwatch

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/hearthwatch/hearthwatch/internal/client"
	"github.com/hearthwatch/hearthwatch/internal/logging"
)

// StatusResponse reports the sync client's connection mode and session.
type StatusResponse struct {
	State             string    `json:"state"`
	SessionID         string    `json:"session_id"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	LastError         string    `json:"last_error,omitempty"`
	SnapshotTimestamp time.Time `json:"snapshot_timestamp"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.sync.Snapshot()
	respondJSON(w, http.StatusOK, StatusResponse{
		State:             s.sync.State().String(),
		SessionID:         s.sync.SessionID(),
		ReconnectAttempts: s.sync.Attempts(),
		LastError:         s.sync.LastError(),
		SnapshotTimestamp: snap.Timestamp,
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.sync.Snapshot())
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.sync.Reconnect(); err != nil {
		if errors.Is(err, client.ErrReconnectThrottled) {
			respondJSON(w, http.StatusTooManyRequests, map[string]string{"error": err.Error()})
			return
		}
		respondJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "reconnecting"})
}

// respondJSON sends a JSON response with proper headers.
func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")

	data, err := json.Marshal(payload)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("Failed to write JSON response")
	}
}
