// Hearthwatch - Home Automation Monitoring and Dashboard Sync
// Copyright 2026 Hearthwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hearthwatch/hearthwatch

// Package models defines the data entities shared between the sync client and
// the status API.
//
// The central entity is MetricsSnapshot: the merged, last-known-good view of
// backend health, statistics, and events that the dispatcher maintains and the
// status API serves. Payloads are carried as raw JSON so that the client stays
// agnostic of the backend's evolving metrics schema - it validates the
// envelope, not the payload.
package models

import (
	"time"

	"github.com/goccy/go-json"
)

// MetricsSnapshot is the merged view of all dashboard data received so far.
//
// Partial updates mutate only their slice: a health_update replaces Health and
// leaves Statistics and Events untouched. Timestamp always reflects the most
// recently applied update, regardless of which transport delivered it.
type MetricsSnapshot struct {
	Health     json.RawMessage   `json:"health,omitempty"`
	Statistics json.RawMessage   `json:"statistics,omitempty"`
	Events     []json.RawMessage `json:"events,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Clone returns a deep copy safe to hand out to concurrent readers.
// The dispatcher is the single writer of the live snapshot; everyone else
// reads through a clone.
func (s *MetricsSnapshot) Clone() MetricsSnapshot {
	out := MetricsSnapshot{Timestamp: s.Timestamp}

	if s.Health != nil {
		out.Health = make(json.RawMessage, len(s.Health))
		copy(out.Health, s.Health)
	}
	if s.Statistics != nil {
		out.Statistics = make(json.RawMessage, len(s.Statistics))
		copy(out.Statistics, s.Statistics)
	}
	if s.Events != nil {
		out.Events = make([]json.RawMessage, len(s.Events))
		for i, ev := range s.Events {
			out.Events[i] = make(json.RawMessage, len(ev))
			copy(out.Events[i], ev)
		}
	}

	return out
}

// InitialData is the payload of an initial_data envelope: the full snapshot
// the backend sends on connection establishment.
type InitialData struct {
	Health     json.RawMessage   `json:"health,omitempty"`
	Statistics json.RawMessage   `json:"statistics,omitempty"`
	Events     []json.RawMessage `json:"events,omitempty"`
}

// EventsPayload is the payload of an events_update envelope.
// The backend may send either a bare JSON array or an object wrapping one;
// UnmarshalEvents accepts both.
type EventsPayload struct {
	Events []json.RawMessage `json:"events"`
}

// UnmarshalEvents decodes an events_update payload, accepting both the bare
// array form and the {"events": [...]} wrapper form.
func UnmarshalEvents(data json.RawMessage) ([]json.RawMessage, error) {
	var list []json.RawMessage
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}

	var wrapped EventsPayload
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Events, nil
}
