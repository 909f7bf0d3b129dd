// Hearthwatch - Home Automation Monitoring and Dashboard Sync
// Copyright 2026 Hearthwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hearthwatch/hearthwatch

// Package protocol implements the wire envelope shared by both transports.
//
// Every message the backend delivers - whether pushed over WebSocket or
// synthesized from an HTTP poll response - is wrapped in the same Envelope
// shape. Decoding validates the envelope, never the payload: the payload stays
// opaque raw JSON so the client survives backend schema evolution.
//
// Decode is a pure function. It never panics, and a decode failure is an
// ordinary error value the caller logs and discards; malformed frames must
// never propagate across subsystem boundaries.
package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// MessageType identifies the kind of envelope on the wire.
type MessageType string

// The closed set of envelope types. Anything else is rejected by Decode.
const (
	TypeInitialData  MessageType = "initial_data"
	TypeHealthUpdate MessageType = "health_update"
	TypeStatsUpdate  MessageType = "stats_update"
	TypeEventsUpdate MessageType = "events_update"
	TypePong         MessageType = "pong"
	TypeError        MessageType = "error"

	// TypePing is client-to-server only: the application-level heartbeat probe.
	TypePing MessageType = "ping"
)

// Valid reports whether t is a server-to-client type the client accepts.
func (t MessageType) Valid() bool {
	switch t {
	case TypeInitialData, TypeHealthUpdate, TypeStatsUpdate, TypeEventsUpdate, TypePong, TypeError:
		return true
	default:
		return false
	}
}

// Envelope is the uniform message wrapper used by both transports.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp"`
	Message   string          `json:"message,omitempty"`

	// SessionID is set on client-originated envelopes (pings) so the backend
	// can correlate heartbeats with a dashboard session.
	SessionID string `json:"session_id,omitempty"`
}

// Time parses the envelope timestamp. Returns the zero time if the timestamp
// does not parse as RFC 3339; callers fall back to their own clock.
func (e *Envelope) Time() time.Time {
	ts, err := time.Parse(time.RFC3339, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// Validation sentinels. DecodeError wraps one of these (or the underlying
// JSON error) so callers can branch with errors.Is.
var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrUnknownType       = errors.New("unknown message type")
	ErrMissingTimestamp  = errors.New("missing timestamp")
)

// DecodeError reports a frame that failed envelope validation.
// The raw frame is not retained; only its size, to keep log lines bounded.
type DecodeError struct {
	Cause error
	Size  int
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode envelope (%d bytes): %v", e.Size, e.Cause)
}

// Unwrap exposes the cause for errors.Is/errors.As.
func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// Decode parses and validates a raw frame into an Envelope.
//
// A frame is rejected when it is not valid JSON, when its type is outside the
// closed server-to-client set, or when its timestamp is empty. Rejected frames
// return a *DecodeError; the envelope is never partially surfaced.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{Cause: fmt.Errorf("%w: %v", ErrMalformedEnvelope, err), Size: len(raw)}
	}

	if !env.Type.Valid() {
		return nil, &DecodeError{Cause: fmt.Errorf("%w: %q", ErrUnknownType, env.Type), Size: len(raw)}
	}
	if env.Timestamp == "" {
		return nil, &DecodeError{Cause: ErrMissingTimestamp, Size: len(raw)}
	}

	return &env, nil
}

// Encode serializes an envelope for the wire.
func Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// NewPing builds the application-level heartbeat probe for a session.
func NewPing(sessionID string) *Envelope {
	return &Envelope{
		Type:      TypePing,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		SessionID: sessionID,
	}
}

// Synthesize wraps a polled HTTP response body in an envelope so it flows
// down the same dispatch path as pushed messages. The caller-supplied type
// names the slice of the snapshot the payload belongs to.
//
// The body must itself be valid JSON; polling an endpoint that returns HTML
// error pages must not poison the snapshot.
func Synthesize(t MessageType, body []byte) (*Envelope, error) {
	if !json.Valid(body) {
		return nil, &DecodeError{Cause: ErrMalformedEnvelope, Size: len(body)}
	}
	return &Envelope{
		Type:      t,
		Data:      json.RawMessage(body),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, nil
}
