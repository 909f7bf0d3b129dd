// Hearthwatch - Home Automation Monitoring and Dashboard Sync
// Copyright 2026 Hearthwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hearthwatch/hearthwatch

package client

import (
	"sync"

	"github.com/hearthwatch/hearthwatch/internal/logging"
	"github.com/hearthwatch/hearthwatch/internal/metrics"
)

// State is the externally visible connection state.
//
// The arbiter owns it exclusively: every other component observes the state,
// none mutates it directly.
type State int

const (
	// StateConnecting: dialing the push channel.
	StateConnecting State = iota
	// StateConnected: push channel active, heartbeat running.
	StateConnected
	// StateDisconnected: not currently live; a reconnect attempt is in
	// flight. Transient, does not imply failure.
	StateDisconnected
	// StateFallback: degraded to HTTP polling after reconnect exhaustion.
	StateFallback
	// StateError: terminal until a manual reconnect; reached on fatal
	// protocol errors or when fallback itself cannot be established.
	StateError
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFallback:
		return "fallback"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Event drives the connection state machine.
type Event int

const (
	// EventDialSucceeded: the push channel opened.
	EventDialSucceeded Event = iota
	// EventDialFailed: a connection attempt failed with retries remaining.
	EventDialFailed
	// EventChannelLost: socket closed or heartbeat timed out while connected.
	EventChannelLost
	// EventAttemptsExhausted: the reconnect attempt budget ran out.
	EventAttemptsExhausted
	// EventFallbackUnreachable: fallback polling cannot reach any endpoint.
	EventFallbackUnreachable
	// EventFatalProtocolError: non-recoverable server rejection, as opposed
	// to a network failure.
	EventFatalProtocolError
	// EventManualReconnect: a user-initiated reconnect request.
	EventManualReconnect
)

// String implements fmt.Stringer.
func (e Event) String() string {
	switch e {
	case EventDialSucceeded:
		return "dial_succeeded"
	case EventDialFailed:
		return "dial_failed"
	case EventChannelLost:
		return "channel_lost"
	case EventAttemptsExhausted:
		return "attempts_exhausted"
	case EventFallbackUnreachable:
		return "fallback_unreachable"
	case EventFatalProtocolError:
		return "fatal_protocol_error"
	case EventManualReconnect:
		return "manual_reconnect"
	default:
		return "unknown"
	}
}

// Transition is the pure state transition function.
//
// Events that do not apply in the current state leave it unchanged; a late
// dial failure arriving after the switch to fallback, for example, must not
// knock the machine out of fallback.
func Transition(s State, ev Event) State {
	switch ev {
	case EventManualReconnect:
		// Available from any state, including error.
		return StateConnecting

	case EventFatalProtocolError:
		return StateError

	case EventDialSucceeded:
		if s == StateConnecting || s == StateDisconnected {
			return StateConnected
		}

	case EventDialFailed:
		if s == StateConnecting || s == StateDisconnected {
			return StateDisconnected
		}

	case EventChannelLost:
		if s == StateConnected {
			return StateDisconnected
		}

	case EventAttemptsExhausted:
		if s == StateConnecting || s == StateDisconnected || s == StateConnected {
			return StateFallback
		}

	case EventFallbackUnreachable:
		if s == StateFallback {
			return StateError
		}
	}

	return s
}

// Arbiter holds the current connection state and applies events through the
// pure Transition function.
//
// Apply calls are serialized by the client's control loop; the internal lock
// only protects concurrent State() reads from the status API.
type Arbiter struct {
	mu       sync.RWMutex
	state    State
	onChange func(from, to State)
}

// NewArbiter creates an arbiter in the initial connecting state.
// onChange, if non-nil, is invoked after every state change.
func NewArbiter(onChange func(from, to State)) *Arbiter {
	metrics.ConnectionState.Set(float64(StateConnecting))
	return &Arbiter{
		state:    StateConnecting,
		onChange: onChange,
	}
}

// State returns the current connection state.
func (a *Arbiter) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Apply feeds an event through the transition function and returns the
// resulting state.
func (a *Arbiter) Apply(ev Event) State {
	a.mu.Lock()
	from := a.state
	to := Transition(from, ev)
	a.state = to
	a.mu.Unlock()

	if to == from {
		return to
	}

	metrics.ConnectionState.Set(float64(to))
	if to == StateFallback {
		metrics.FallbackActive.Set(1)
	} else {
		metrics.FallbackActive.Set(0)
	}

	logging.Info().
		Str("from", from.String()).
		Str("to", to.String()).
		Str("event", ev.String()).
		Msg("Connection state transition")

	if a.onChange != nil {
		a.onChange(from, to)
	}
	return to
}
