// Hearthwatch - Home Automation Monitoring and Dashboard Sync
// Copyright 2026 Hearthwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hearthwatch/hearthwatch

package client

import (
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/hearthwatch/hearthwatch/internal/logging"
	"github.com/hearthwatch/hearthwatch/internal/metrics"
	"github.com/hearthwatch/hearthwatch/internal/models"
	"github.com/hearthwatch/hearthwatch/internal/protocol"
)

// Dispatcher folds incoming envelopes into the aggregated metrics snapshot.
// Envelopes from either transport funnel through Dispatch; the snapshot is
// only ever written under dp.mu, so a partial update (stats without health)
// can never be observed.
type Dispatcher struct {
	mu       sync.RWMutex
	snapshot models.MetricsSnapshot
	lastErr  string

	subMu sync.Mutex
	subs  []func(models.MetricsSnapshot)
}

// NewDispatcher returns a dispatcher with an empty snapshot.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Dispatch applies one envelope to the snapshot. Unknown payload shapes for a
// known type are logged and skipped; the previous snapshot field survives.
func (dp *Dispatcher) Dispatch(env *protocol.Envelope) {
	ts := env.Time()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	dp.mu.Lock()
	applied := dp.apply(env, ts)
	var snap models.MetricsSnapshot
	if applied {
		snap = dp.snapshot.Clone()
	}
	dp.mu.Unlock()

	if !applied {
		return
	}

	metrics.SnapshotUpdates.Inc()
	metrics.SnapshotTimestamp.Set(float64(ts.Unix()))
	dp.notify(snap)
}

// apply mutates the snapshot under dp.mu. Returns false when the envelope
// did not change anything.
func (dp *Dispatcher) apply(env *protocol.Envelope, ts time.Time) bool {
	switch env.Type {
	case protocol.TypeInitialData:
		var initial models.InitialData
		if err := json.Unmarshal(env.Data, &initial); err != nil {
			logging.Warn().Err(err).Msg("Malformed initial_data payload")
			return false
		}
		dp.snapshot = models.MetricsSnapshot{
			Health:     initial.Health,
			Statistics: initial.Statistics,
			Events:     initial.Events,
			Timestamp:  ts,
		}
		dp.lastErr = ""
		return true

	case protocol.TypeHealthUpdate:
		dp.snapshot.Health = cloneRaw(env.Data)
		dp.snapshot.Timestamp = ts
		return true

	case protocol.TypeStatsUpdate:
		dp.snapshot.Statistics = cloneRaw(env.Data)
		dp.snapshot.Timestamp = ts
		return true

	case protocol.TypeEventsUpdate:
		events, err := models.UnmarshalEvents(env.Data)
		if err != nil {
			logging.Warn().Err(err).Msg("Malformed events_update payload")
			return false
		}
		dp.snapshot.Events = events
		dp.snapshot.Timestamp = ts
		return true

	case protocol.TypeError:
		// Server-reported errors annotate the snapshot but do not clear data.
		dp.lastErr = env.Message
		logging.Warn().Str("message", env.Message).Msg("Backend reported error")
		return false

	default:
		logging.Debug().Str("type", string(env.Type)).Msg("Ignoring unhandled envelope type")
		return false
	}
}

// Snapshot returns a deep copy of the current aggregated state.
func (dp *Dispatcher) Snapshot() models.MetricsSnapshot {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	return dp.snapshot.Clone()
}

// LastError returns the most recent backend-reported error message, empty
// when the backend is healthy.
func (dp *Dispatcher) LastError() string {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	return dp.lastErr
}

// RecordError sets the error annotation for failures detected client-side,
// such as a rejected handshake. Snapshot data is left intact.
func (dp *Dispatcher) RecordError(msg string) {
	dp.mu.Lock()
	dp.lastErr = msg
	dp.mu.Unlock()
}

// ClearError resets the backend error annotation.
func (dp *Dispatcher) ClearError() {
	dp.mu.Lock()
	dp.lastErr = ""
	dp.mu.Unlock()
}

// Subscribe registers a callback invoked with a deep copy of the snapshot
// after every applied update. Callbacks run synchronously on the dispatching
// goroutine; slow subscribers should hand off internally.
func (dp *Dispatcher) Subscribe(fn func(models.MetricsSnapshot)) {
	dp.subMu.Lock()
	dp.subs = append(dp.subs, fn)
	dp.subMu.Unlock()
}

func (dp *Dispatcher) notify(snap models.MetricsSnapshot) {
	dp.subMu.Lock()
	subs := make([]func(models.MetricsSnapshot), len(dp.subs))
	copy(subs, dp.subs)
	dp.subMu.Unlock()

	for _, fn := range subs {
		fn(snap.Clone())
	}
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
