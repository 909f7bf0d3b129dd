// Hearthwatch - Home Automation Monitoring and Dashboard Sync
// Copyright 2026 Hearthwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hearthwatch/hearthwatch

// Package metrics provides Prometheus instrumentation for the sync client.
//
// Exposed via the status API's /metrics endpoint, these collectors cover:
//   - Connection state and reconnect churn
//   - Envelope throughput by type and transport
//   - Heartbeat liveness
//   - Fallback polling outcomes and circuit breaker state
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection Metrics
	ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hearthwatch_connection_state",
			Help: "Current connection state (0=connecting, 1=connected, 2=disconnected, 3=fallback, 4=error)",
		},
	)

	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hearthwatch_reconnect_attempts_total",
			Help: "Total number of WebSocket reconnect attempts",
		},
	)

	ManualReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearthwatch_manual_reconnects_total",
			Help: "Total number of manual reconnect requests",
		},
		[]string{"outcome"}, // "accepted", "throttled"
	)

	// Envelope Metrics
	EnvelopesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearthwatch_envelopes_received_total",
			Help: "Total number of valid envelopes received",
		},
		[]string{"type", "transport"}, // transport: "websocket", "polling"
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearthwatch_frames_dropped_total",
			Help: "Total number of frames dropped by envelope validation",
		},
		[]string{"transport"},
	)

	SnapshotUpdates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hearthwatch_snapshot_updates_total",
			Help: "Total number of updates applied to the metrics snapshot",
		},
	)

	SnapshotTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hearthwatch_snapshot_timestamp_seconds",
			Help: "Unix timestamp of the most recently applied snapshot update",
		},
	)

	// Heartbeat Metrics
	HeartbeatPingsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hearthwatch_heartbeat_pings_sent_total",
			Help: "Total number of application-level pings sent",
		},
	)

	HeartbeatTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hearthwatch_heartbeat_timeouts_total",
			Help: "Total number of dead channels detected by heartbeat timeout",
		},
	)

	// Fallback Polling Metrics
	PollTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearthwatch_poll_requests_total",
			Help: "Total number of fallback poll requests by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"}, // outcome: "ok", "error"
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hearthwatch_poll_circuit_breaker_state",
			Help: "Circuit breaker state per poll endpoint (0=closed, 1=half-open, 2=open)",
		},
		[]string{"endpoint"},
	)

	FallbackActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hearthwatch_fallback_active",
			Help: "1 while the client is in fallback polling mode, 0 otherwise",
		},
	)
)
