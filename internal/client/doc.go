// Hearthwatch - Home Automation Monitoring and Dashboard Sync
// Copyright 2026 Hearthwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hearthwatch/hearthwatch

// Package client implements the backend synchronization client.
//
// The client keeps a local aggregated metrics snapshot in sync with the
// backend over a WebSocket push channel with an application-level
// heartbeat. When the channel cannot be re-established within the
// reconnect budget the client degrades to periodic HTTP polling of the
// health and statistics endpoints, and an explicit mode arbiter tracks
// which transport is live. Consumers read the snapshot through
// Client.Snapshot and observe mode changes through Client.OnStateChange;
// the transport in use is invisible in the data itself.
package client
