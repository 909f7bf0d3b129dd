// Hearthwatch - Home Automation Monitoring and Dashboard Sync
// Copyright 2026 Hearthwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hearthwatch/hearthwatch

package client

import (
	"sync"
	"time"

	"github.com/hearthwatch/hearthwatch/internal/logging"
	"github.com/hearthwatch/hearthwatch/internal/metrics"
)

// Monitor sends application-level pings on a fixed interval while the push
// channel is open and detects the absence of a pong within the timeout.
//
// The monitor only detects dead channels; it never closes sockets itself.
// Remediation belongs to the connection manager that registered onTimeout.
type Monitor struct {
	interval time.Duration
	timeout  time.Duration

	mu       sync.Mutex
	lastPong time.Time
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewMonitor creates a heartbeat monitor. timeout must exceed interval;
// config validation enforces this before the monitor is ever built.
func NewMonitor(interval, timeout time.Duration) *Monitor {
	return &Monitor{
		interval: interval,
		timeout:  timeout,
	}
}

// Start begins the ping loop. send transmits one ping over the active
// channel; onTimeout is invoked exactly once per dead-channel detection,
// after which the loop exits.
//
// Calling Start while already running is a no-op.
func (m *Monitor) Start(send func() error, onTimeout func()) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.lastPong = time.Now()
	stopChan := m.stopChan
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(stopChan, send, onTimeout)
}

// PongReceived records that the channel answered the most recent ping.
func (m *Monitor) PongReceived() {
	m.mu.Lock()
	m.lastPong = time.Now()
	m.mu.Unlock()
}

// Stop halts the ping loop. Idempotent and safe to call multiple times;
// clean shutdown and error paths both go through here.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopChan)
	m.mu.Unlock()

	m.wg.Wait()
}

// loop sends pings and checks for pong expiry on each tick.
func (m *Monitor) loop(stopChan chan struct{}, send func() error, onTimeout func()) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopChan:
			return
		case <-ticker.C:
			if m.expired() {
				metrics.HeartbeatTimeouts.Inc()
				logging.Warn().
					Dur("timeout", m.timeout).
					Msg("Heartbeat timeout: no pong received, channel presumed dead")
				onTimeout()
				return
			}

			if err := send(); err != nil {
				logging.Warn().Err(err).Msg("Heartbeat ping send failed")
				continue
			}
			metrics.HeartbeatPingsSent.Inc()
		}
	}
}

// expired reports whether the last pong is older than the timeout.
func (m *Monitor) expired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.lastPong) > m.timeout
}
