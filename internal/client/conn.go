// Hearthwatch - Home Automation Monitoring and Dashboard Sync
// Copyright 2026 Hearthwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hearthwatch/hearthwatch

package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hearthwatch/hearthwatch/internal/logging"
	"github.com/hearthwatch/hearthwatch/internal/metrics"
	"github.com/hearthwatch/hearthwatch/internal/protocol"
)

const writeDeadline = 10 * time.Second

// ErrHandshakeRejected marks a handshake the server explicitly refused with a
// 4xx status. Unlike a network failure this will not heal with retries, so the
// run loop reports it as fatal instead of burning the reconnect budget.
var ErrHandshakeRejected = errors.New("handshake rejected by server")

// ConnConfig configures the WebSocket connection manager.
type ConnConfig struct {
	URL               string
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MaxAttempts       int
}

// ConnCallbacks are invoked from the connection manager's goroutines.
// All callbacks are optional.
type ConnCallbacks struct {
	// OnOpen fires after each successful dial, once the attempt counter has
	// been reset and the heartbeat monitor started.
	OnOpen func()

	// OnEnvelope receives every validated application envelope. Pongs are
	// consumed by the heartbeat monitor and not forwarded.
	OnEnvelope func(*protocol.Envelope)

	// OnRetry fires when a reconnect has been scheduled. attempt is the
	// 1-indexed failure count, delay the backoff before the next dial.
	OnRetry func(attempt int, delay time.Duration)

	// OnExhausted fires once when the attempt budget runs out. The run loop
	// exits afterwards; the mode arbiter decides what happens next.
	OnExhausted func()

	// OnFatal fires when the server explicitly rejects the handshake.
	// No retry is scheduled; the run loop exits immediately.
	OnFatal func(err error)
}

// ConnManager owns the WebSocket lifecycle: dialing, the read loop, the
// heartbeat monitor, and backoff-scheduled reconnection.
//
// Internal lifecycle: idle -> opening -> open -> closing -> closed, repeated
// across reconnect attempts until the budget is exhausted or Stop is called.
type ConnManager struct {
	cfg       ConnConfig
	cb        ConnCallbacks
	sessionID string

	hb *Monitor

	// backoff computes the reconnect delay; tests substitute a faster curve.
	backoff func(attempt int) time.Duration

	connMu  sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	running  bool
	attempts int
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewConnManager creates a connection manager (not yet connected - call Start).
func NewConnManager(cfg ConnConfig, sessionID string, cb ConnCallbacks) *ConnManager {
	return &ConnManager{
		cfg:       cfg,
		cb:        cb,
		sessionID: sessionID,
		hb:        NewMonitor(cfg.HeartbeatInterval, cfg.HeartbeatTimeout),
		backoff:   Delay,
	}
}

// Start launches the connect/read loop in a background goroutine.
// Calling Start while already running is a no-op.
func (c *ConnManager) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopChan = make(chan struct{})
	stopChan := c.stopChan
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(ctx, stopChan)
}

// Stop tears down the connection and waits for all goroutines to finish.
// Idempotent and safe to call concurrently with a failing dial.
func (c *ConnManager) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopChan)
	c.mu.Unlock()

	c.closeConnection()
	c.hb.Stop()
	c.wg.Wait()
}

// IsConnected returns true while a WebSocket connection is established.
func (c *ConnManager) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn != nil
}

// Attempts returns the current consecutive-failure count.
func (c *ConnManager) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// ResetAttempts zeroes the failure counter. The manager resets it itself on
// every successful open; manual reconnects reset it from outside.
func (c *ConnManager) ResetAttempts() {
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
}

// Send writes an envelope to the push channel. If the channel is not open the
// message is dropped with a warning and a nil error: queueing unsent
// heartbeats would mask a dead connection, and failing loudly would leak
// transport state to callers that should not care.
func (c *ConnManager) Send(env *protocol.Envelope) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	if conn == nil {
		logging.Warn().Str("type", string(env.Type)).Msg("Send skipped: channel not open")
		return nil
	}

	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// run owns the full lifecycle: dial, read until failure, schedule the next
// attempt with exponential backoff, and report exhaustion upward.
func (c *ConnManager) run(ctx context.Context, stopChan chan struct{}) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopChan:
			return
		default:
		}

		if err := c.dial(ctx); err != nil {
			if errors.Is(err, ErrHandshakeRejected) {
				logging.Error().Err(err).Msg("WebSocket handshake rejected, not retrying")
				if c.cb.OnFatal != nil {
					c.cb.OnFatal(err)
				}
				return
			}
			logging.Warn().Err(err).Int("attempt", c.Attempts()).Msg("WebSocket dial failed")
			if !c.scheduleRetry(ctx, stopChan) {
				return
			}
			continue
		}

		c.ResetAttempts()
		logging.Info().Str("url", c.cfg.URL).Msg("WebSocket connected")

		c.hb.Start(c.sendPing, c.onHeartbeatTimeout)
		if c.cb.OnOpen != nil {
			c.cb.OnOpen()
		}

		c.readLoop(ctx, stopChan)

		c.hb.Stop()
		c.closeConnection()

		select {
		case <-ctx.Done():
			return
		case <-stopChan:
			return
		default:
		}

		if !c.scheduleRetry(ctx, stopChan) {
			return
		}
	}
}

// dial establishes the WebSocket connection.
func (c *ConnManager) dial(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout:  c.cfg.HandshakeTimeout,
		EnableCompression: true,
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			// The server answered the upgrade and said no. A 4xx is an
			// explicit rejection (bad path, missing credentials), not a
			// transient network condition.
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return fmt.Errorf("%w (HTTP %d)", ErrHandshakeRejected, resp.StatusCode)
			}
			return fmt.Errorf("websocket dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	return nil
}

// readLoop reads frames until the connection dies or the manager stops.
// Malformed frames are dropped and logged; they never affect connection state.
func (c *ConnManager) readLoop(ctx context.Context, stopChan chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopChan:
			return
		default:
		}

		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()
		if conn == nil {
			return
		}

		// The read deadline backstops the application heartbeat: a healthy
		// channel carries at least a pong every heartbeat interval.
		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout)); err != nil {
			logging.Warn().Err(err).Msg("Failed to set read deadline")
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Info().Msg("WebSocket closed by server")
				return
			}
			if ctx.Err() != nil {
				return
			}
			logging.Warn().Err(err).Msg("WebSocket read error")
			return
		}

		c.handleFrame(message)
	}
}

// handleFrame decodes one frame and routes it.
func (c *ConnManager) handleFrame(raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		metrics.FramesDropped.WithLabelValues("websocket").Inc()
		logging.Warn().Err(err).Msg("Dropping malformed frame")
		return
	}

	metrics.EnvelopesReceived.WithLabelValues(string(env.Type), "websocket").Inc()

	if env.Type == protocol.TypePong {
		c.hb.PongReceived()
		return
	}

	if c.cb.OnEnvelope != nil {
		c.cb.OnEnvelope(env)
	}
}

// scheduleRetry increments the failure counter and waits out the backoff
// delay. Returns false when the budget is exhausted or the manager stopped;
// the run loop exits in either case.
func (c *ConnManager) scheduleRetry(ctx context.Context, stopChan chan struct{}) bool {
	c.mu.Lock()
	c.attempts++
	attempt := c.attempts
	max := c.cfg.MaxAttempts
	c.mu.Unlock()

	if attempt >= max {
		logging.Warn().Int("attempts", attempt).Msg("Reconnect attempts exhausted")
		if c.cb.OnExhausted != nil {
			c.cb.OnExhausted()
		}
		return false
	}

	delay := c.backoff(attempt - 1)
	metrics.ReconnectAttempts.Inc()
	logging.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnect scheduled")

	if c.cb.OnRetry != nil {
		c.cb.OnRetry(attempt, delay)
	}

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	case <-stopChan:
		return false
	}
}

// sendPing emits the application-level heartbeat probe.
func (c *ConnManager) sendPing() error {
	return c.Send(protocol.NewPing(c.sessionID))
}

// onHeartbeatTimeout closes the dead connection so the read loop unblocks and
// the run loop's retry logic takes over. Detection lives in the monitor;
// remediation lives here.
func (c *ConnManager) onHeartbeatTimeout() {
	c.closeConnection()
}

// closeConnection closes the WebSocket connection and clears it.
// Safe for concurrent calls.
func (c *ConnManager) closeConnection() {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return
	}

	if err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(1*time.Second),
	); err != nil {
		logging.Debug().Err(err).Msg("Failed to send close message")
	}
	if err := c.conn.Close(); err != nil {
		logging.Debug().Err(err).Msg("Failed to close connection")
	}
	c.conn = nil
	logging.Info().Msg("WebSocket connection closed")
}
