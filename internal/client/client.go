// Hearthwatch - Home Automation Monitoring and Dashboard Sync
// Copyright 2026 Hearthwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hearthwatch/hearthwatch

package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hearthwatch/hearthwatch/internal/config"
	"github.com/hearthwatch/hearthwatch/internal/logging"
	"github.com/hearthwatch/hearthwatch/internal/metrics"
	"github.com/hearthwatch/hearthwatch/internal/models"
	"github.com/hearthwatch/hearthwatch/internal/protocol"
)

// ErrReconnectThrottled is returned by Reconnect when manual reconnect
// requests arrive faster than the limiter allows.
var ErrReconnectThrottled = errors.New("manual reconnect throttled")

// commands serialized onto the control loop. Transport switching must not
// race: only the control goroutine starts or stops the conn manager and
// the poller.
type command int

const (
	cmdExhausted command = iota
	cmdFallbackUnreachable
	cmdFatalProtocol
	cmdManualReconnect
)

// Client synchronizes the backend's live metrics into a local snapshot.
// It prefers the WebSocket push channel and degrades to HTTP polling when
// the push channel cannot be sustained, tracking the active transport in
// an explicit mode arbiter.
type Client struct {
	cfg       config.Backend
	sessionID string

	arbiter    *Arbiter
	conn       *ConnManager
	poller     *Poller
	dispatcher *Dispatcher

	reconnectLimit *rate.Limiter

	cmdChan chan command

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a client from backend configuration. The client does nothing
// until Start or Serve is called.
func New(cfg config.Backend) *Client {
	c := &Client{
		cfg:            cfg,
		sessionID:      uuid.NewString(),
		dispatcher:     NewDispatcher(),
		reconnectLimit: rate.NewLimiter(rate.Every(5*time.Second), 1),
		cmdChan:        make(chan command, 8),
	}

	c.arbiter = NewArbiter(nil)

	c.conn = NewConnManager(ConnConfig{
		URL:               cfg.WebSocketURL,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		MaxAttempts:       cfg.MaxReconnectAttempts,
	}, c.sessionID, ConnCallbacks{
		OnOpen:      c.onConnOpen,
		OnEnvelope:  c.dispatcher.Dispatch,
		OnRetry:     c.onConnRetry,
		OnExhausted: c.onConnExhausted,
		OnFatal:     c.onConnFatal,
	})

	c.poller = NewPoller(PollerConfig{
		HealthEndpoint: cfg.HealthEndpoint,
		StatsEndpoint:  cfg.StatsEndpoint,
		Interval:       cfg.PollInterval,
		Timeout:        cfg.PollTimeout,
	}, c.dispatcher.Dispatch, c.onFallbackUnreachable)

	return c
}

// SessionID returns the client's unique session identifier, echoed in
// heartbeat pings for backend-side correlation.
func (c *Client) SessionID() string {
	return c.sessionID
}

// State returns the current connection mode.
func (c *Client) State() State {
	return c.arbiter.State()
}

// IsConnected reports whether the push channel is live.
func (c *Client) IsConnected() bool {
	return c.arbiter.State() == StateConnected
}

// Snapshot returns a deep copy of the aggregated metrics snapshot.
func (c *Client) Snapshot() models.MetricsSnapshot {
	return c.dispatcher.Snapshot()
}

// LastError returns the most recent backend-reported error message.
func (c *Client) LastError() string {
	return c.dispatcher.LastError()
}

// Attempts returns the current consecutive reconnect failure count.
func (c *Client) Attempts() int {
	return c.conn.Attempts()
}

// Subscribe registers a callback for snapshot updates.
func (c *Client) Subscribe(fn func(models.MetricsSnapshot)) {
	c.dispatcher.Subscribe(fn)
}

// OnStateChange registers a callback for mode transitions. Must be called
// before Start.
func (c *Client) OnStateChange(fn func(old, new State)) {
	c.arbiter.onChange = fn
}

// Send writes an envelope to the push channel. Dropped silently with a
// warning while the channel is down.
func (c *Client) Send(env *protocol.Envelope) error {
	return c.conn.Send(env)
}

// Start launches the client. No-op if already running.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopChan = make(chan struct{})
	stopChan := c.stopChan
	c.mu.Unlock()

	logging.Info().
		Str("session_id", c.sessionID).
		Str("url", c.cfg.WebSocketURL).
		Msg("Starting sync client")

	c.conn.Start(ctx)

	c.wg.Add(1)
	go c.controlLoop(ctx, stopChan)
}

// Stop tears down all transports and waits for every goroutine to exit.
// Idempotent.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopChan)
	c.mu.Unlock()

	// Drain the control loop before stopping transports: a command already
	// buffered when stopChan closes may still start a transport, and the
	// stops below must come after that, not race with it.
	c.wg.Wait()
	c.conn.Stop()
	c.poller.Stop()
	logging.Info().Str("session_id", c.sessionID).Msg("Sync client stopped")
}

// Serve implements suture.Service. It runs the client until the context is
// cancelled, then shuts down cleanly.
func (c *Client) Serve(ctx context.Context) error {
	c.Start(ctx)
	<-ctx.Done()
	c.Stop()
	return ctx.Err()
}

func (c *Client) String() string {
	return "sync-client"
}

// Reconnect requests an immediate manual reconnect, resetting the failure
// budget. Requests are rate limited to protect the backend from a reconnect
// button being hammered.
func (c *Client) Reconnect() error {
	if !c.reconnectLimit.Allow() {
		metrics.ManualReconnects.WithLabelValues("throttled").Inc()
		return ErrReconnectThrottled
	}
	metrics.ManualReconnects.WithLabelValues("accepted").Inc()

	c.mu.Lock()
	running := c.running
	stopChan := c.stopChan
	c.mu.Unlock()
	if !running {
		return errors.New("client not running")
	}

	select {
	case c.cmdChan <- cmdManualReconnect:
		return nil
	case <-stopChan:
		return errors.New("client stopped")
	}
}

// controlLoop is the only goroutine allowed to switch transports.
func (c *Client) controlLoop(ctx context.Context, stopChan chan struct{}) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopChan:
			return
		case cmd := <-c.cmdChan:
			c.handleCommand(ctx, stopChan, cmd)
		}
	}
}

func (c *Client) handleCommand(ctx context.Context, stopChan chan struct{}, cmd command) {
	// Shutdown may have started while this command sat in the buffer; do not
	// bring a transport up that Stop is about to tear down.
	select {
	case <-stopChan:
		return
	case <-ctx.Done():
		return
	default:
	}

	switch cmd {
	case cmdExhausted:
		c.arbiter.Apply(EventAttemptsExhausted)
		c.conn.Stop()
		logging.Warn().Msg("Degrading to HTTP polling fallback")
		c.poller.Start(ctx)

	case cmdFallbackUnreachable:
		c.arbiter.Apply(EventFallbackUnreachable)
		c.poller.Stop()

	case cmdFatalProtocol:
		c.arbiter.Apply(EventFatalProtocolError)
		c.conn.Stop()
		c.poller.Stop()

	case cmdManualReconnect:
		logging.Info().Msg("Manual reconnect requested")
		c.poller.Stop()
		c.conn.Stop()
		c.conn.ResetAttempts()
		c.arbiter.Apply(EventManualReconnect)
		c.conn.Start(ctx)
	}
}

// onConnOpen runs on the conn manager's goroutine after each successful dial.
func (c *Client) onConnOpen() {
	c.arbiter.Apply(EventDialSucceeded)
	c.dispatcher.ClearError()
}

// onConnRetry distinguishes a lost established channel from a failed dial so
// observers see why the client left Connected.
func (c *Client) onConnRetry(attempt int, delay time.Duration) {
	if c.arbiter.State() == StateConnected {
		c.arbiter.Apply(EventChannelLost)
	} else {
		c.arbiter.Apply(EventDialFailed)
	}
}

func (c *Client) onConnFatal(err error) {
	c.dispatcher.RecordError(err.Error())
	select {
	case c.cmdChan <- cmdFatalProtocol:
	default:
		logging.Warn().Msg("Control loop busy, fatal protocol signal dropped")
	}
}

func (c *Client) onConnExhausted() {
	// The run loop exits right after this callback; the switch to polling
	// happens on the control loop.
	select {
	case c.cmdChan <- cmdExhausted:
	default:
		logging.Warn().Msg("Control loop busy, exhaustion signal dropped")
	}
}

func (c *Client) onFallbackUnreachable() {
	select {
	case c.cmdChan <- cmdFallbackUnreachable:
	default:
		logging.Warn().Msg("Control loop busy, unreachable signal dropped")
	}
}
