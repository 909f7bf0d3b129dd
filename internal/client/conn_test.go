// Hearthwatch - Home Automation Monitoring and Dashboard Sync
// Copyright 2026 Hearthwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hearthwatch/hearthwatch

package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hearthwatch/hearthwatch/internal/protocol"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsURL converts an httptest server URL to a ws:// URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConnConfig(url string) ConnConfig {
	return ConnConfig{
		URL:               url,
		HandshakeTimeout:  2 * time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatTimeout:  500 * time.Millisecond,
		MaxAttempts:       10,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConnManagerReceivesEnvelopes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		frames := []string{
			`{"type":"initial_data","data":{"health":{"ok":true},"statistics":{},"events":[]},"timestamp":"2026-08-30T10:00:00Z"}`,
			`{"type":"health_update","data":{"ok":false},"timestamp":"2026-08-30T10:00:05Z"}`,
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Keep the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	var received atomic.Int32
	var types []string
	envCh := make(chan *protocol.Envelope, 8)

	cm := NewConnManager(testConnConfig(wsURL(srv)), "test-session", ConnCallbacks{
		OnEnvelope: func(env *protocol.Envelope) {
			received.Add(1)
			envCh <- env
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cm.Start(ctx)
	defer cm.Stop()

	waitFor(t, 2*time.Second, func() bool { return received.Load() == 2 }, "did not receive 2 envelopes")

	close(envCh)
	for env := range envCh {
		types = append(types, string(env.Type))
	}
	if types[0] != "initial_data" || types[1] != "health_update" {
		t.Errorf("envelope order = %v", types)
	}
}

func TestConnManagerDropsMalformedFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		frames := []string{
			`{"type":"health_update","data":{"seq":1},"timestamp":"2026-08-30T10:00:00Z"}`,
			`{not json at all`,
			`{"type":"made_up_type","data":{},"timestamp":"2026-08-30T10:00:01Z"}`,
			`{"type":"health_update","data":{"seq":2},"timestamp":"2026-08-30T10:00:02Z"}`,
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	var received atomic.Int32
	cm := NewConnManager(testConnConfig(wsURL(srv)), "test-session", ConnCallbacks{
		OnEnvelope: func(env *protocol.Envelope) { received.Add(1) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cm.Start(ctx)
	defer cm.Stop()

	// Only the two valid health updates come through; the connection
	// survives the garbage in between.
	waitFor(t, 2*time.Second, func() bool { return received.Load() == 2 }, "valid envelopes not delivered")
	if !cm.IsConnected() {
		t.Error("connection dropped after malformed frame")
	}
}

func TestConnManagerPongInterception(t *testing.T) {
	pongSent := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Answer the first ping with a pong, then hold the connection.
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if strings.Contains(string(msg), `"ping"`) {
				pong := `{"type":"pong","timestamp":"2026-08-30T10:00:00Z"}`
				if err := conn.WriteMessage(websocket.TextMessage, []byte(pong)); err != nil {
					return
				}
				select {
				case pongSent <- struct{}{}:
				default:
				}
			}
		}
	}))
	defer srv.Close()

	var forwarded atomic.Int32
	cm := NewConnManager(testConnConfig(wsURL(srv)), "test-session", ConnCallbacks{
		OnEnvelope: func(env *protocol.Envelope) { forwarded.Add(1) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cm.Start(ctx)
	defer cm.Stop()

	select {
	case <-pongSent:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw a ping")
	}

	// Give the pong time to arrive; it must not reach OnEnvelope.
	time.Sleep(100 * time.Millisecond)
	if forwarded.Load() != 0 {
		t.Errorf("pong leaked to OnEnvelope, forwarded = %d", forwarded.Load())
	}
}

func TestConnManagerExhaustsAttempts(t *testing.T) {
	cfg := ConnConfig{
		URL:               "ws://127.0.0.1:1", // nothing listens here
		HandshakeTimeout:  200 * time.Millisecond,
		HeartbeatInterval: time.Second,
		HeartbeatTimeout:  5 * time.Second,
		MaxAttempts:       3,
	}

	var retries atomic.Int32
	exhausted := make(chan struct{})

	cm := NewConnManager(cfg, "test-session", ConnCallbacks{
		OnRetry:     func(attempt int, delay time.Duration) { retries.Add(1) },
		OnExhausted: func() { close(exhausted) },
	})
	cm.backoff = func(int) time.Duration { return time.Millisecond }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cm.Start(ctx)
	defer cm.Stop()

	select {
	case <-exhausted:
	case <-time.After(5 * time.Second):
		t.Fatal("exhaustion never signalled")
	}

	// MaxAttempts failures, the last one signals exhaustion instead of
	// scheduling another retry.
	if got := retries.Load(); got != int32(cfg.MaxAttempts-1) {
		t.Errorf("retries = %d, want %d", got, cfg.MaxAttempts-1)
	}
	if got := cm.Attempts(); got != cfg.MaxAttempts {
		t.Errorf("Attempts() = %d, want %d", got, cfg.MaxAttempts)
	}
}

func TestConnManagerReconnectsAfterDrop(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := dials.Add(1)
		if n == 1 {
			// Kill the first connection immediately.
			conn.Close()
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	var opens atomic.Int32
	cm := NewConnManager(testConnConfig(wsURL(srv)), "test-session", ConnCallbacks{
		OnOpen: func() { opens.Add(1) },
	})
	cm.backoff = func(int) time.Duration { return 5 * time.Millisecond }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cm.Start(ctx)
	defer cm.Stop()

	waitFor(t, 3*time.Second, func() bool { return opens.Load() >= 2 }, "did not reconnect after drop")

	// Attempt counter resets on each successful open.
	waitFor(t, time.Second, func() bool { return cm.Attempts() == 0 }, "attempts not reset after reconnect")
}

func TestConnManagerFatalOnHandshakeRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	fatal := make(chan error, 1)
	var retries atomic.Int32

	cm := NewConnManager(testConnConfig(wsURL(srv)), "test-session", ConnCallbacks{
		OnRetry: func(attempt int, delay time.Duration) { retries.Add(1) },
		OnFatal: func(err error) { fatal <- err },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cm.Start(ctx)
	defer cm.Stop()

	select {
	case err := <-fatal:
		if !errors.Is(err, ErrHandshakeRejected) {
			t.Errorf("fatal error = %v, want ErrHandshakeRejected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handshake rejection never reported as fatal")
	}

	// An explicit rejection must not consume the retry budget.
	if got := retries.Load(); got != 0 {
		t.Errorf("retries = %d after handshake rejection, want 0", got)
	}
}

func TestConnManagerHeartbeatTimeoutClosesChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Keep data frames flowing so the read deadline never expires, but
		// never answer a ping. Only the heartbeat monitor can declare this
		// channel dead.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		frame := `{"type":"health_update","data":{"ok":true},"timestamp":"2026-08-30T10:00:00Z"}`
		for {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
	}))
	defer srv.Close()

	cfg := testConnConfig(wsURL(srv))
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = 100 * time.Millisecond

	var opens, retries atomic.Int32
	cm := NewConnManager(cfg, "test-session", ConnCallbacks{
		OnOpen:  func() { opens.Add(1) },
		OnRetry: func(attempt int, delay time.Duration) { retries.Add(1) },
	})
	cm.backoff = func(int) time.Duration { return time.Millisecond }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cm.Start(ctx)
	defer cm.Stop()

	// The server never closes and the read deadline keeps resetting, so a
	// retry here proves the monitor closed the dead channel.
	waitFor(t, 3*time.Second, func() bool { return retries.Load() >= 1 }, "heartbeat timeout never triggered a reconnect")
	waitFor(t, 3*time.Second, func() bool { return opens.Load() >= 2 }, "no reconnect after heartbeat-detected death")
}

func TestConnManagerSendWhileClosed(t *testing.T) {
	cm := NewConnManager(testConnConfig("ws://127.0.0.1:1"), "test-session", ConnCallbacks{})

	// Sending without a connection drops the message without error.
	if err := cm.Send(protocol.NewPing("test-session")); err != nil {
		t.Errorf("Send on closed channel returned error: %v", err)
	}
}

func TestConnManagerStopIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cm := NewConnManager(testConnConfig(wsURL(srv)), "test-session", ConnCallbacks{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cm.Start(ctx)

	waitFor(t, 2*time.Second, cm.IsConnected, "never connected")

	cm.Stop()
	cm.Stop()

	if cm.IsConnected() {
		t.Error("still connected after Stop")
	}
}
