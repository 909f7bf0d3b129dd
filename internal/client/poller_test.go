// Hearthwatch - Home Automation Monitoring and Dashboard Sync
// Copyright 2026 Hearthwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hearthwatch/hearthwatch

package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hearthwatch/hearthwatch/internal/protocol"
)

func testPollerConfig(health, stats string) PollerConfig {
	return PollerConfig{
		HealthEndpoint:   health,
		StatsEndpoint:    stats,
		Interval:         25 * time.Millisecond,
		Timeout:          time.Second,
		BreakerThreshold: 2,
		BreakerRecovery:  10 * time.Second,
	}
}

func TestPollerSynthesizesEnvelopes(t *testing.T) {
	healthSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"uptime":1234}`))
	}))
	defer healthSrv.Close()

	statsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"sensors":42}`))
	}))
	defer statsSrv.Close()

	var mu sync.Mutex
	seen := map[protocol.MessageType]int{}

	p := NewPoller(testPollerConfig(healthSrv.URL, statsSrv.URL), func(env *protocol.Envelope) {
		mu.Lock()
		seen[env.Type]++
		mu.Unlock()

		if env.Time().IsZero() {
			t.Error("synthesized envelope missing timestamp")
		}
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[protocol.TypeHealthUpdate] >= 2 && seen[protocol.TypeStatsUpdate] >= 2
	}, "poller did not deliver both envelope types")
}

func TestPollerSkipsFailedEndpoint(t *testing.T) {
	healthSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer healthSrv.Close()

	statsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"sensors":7}`))
	}))
	defer statsSrv.Close()

	var health, stats atomic.Int32
	p := NewPoller(testPollerConfig(healthSrv.URL, statsSrv.URL), func(env *protocol.Envelope) {
		switch env.Type {
		case protocol.TypeHealthUpdate:
			health.Add(1)
		case protocol.TypeStatsUpdate:
			stats.Add(1)
		}
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	// Stats keep flowing while health fails; a bad endpoint never blocks
	// its sibling.
	waitFor(t, 2*time.Second, func() bool { return stats.Load() >= 3 }, "stats polling stalled")
	if health.Load() != 0 {
		t.Errorf("health envelopes delivered from failing endpoint: %d", health.Load())
	}
}

func TestPollerRejectsNonJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>not json</html>`))
	}))
	defer srv.Close()

	var delivered atomic.Int32
	p := NewPoller(testPollerConfig(srv.URL, srv.URL), func(env *protocol.Envelope) {
		delivered.Add(1)
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	time.Sleep(100 * time.Millisecond)
	p.Stop()

	if delivered.Load() != 0 {
		t.Errorf("non-JSON responses reached the sink: %d", delivered.Load())
	}
}

func TestPollerSignalsUnreachable(t *testing.T) {
	// Both endpoints refuse connections.
	unreachable := make(chan struct{})
	var once sync.Once

	cfg := testPollerConfig("http://127.0.0.1:1/health", "http://127.0.0.1:1/stats")
	cfg.Timeout = 100 * time.Millisecond

	p := NewPoller(cfg, func(env *protocol.Envelope) {
		t.Error("unexpected envelope from unreachable endpoints")
	}, func() {
		once.Do(func() { close(unreachable) })
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	select {
	case <-unreachable:
	case <-time.After(3 * time.Second):
		t.Fatal("unreachable never signalled")
	}
}

func TestPollerUnreachableFiresOncePerEpisode(t *testing.T) {
	var signals atomic.Int32

	cfg := testPollerConfig("http://127.0.0.1:1/health", "http://127.0.0.1:1/stats")
	cfg.Timeout = 100 * time.Millisecond

	p := NewPoller(cfg, func(env *protocol.Envelope) {}, func() {
		signals.Add(1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	waitFor(t, 3*time.Second, func() bool { return signals.Load() >= 1 }, "unreachable never signalled")
	time.Sleep(150 * time.Millisecond)
	p.Stop()

	if got := signals.Load(); got != 1 {
		t.Errorf("unreachable signalled %d times, want 1", got)
	}
}

func TestPollerStopHaltsTicks(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	p := NewPoller(testPollerConfig(srv.URL, srv.URL), func(env *protocol.Envelope) {}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	waitFor(t, 2*time.Second, func() bool { return hits.Load() >= 4 }, "poller never ticked")
	p.Stop()

	settled := hits.Load()
	time.Sleep(100 * time.Millisecond)
	if hits.Load() != settled {
		t.Errorf("requests continued after Stop: %d -> %d", settled, hits.Load())
	}
}
