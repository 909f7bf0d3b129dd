// Hearthwatch - Home Automation Monitoring and Dashboard Sync
// Copyright 2026 Hearthwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hearthwatch/hearthwatch

package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/hearthwatch/hearthwatch/internal/logging"
	"github.com/hearthwatch/hearthwatch/internal/metrics"
	"github.com/hearthwatch/hearthwatch/internal/protocol"
)

const maxPollBody = 4 << 20 // 4 MiB

// PollerConfig configures the HTTP fallback poller.
type PollerConfig struct {
	HealthEndpoint string
	StatsEndpoint  string
	Interval       time.Duration
	Timeout        time.Duration

	// Circuit breaker tuning. Zero values pick production defaults;
	// tests lower them.
	BreakerThreshold uint32
	BreakerRecovery  time.Duration
}

// Poller periodically fetches health and statistics over plain HTTP while
// the push channel is unavailable. Each endpoint sits behind its own circuit
// breaker; a failing endpoint stops being hammered without affecting the
// other. When every breaker is open the backend is considered unreachable.
type Poller struct {
	cfg    PollerConfig
	client *http.Client

	sink func(*protocol.Envelope)

	// onUnreachable fires at most once per fallback episode, when all
	// endpoints have tripped their breakers.
	onUnreachable func()

	breakers map[string]*gobreaker.CircuitBreaker[[]byte]

	mu            sync.Mutex
	running       bool
	unreachSignal bool
	stopChan      chan struct{}
	wg            sync.WaitGroup
}

// NewPoller creates a poller that delivers synthesized envelopes to sink.
func NewPoller(cfg PollerConfig, sink func(*protocol.Envelope), onUnreachable func()) *Poller {
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 3
	}
	if cfg.BreakerRecovery == 0 {
		cfg.BreakerRecovery = 30 * time.Second
	}

	p := &Poller{
		cfg:           cfg,
		client:        &http.Client{Timeout: cfg.Timeout},
		sink:          sink,
		onUnreachable: onUnreachable,
		breakers:      make(map[string]*gobreaker.CircuitBreaker[[]byte]),
	}

	for _, name := range []string{"health", "stats"} {
		p.breakers[name] = p.newBreaker(name, cfg.BreakerThreshold, cfg.BreakerRecovery)
	}
	return p
}

func (p *Poller) newBreaker(name string, threshold uint32, recovery time.Duration) *gobreaker.CircuitBreaker[[]byte] {
	settings := gobreaker.Settings{
		Name:    "poll-" + name,
		Timeout: recovery,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(bname string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", bname).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Poll circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	}
	return gobreaker.NewCircuitBreaker[[]byte](settings)
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// Start begins polling. The first tick fires immediately so the dashboard is
// not left stale for a full interval after degrading. No-op if running.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.unreachSignal = false
	p.stopChan = make(chan struct{})
	stopChan := p.stopChan
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(ctx, stopChan)
}

// Stop halts polling and waits for in-flight requests to finish. Idempotent.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Poller) loop(ctx context.Context, stopChan chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopChan:
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick fetches both endpoints concurrently. A failed fetch is skipped, never
// retried within the tick: the next tick is at most one interval away and a
// stale-but-honest snapshot beats a delayed one.
func (p *Poller) tick(ctx context.Context) {
	var wg sync.WaitGroup

	targets := []struct {
		name    string
		url     string
		msgType protocol.MessageType
	}{
		{"health", p.cfg.HealthEndpoint, protocol.TypeHealthUpdate},
		{"stats", p.cfg.StatsEndpoint, protocol.TypeStatsUpdate},
	}

	results := make([]error, len(targets))
	for i, t := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = p.fetch(ctx, t.name, t.url, t.msgType)
		}()
	}
	wg.Wait()

	anyOK := false
	for _, err := range results {
		if err == nil {
			anyOK = true
			break
		}
	}

	if anyOK {
		p.mu.Lock()
		p.unreachSignal = false
		p.mu.Unlock()
		return
	}

	if p.allBreakersOpen() {
		p.signalUnreachable()
	}
}

// fetch pulls one endpoint through its breaker and synthesizes an envelope.
func (p *Poller) fetch(ctx context.Context, name, url string, msgType protocol.MessageType) error {
	breaker := p.breakers[name]

	body, err := breaker.Execute(func() ([]byte, error) {
		return p.get(ctx, url)
	})
	if err != nil {
		metrics.PollTicks.WithLabelValues(name, "error").Inc()
		logging.Warn().Err(err).Str("endpoint", name).Msg("Poll fetch failed")
		return err
	}

	env, err := protocol.Synthesize(msgType, body)
	if err != nil {
		metrics.PollTicks.WithLabelValues(name, "error").Inc()
		logging.Warn().Err(err).Str("endpoint", name).Msg("Poll response is not valid JSON")
		return err
	}

	metrics.PollTicks.WithLabelValues(name, "ok").Inc()
	metrics.EnvelopesReceived.WithLabelValues(string(msgType), "polling").Inc()
	p.sink(env)
	return nil
}

func (p *Poller) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPollBody))
	if err != nil {
		return nil, fmt.Errorf("read poll response: %w", err)
	}
	return body, nil
}

func (p *Poller) allBreakersOpen() bool {
	for _, b := range p.breakers {
		if b.State() != gobreaker.StateOpen {
			return false
		}
	}
	return true
}

func (p *Poller) signalUnreachable() {
	p.mu.Lock()
	already := p.unreachSignal
	p.unreachSignal = true
	p.mu.Unlock()

	if already || p.onUnreachable == nil {
		return
	}
	logging.Error().Msg("All poll endpoints unreachable")
	p.onUnreachable()
}
