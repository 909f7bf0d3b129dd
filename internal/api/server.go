// Hearthwatch - Home Automation Monitoring and Dashboard Sync
// Copyright 2026 Hearthwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hearthwatch/hearthwatch

// Package api serves the local status API: the aggregated snapshot, the sync
// client's connection mode, and a manual reconnect trigger.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hearthwatch/hearthwatch/internal/client"
	"github.com/hearthwatch/hearthwatch/internal/config"
	"github.com/hearthwatch/hearthwatch/internal/logging"
	"github.com/hearthwatch/hearthwatch/internal/models"
)

// SyncClient is the slice of the sync client the status API needs.
type SyncClient interface {
	State() client.State
	Snapshot() models.MetricsSnapshot
	LastError() string
	Attempts() int
	SessionID() string
	Reconnect() error
}

// Server hosts the status API over HTTP.
type Server struct {
	cfg    config.Server
	api    config.API
	sync   SyncClient
	server *http.Server
}

// NewServer builds the status API server around a sync client.
func NewServer(cfg config.Server, apiCfg config.API, sync SyncClient) *Server {
	s := &Server{
		cfg:  cfg,
		api:  apiCfg,
		sync: sync,
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.routes(),
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		IdleTimeout:  2 * cfg.Timeout,
	}
	return s
}

// routes assembles the router and middleware stack.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.api.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(s.api.RateLimitReqs, s.api.RateLimitWindow))
		r.Get("/status", s.handleStatus)
		r.Get("/snapshot", s.handleSnapshot)
		r.Post("/reconnect", s.handleReconnect)
	})

	return r
}

// Serve implements suture.Service: listen until the context is cancelled,
// then drain with a shutdown grace period.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.server.Addr).Msg("Status API listening")
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status api: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("Status API shutdown incomplete")
		}
		return ctx.Err()
	}
}

func (s *Server) String() string {
	return "status-api"
}
