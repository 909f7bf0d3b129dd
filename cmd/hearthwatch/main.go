// Hearthwatch - Home Automation Monitoring and Dashboard Sync
// Copyright 2026 Hearthwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hearthwatch/hearthwatch

// Package main is the entry point for the Hearthwatch daemon.
//
// Hearthwatch keeps a local, always-fresh snapshot of a home automation
// backend's health, statistics, and event feed. It synchronizes over a
// WebSocket push channel with an application-level heartbeat, falls back to
// HTTP polling when the push channel cannot be sustained, and re-serves the
// aggregated snapshot over a small status API for dashboards on the local
// network.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables (BACKEND_WEBSOCKET_URL, HEARTBEAT_INTERVAL, ...)
//   - Config file (config.yaml, or CONFIG_PATH)
//   - Built-in defaults
//
// # Signal Handling
//
// The daemon shuts down gracefully on SIGINT and SIGTERM: the sync client
// closes its transport, the status API drains in-flight requests, and the
// supervisor reports any service that missed the shutdown timeout.
//
// # Example Usage
//
//	export BACKEND_WEBSOCKET_URL=ws://homeassistant.local:8123/api/hearthwatch/ws
//	export BACKEND_HEALTH_ENDPOINT=http://homeassistant.local:8123/api/hearthwatch/health
//	export BACKEND_STATS_ENDPOINT=http://homeassistant.local:8123/api/hearthwatch/statistics
//	./hearthwatch
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/hearthwatch/hearthwatch/internal/api"
	"github.com/hearthwatch/hearthwatch/internal/client"
	"github.com/hearthwatch/hearthwatch/internal/config"
	"github.com/hearthwatch/hearthwatch/internal/logging"
	"github.com/hearthwatch/hearthwatch/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Default logger; config not yet available.
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("websocket_url", cfg.Backend.WebSocketURL).
		Bool("backend_enabled", cfg.Backend.Enabled).
		Int("api_port", cfg.Server.Port).
		Msg("Starting Hearthwatch")

	syncClient := client.New(cfg.Backend)
	statusAPI := api.NewServer(cfg.Server, cfg.API, syncClient)

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if cfg.Backend.Enabled {
		tree.AddSyncService(syncClient)
	} else {
		logging.Warn().Msg("Sync client disabled, serving empty snapshot")
	}
	tree.AddAPIService(statusAPI)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := tree.ServeBackground(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info().Str("signal", sig.String()).Msg("Shutting down")
		cancel()
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor stopped with error")
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree failed")
			os.Exit(1)
		}
	}

	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("Service did not stop in time")
		}
	}

	logging.Info().Msg("Hearthwatch stopped")
}
