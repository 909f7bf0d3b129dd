// Hearthwatch - Home Automation Monitoring and Dashboard Sync
// Copyright 2026 Hearthwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hearthwatch/hearthwatch

// Package config provides layered configuration loading for Hearthwatch.
//
// Configuration Loading Order (Koanf v2):
//  1. Defaults: Built-in sensible defaults for all settings
//  2. Config File: Optional YAML config file (config.yaml)
//  3. Environment Variables: Override any setting
//
// Config is immutable after Load() and safe for concurrent read access.
package config

import "time"

// Config holds all application configuration.
type Config struct {
	Backend Backend `koanf:"backend"`
	Server  Server  `koanf:"server"`
	API     API     `koanf:"api"`
	Logging Logging `koanf:"logging"`
}

// Backend configures the connection to the Hearthwatch backend: the primary
// WebSocket push channel and the HTTP endpoints used for fallback polling.
//
// Environment Variables:
//   - BACKEND_ENABLED: Enable the sync client (default: true)
//   - BACKEND_WEBSOCKET_URL: Push channel URL (e.g., ws://localhost:8123/ws)
//   - BACKEND_HEALTH_ENDPOINT: Fallback health URL (e.g., http://localhost:8123/api/health)
//   - BACKEND_STATS_ENDPOINT: Fallback statistics URL
type Backend struct {
	// Enabled controls whether the sync client runs at all.
	Enabled bool `koanf:"enabled"`

	// WebSocketURL is the push channel endpoint. ws:// or wss://.
	WebSocketURL string `koanf:"websocket_url" validate:"required,uri"`

	// HealthEndpoint and StatsEndpoint are the HTTP fallback endpoints.
	// Their JSON bodies are structurally compatible with the health_update
	// and stats_update envelope payloads.
	HealthEndpoint string `koanf:"health_endpoint" validate:"required,url"`
	StatsEndpoint  string `koanf:"stats_endpoint" validate:"required,url"`

	// HandshakeTimeout bounds the WebSocket dial.
	HandshakeTimeout time.Duration `koanf:"handshake_timeout" validate:"gt=0"`

	// HeartbeatInterval is how often an application-level ping is sent while
	// connected. HeartbeatTimeout is how long to wait for a pong before the
	// channel is declared dead; it must exceed the interval.
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" validate:"gt=0"`
	HeartbeatTimeout  time.Duration `koanf:"heartbeat_timeout" validate:"gt=0"`

	// MaxReconnectAttempts bounds consecutive failed connection attempts
	// before the client degrades to fallback polling.
	MaxReconnectAttempts int `koanf:"max_reconnect_attempts" validate:"min=1"`

	// PollInterval is the fallback polling cadence.
	PollInterval time.Duration `koanf:"poll_interval" validate:"gt=0"`

	// PollTimeout bounds each individual fallback HTTP request.
	PollTimeout time.Duration `koanf:"poll_timeout" validate:"gt=0"`
}

// Server configures the local status API.
type Server struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
}

// API configures status API middleware.
type API struct {
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"min=1"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window" validate:"gt=0"`
}

// Logging configures log output.
type Logging struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error fatal panic disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Backend: Backend{
			Enabled:              true,
			WebSocketURL:         "ws://127.0.0.1:8123/ws",
			HealthEndpoint:       "http://127.0.0.1:8123/api/health",
			StatsEndpoint:        "http://127.0.0.1:8123/api/statistics",
			HandshakeTimeout:     10 * time.Second,
			HeartbeatInterval:    25 * time.Second,
			HeartbeatTimeout:     60 * time.Second,
			MaxReconnectAttempts: 10,
			PollInterval:         30 * time.Second,
			PollTimeout:          10 * time.Second,
		},
		Server: Server{
			Host:    "0.0.0.0",
			Port:    8314,
			Timeout: 30 * time.Second,
		},
		API: API{
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   100,
			RateLimitWindow: 1 * time.Minute,
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}
