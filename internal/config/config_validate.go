// Hearthwatch - Home Automation Monitoring and Dashboard Sync
// Copyright 2026 Hearthwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hearthwatch/hearthwatch

package config

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// getValidator returns the singleton validator instance.
// The instance is thread-safe and caches struct metadata.
func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the configuration for structural and semantic errors.
//
// Structural checks (required fields, ranges, URL shapes) run through
// go-playground/validator tags; semantic checks that span fields are
// hand-written below.
func (c *Config) Validate() error {
	if err := getValidator().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	checks := []func() error{
		c.validateWebSocketURL,
		c.validateHeartbeat,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}

	return nil
}

// validateWebSocketURL requires a ws:// or wss:// scheme. The uri tag accepts
// any scheme, so the transport restriction lives here.
func (c *Config) validateWebSocketURL() error {
	parsed, err := url.Parse(c.Backend.WebSocketURL)
	if err != nil {
		return fmt.Errorf("backend.websocket_url: %w", err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return fmt.Errorf("backend.websocket_url: scheme must be ws or wss, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("backend.websocket_url: missing host")
	}
	return nil
}

// validateHeartbeat enforces the liveness invariant: a timeout shorter than
// the ping interval would declare every healthy channel dead.
func (c *Config) validateHeartbeat() error {
	if c.Backend.HeartbeatTimeout <= c.Backend.HeartbeatInterval {
		return fmt.Errorf("backend.heartbeat_timeout (%s) must exceed backend.heartbeat_interval (%s)",
			c.Backend.HeartbeatTimeout, c.Backend.HeartbeatInterval)
	}
	return nil
}
