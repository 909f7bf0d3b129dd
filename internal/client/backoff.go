// Hearthwatch - Home Automation Monitoring and Dashboard Sync
// Copyright 2026 Hearthwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hearthwatch/hearthwatch

package client

import "time"

const (
	backoffBase = 1 * time.Second
	backoffMax  = 10 * time.Second
)

// Delay returns the reconnect delay for a 0-indexed attempt:
// min(2^attempt * 1s, 10s).
//
// Deterministic, no jitter: each dashboard session reconnects independently,
// so thundering-herd protection is not needed here.
func Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// 2^4 s already exceeds the cap; shifting further would overflow for
	// very large attempt counts.
	if attempt >= 4 {
		return backoffMax
	}
	d := backoffBase << uint(attempt)
	if d > backoffMax {
		return backoffMax
	}
	return d
}
