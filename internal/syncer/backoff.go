// Elaro Sync - Offline Mutation Queue and Reconciliation Engine
// Copyright 2026 Mansur R. (1mansurr)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/1mansurr/elaro-sync

package syncer

import "time"

// calculateBackoff returns the delay before the next attempt using
// exponential backoff: base * 2^attempts, capped at max.
//
// attempts is the count of failures so far, so the first retry waits
// the base delay. The shift is guarded against overflow for large
// attempt counts.
func calculateBackoff(base, max time.Duration, attempts int) time.Duration {
	if attempts <= 0 {
		return base
	}
	// 2^50 already overflows any useful cap.
	if attempts > 50 {
		return max
	}

	delay := base << uint(attempts)
	if delay <= 0 || delay > max {
		return max
	}
	return delay
}
