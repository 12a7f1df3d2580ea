// Elaro Sync - Offline Mutation Queue and Reconciliation Engine
// Copyright 2026 Mansur R. (1mansurr)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/1mansurr/elaro-sync

package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total number of cache hits",
	})

	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total number of cache misses (missing, expired, stale or undecodable)",
	})

	cacheEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cache_evictions_total",
		Help: "Total number of entries removed by capacity eviction",
	})
)

func recordHit() {
	cacheHitsTotal.Inc()
}

func recordMiss() {
	cacheMissesTotal.Inc()
}

func recordEviction() {
	cacheEvictionsTotal.Inc()
}
