// Elaro Sync - Offline Mutation Queue and Reconciliation Engine
// Copyright 2026 Mansur R. (1mansurr)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/1mansurr/elaro-sync

package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_runs_total",
		Help: "Queue drain runs started",
	})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sync_run_duration_seconds",
		Help:    "Queue drain run latency",
		Buckets: prometheus.DefBuckets,
	})

	actionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_actions_total",
		Help: "Action attempt outcomes per drain run",
	}, []string{"outcome"})
)
