// Elaro Sync - Offline Mutation Queue and Reconciliation Engine
// Copyright 2026 Mansur R. (1mansurr)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/1mansurr/elaro-sync

package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_queue_appends_total",
		Help: "Total number of actions appended to the sync queue",
	}, []string{"kind", "entity_type"})

	queueRemovalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_queue_removals_total",
		Help: "Total number of actions removed from the sync queue",
	})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sync_queue_depth",
		Help: "Current number of queued actions by status",
	}, []string{"status"})
)

func recordAppend(kind, entityType string) {
	queueAppendsTotal.WithLabelValues(kind, entityType).Inc()
}

func recordRemove() {
	queueRemovalsTotal.Inc()
}

func updateDepth(actions []*Action) {
	s := countStats(actions)
	queueDepth.WithLabelValues(string(StatusPending)).Set(float64(s.Pending))
	queueDepth.WithLabelValues(string(StatusSyncing)).Set(float64(s.Syncing))
	queueDepth.WithLabelValues(string(StatusFailed)).Set(float64(s.Failed))
}
