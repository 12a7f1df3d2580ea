// Elaro Sync - Offline Mutation Queue and Reconciliation Engine
// Copyright 2026 Mansur R. (1mansurr)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/1mansurr/elaro-sync

package remote

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remote_calls_total",
		Help: "Remote procedure invocations by outcome",
	}, []string{"procedure", "outcome"})

	callDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "remote_call_duration_seconds",
		Help:    "Remote procedure invocation latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"procedure"})

	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "remote_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"breaker"})

	breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remote_circuit_breaker_transitions_total",
		Help: "Circuit breaker state transitions",
	}, []string{"breaker", "from", "to"})
)
