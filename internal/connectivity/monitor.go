// Elaro Sync - Offline Mutation Queue and Reconciliation Engine
// Copyright 2026 Mansur R. (1mansurr)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/1mansurr/elaro-sync

// Package connectivity tracks whether the backend is reachable and
// notifies subscribers on transitions. The sync engine drains its queue
// on offline-to-online edges instead of hammering a dead link.
package connectivity

import (
	"sync"
)

// Monitor reports reachability and publishes transitions.
type Monitor interface {
	// IsOnline returns the last observed state.
	IsOnline() bool

	// Subscribe registers fn for state transitions. fn is called only
	// when the state actually changes, never for repeated observations
	// of the same state. The returned func cancels the subscription.
	Subscribe(fn func(online bool)) (cancel func())
}

// Manual is a Monitor driven by explicit SetOnline calls. It backs
// tests and hosts where the platform delivers reachability events
// itself.
type Manual struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(bool)
}

// NewManual returns a Manual monitor in the given initial state.
func NewManual(online bool) *Manual {
	return &Manual{
		online: online,
		subs:   make(map[int]func(bool)),
	}
}

// IsOnline returns the current state.
func (m *Manual) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a new state and notifies subscribers if it changed.
func (m *Manual) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	fns := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	// Callbacks run outside the lock so a subscriber may call back
	// into the monitor.
	for _, fn := range fns {
		fn(online)
	}
}

// Subscribe registers a transition callback.
func (m *Manual) Subscribe(fn func(bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}
