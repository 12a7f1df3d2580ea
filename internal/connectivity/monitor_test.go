// Elaro Sync - Offline Mutation Queue and Reconciliation Engine
// Copyright 2026 Mansur R. (1mansurr)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/1mansurr/elaro-sync

package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestManualNotifiesOnTransitionOnly(t *testing.T) {
	m := NewManual(false)

	var seen []bool
	cancel := m.Subscribe(func(online bool) {
		seen = append(seen, online)
	})
	defer cancel()

	m.SetOnline(false) // no transition
	m.SetOnline(true)
	m.SetOnline(true) // no transition
	m.SetOnline(false)

	want := []bool{true, false}
	if len(seen) != len(want) {
		t.Fatalf("got %d notifications %v, want %v", len(seen), seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("notification %d = %v, want %v", i, seen[i], want[i])
		}
	}
}

func TestManualUnsubscribeStopsNotifications(t *testing.T) {
	m := NewManual(false)

	calls := 0
	cancel := m.Subscribe(func(bool) { calls++ })

	m.SetOnline(true)
	cancel()
	m.SetOnline(false)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestManualSubscriberMayReenter(t *testing.T) {
	m := NewManual(false)
	var observed bool
	cancel := m.Subscribe(func(online bool) {
		// Re-entering the monitor must not deadlock.
		observed = m.IsOnline()
	})
	defer cancel()

	m.SetOnline(true)
	if !observed {
		t.Error("subscriber saw stale state")
	}
}

func TestProbeDetectsReachableBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewProbe(ProbeConfig{URL: srv.URL, Interval: time.Hour, Timeout: time.Second})
	if p.IsOnline() {
		t.Fatal("probe should start offline")
	}

	p.check(context.Background())
	if !p.IsOnline() {
		t.Error("probe should be online after a successful check")
	}
}

func TestProbeDetectsUnreachableBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	p := NewProbe(ProbeConfig{URL: url, Interval: time.Hour, Timeout: time.Second})
	p.SetOnline(true)

	p.check(context.Background())
	if p.IsOnline() {
		t.Error("probe should be offline after a failed check")
	}
}

func TestProbeServeStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	p := NewProbe(ProbeConfig{URL: srv.URL, Interval: 10 * time.Millisecond, Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Serve returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not stop after cancel")
	}
	if !p.IsOnline() {
		t.Error("probe should have observed the reachable server while serving")
	}
}
