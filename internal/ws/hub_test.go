// Elaro Sync - Offline Mutation Queue and Reconciliation Engine
// Copyright 2026 Mansur R. (1mansurr)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/1mansurr/elaro-sync

package ws

import (
	"context"
	"testing"
	"time"

	"github.com/1mansurr/elaro-sync/internal/queue"
)

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.RunWithContext(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("hub did not stop")
		}
	})
	return h, cancel
}

func registerTestClient(t *testing.T, h *Hub) *Client {
	t.Helper()
	c := &Client{id: clientIDCounter.Add(1), hub: h, send: make(chan Message, 4)}
	select {
	case h.Register <- c:
	case <-time.After(time.Second):
		t.Fatal("register timed out")
	}
	return c
}

func TestHubBroadcastsQueueStats(t *testing.T) {
	h, _ := startHub(t)
	c := registerTestClient(t, h)

	h.BroadcastQueueStats(queue.Stats{Total: 3, Pending: 2, Failed: 1})

	select {
	case msg := <-c.send:
		if msg.Type != MessageTypeQueueStats {
			t.Errorf("type = %q, want %q", msg.Type, MessageTypeQueueStats)
		}
		data, ok := msg.Data.(QueueStatsData)
		if !ok {
			t.Fatalf("data = %T, want QueueStatsData", msg.Data)
		}
		if data.Stats.Total != 3 || data.Stats.Pending != 2 || data.Stats.Failed != 1 {
			t.Errorf("stats = %+v", data.Stats)
		}
	case <-time.After(time.Second):
		t.Fatal("no broadcast received")
	}
}

func TestHubBroadcastsDrainResults(t *testing.T) {
	h, _ := startHub(t)
	c := registerTestClient(t, h)

	outcomes := []map[string]interface{}{
		{"action_id": "a-1", "success": true},
		{"action_id": "a-2", "success": false},
	}
	h.BroadcastDrainResult(outcomes)

	select {
	case msg := <-c.send:
		if msg.Type != MessageTypeDrainResult {
			t.Errorf("type = %q, want %q", msg.Type, MessageTypeDrainResult)
		}
		data, ok := msg.Data.(DrainResultData)
		if !ok {
			t.Fatalf("data = %T, want DrainResultData", msg.Data)
		}
		got, ok := data.Outcomes.([]map[string]interface{})
		if !ok || len(got) != 2 {
			t.Errorf("outcomes = %v, want the two drain results", data.Outcomes)
		}
		if data.Timestamp == "" {
			t.Error("timestamp not set")
		}
	case <-time.After(time.Second):
		t.Fatal("no broadcast received")
	}
}

func TestAddAfterShutdownDoesNotBlock(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.RunWithContext(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}

	c := &Client{id: clientIDCounter.Add(1), hub: h, send: make(chan Message, 1)}
	added := make(chan bool, 1)
	go func() { added <- h.Add(c) }()

	select {
	case ok := <-added:
		if ok {
			t.Error("Add = true after shutdown, want false")
		}
	case <-time.After(time.Second):
		t.Fatal("Add blocked after hub shutdown")
	}
}

func TestHubDropsStalledClients(t *testing.T) {
	h, _ := startHub(t)
	c := &Client{id: clientIDCounter.Add(1), hub: h, send: make(chan Message)} // no buffer
	select {
	case h.Register <- c:
	case <-time.After(time.Second):
		t.Fatal("register timed out")
	}

	h.BroadcastQueueStats(queue.Stats{Total: 1})

	deadline := time.After(time.Second)
	for h.ClientCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("stalled client was not dropped")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestHubClosesClientsOnShutdown(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.RunWithContext(ctx)
		close(done)
	}()

	c := registerTestClient(t, h)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}

	select {
	case _, open := <-c.send:
		if open {
			t.Error("expected send channel closed")
		}
	default:
		t.Error("send channel still open after shutdown")
	}
}
