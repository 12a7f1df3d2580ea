// Elaro Sync - Offline Mutation Queue and Reconciliation Engine
// Copyright 2026 Mansur R. (1mansurr)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/1mansurr/elaro-sync

// Package ws pushes queue state changes to connected clients so the UI
// can render sync badges without polling.
package ws

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/1mansurr/elaro-sync/internal/logging"
	"github.com/1mansurr/elaro-sync/internal/queue"
)

// Message types pushed to clients.
const (
	MessageTypeQueueStats  = "queue_stats"
	MessageTypeDrainResult = "drain_result"
	MessageTypePing        = "ping"
	MessageTypePong        = "pong"
)

// Message is the wire envelope for hub pushes.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub maintains the set of active clients and broadcasts queue events
// to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	Register   chan *Client
	Unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan Message, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
	}
}

// Add registers a client, or reports false when the hub has already
// stopped. A caller racing shutdown must not block forever on the
// registration channel.
func (h *Hub) Add(client *Client) bool {
	select {
	case h.Register <- client:
		return true
	case <-h.done:
		return false
	}
}

// RunWithContext pumps registrations and broadcasts until ctx is done,
// then closes every client. Designed for suture supervision.
//
// Lifecycle events are drained before broadcasts so client state is
// consistent when a message fans out.
func (h *Hub) RunWithContext(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		default:
		}

		select {
		case client := <-h.Register:
			h.addClient(client)
			continue
		case client := <-h.Unregister:
			h.removeClient(client)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		case client := <-h.Register:
			h.addClient(client)
		case client := <-h.Unregister:
			h.removeClient(client)
		case message := <-h.broadcast:
			h.broadcastToClients(message)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()
	logging.Info().Int("total_clients", total).Msg("websocket client connected")
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	total := len(h.clients)
	h.mu.Unlock()
	logging.Info().Int("total_clients", total).Msg("websocket client disconnected")
}

func (h *Hub) shutdown(ctx context.Context) {
	close(h.done)

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })
	for _, client := range clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.mu.Unlock()

	logging.Info().
		Str("component", "websocket-hub").
		Int("clients_closed", len(clients)).
		AnErr("reason", ctx.Err()).
		Msg("websocket hub stopped")
}

// broadcastToClients fans a message out to every client in stable id
// order. Clients with a full send buffer are dropped; a stalled reader
// must not block the hub.
func (h *Hub) broadcastToClients(message Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })

	var toRemove []*Client
	for _, client := range clients {
		select {
		case client.send <- message:
		default:
			toRemove = append(toRemove, client)
		}
	}
	for _, client := range toRemove {
		close(client.send)
		delete(h.clients, client)
	}
}

// DrainResultData is the payload of a drain_result push. Outcomes is
// the per-action result list of one queue drain.
type DrainResultData struct {
	Timestamp string      `json:"timestamp"`
	Outcomes  interface{} `json:"outcomes"`
}

// BroadcastDrainResult pushes the outcomes of a completed drain run.
func (h *Hub) BroadcastDrainResult(outcomes interface{}) {
	h.BroadcastJSON(MessageTypeDrainResult, DrainResultData{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Outcomes:  outcomes,
	})
}

// QueueStatsData is the payload of a queue_stats push.
type QueueStatsData struct {
	Timestamp string      `json:"timestamp"`
	Stats     queue.Stats `json:"stats"`
}

// BroadcastQueueStats pushes the current per-status counts.
func (h *Hub) BroadcastQueueStats(stats queue.Stats) {
	message := Message{
		Type: MessageTypeQueueStats,
		Data: QueueStatsData{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Stats:     stats,
		},
	}
	select {
	case h.broadcast <- message:
	default:
		logging.Warn().Msg("broadcast channel full, dropping queue_stats message")
	}
}

// BroadcastJSON pushes an arbitrary typed payload.
func (h *Hub) BroadcastJSON(messageType string, data interface{}) {
	message := Message{Type: messageType, Data: data}
	select {
	case h.broadcast <- message:
	default:
		logging.Warn().Str("message_type", messageType).Msg("broadcast channel full, dropping message")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
