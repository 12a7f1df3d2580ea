// Elaro Sync - Offline Mutation Queue and Reconciliation Engine
// Copyright 2026 Mansur R. (1mansurr)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/1mansurr/elaro-sync

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	gorillaws "github.com/gorilla/websocket"

	"github.com/1mansurr/elaro-sync/internal/cache"
	"github.com/1mansurr/elaro-sync/internal/connectivity"
	"github.com/1mansurr/elaro-sync/internal/logging"
	"github.com/1mansurr/elaro-sync/internal/queue"
	"github.com/1mansurr/elaro-sync/internal/syncer"
	"github.com/1mansurr/elaro-sync/internal/ws"
)

// Handler carries the engine components the HTTP surface exposes.
type Handler struct {
	manager  *syncer.Manager
	cache    *cache.Manager
	monitor  connectivity.Monitor
	hub      *ws.Hub
	upgrader gorillaws.Upgrader
}

// NewHandler wires the engine into the HTTP surface. hub may be nil
// when websocket push is disabled.
func NewHandler(manager *syncer.Manager, cacheMgr *cache.Manager, monitor connectivity.Monitor, hub *ws.Hub) *Handler {
	return &Handler{
		manager: manager,
		cache:   cacheMgr,
		monitor: monitor,
		hub:     hub,
		upgrader: gorillaws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Health reports process liveness and connectivity state.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"online": h.monitor.IsOnline(),
	})
}

// ListQueue returns the full ordered queue.
func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	actions, err := h.manager.GetQueue()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"actions": actions})
}

// QueueStats returns per-status counts.
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.manager.GetQueueStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type enqueueRequest struct {
	Kind            string          `json:"kind"`
	EntityType      string          `json:"entity_type"`
	Payload         json.RawMessage `json:"payload"`
	OwnerID         string          `json:"owner_id"`
	SyncImmediately bool            `json:"sync_immediately"`
}

// EnqueueAction persists a new mutation intent.
func (h *Handler) EnqueueAction(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	action, err := h.manager.Enqueue(syncer.EnqueueRequest{
		Kind:            queue.Kind(req.Kind),
		EntityType:      req.EntityType,
		Payload:         req.Payload,
		OwnerID:         req.OwnerID,
		SyncImmediately: req.SyncImmediately,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, action)
}

// ProcessQueue triggers a drain and returns the per-action outcomes.
// A drain already in progress yields a 409.
func (h *Handler) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	outcomes, err := h.manager.ProcessQueue(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if outcomes == nil {
		writeError(w, http.StatusConflict, "drain already in progress")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"outcomes": outcomes})
}

// RetryAction resets a failed action for another attempt cycle.
func (h *Handler) RetryAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.manager.Retry(id); err != nil {
		if errors.Is(err, queue.ErrActionNotFound) {
			writeError(w, http.StatusNotFound, "action not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
}

// DiscardAction removes an action without executing it.
func (h *Handler) DiscardAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.manager.Discard(id); err != nil {
		if errors.Is(err, queue.ErrActionNotFound) {
			writeError(w, http.StatusNotFound, "action not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearQueue drops queued actions, optionally scoped by owner_id.
func (h *Handler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	n, err := h.manager.ClearQueue(ownerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

// CacheStats reports cache entry counts, sizes, and hit rate.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.cache.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		cache.Stats
		HitRate float64 `json:"hit_rate"`
	}{stats, h.cache.HitRate()})
}

// ClearCache drops every cached entry.
func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	h.cache.ClearAll()
	w.WriteHeader(http.StatusNoContent)
}

// WebSocket upgrades the connection and attaches it to the hub.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		writeError(w, http.StatusNotImplemented, "websocket push disabled")
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	client := ws.NewClient(h.hub, conn)
	if !h.hub.Add(client) {
		logging.Warn().Msg("websocket hub stopped, closing new connection")
		_ = conn.Close()
		return
	}
	client.Start()
}
