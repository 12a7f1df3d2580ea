// Elaro Sync - Offline Mutation Queue and Reconciliation Engine
// Copyright 2026 Mansur R. (1mansurr)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/1mansurr/elaro-sync

// Package api exposes the sync engine over HTTP: queue inspection and
// control, cache statistics, health, metrics, and a websocket feed of
// queue state changes.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds the HTTP listener settings.
type Config struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// DefaultConfig returns listener defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8487",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server wires the sync engine into HTTP handlers.
type Server struct {
	cfg     Config
	handler *Handler
}

// NewServer builds a server around a handler.
func NewServer(cfg Config, h *Handler) *Server {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	return &Server{cfg: cfg, handler: h}
}

// Router assembles the route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.handler.Health)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.handler.WebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/queue", func(r chi.Router) {
			r.Get("/", s.handler.ListQueue)
			r.Post("/", s.handler.EnqueueAction)
			r.Delete("/", s.handler.ClearQueue)
			r.Get("/stats", s.handler.QueueStats)
			r.Post("/process", s.handler.ProcessQueue)
			r.Post("/{id}/retry", s.handler.RetryAction)
			r.Delete("/{id}", s.handler.DiscardAction)
		})
		r.Route("/cache", func(r chi.Router) {
			r.Get("/stats", s.handler.CacheStats)
			r.Delete("/", s.handler.ClearCache)
		})
	})
	return r
}

// HTTPServer returns the configured *http.Server, ready for supervised
// serving.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
}

// ShutdownTimeout is the graceful drain budget for the supervisor.
func (s *Server) ShutdownTimeout() time.Duration {
	return s.cfg.ShutdownTimeout
}
