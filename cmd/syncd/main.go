// Elaro Sync - Offline Mutation Queue and Reconciliation Engine
// Copyright 2026 Mansur R. (1mansurr)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/1mansurr/elaro-sync

// Command syncd runs the Elaro sync engine as a standalone daemon.
//
// Application Architecture:
//
// The daemon is organized as a supervisor tree (suture) with two layers.
// The engine layer holds the BadgerDB garbage collector, the backend
// connectivity probe, the websocket hub, and the sync manager that drains
// the mutation queue. The API layer holds the HTTP server exposing the
// queue, cache, and websocket endpoints. A crashed service is restarted
// by its supervisor without taking down the rest of the tree.
//
// Configuration:
//
// Configuration is layered: compiled-in defaults, then an optional YAML
// file (ELARO_CONFIG or a well-known path), then ELARO_* environment
// variables. See internal/config for the full schema.
//
// Signal Handling:
//
// SIGINT and SIGTERM cancel the root context, which shuts the tree down
// gracefully. The HTTP server drains in-flight requests, the sync manager
// finishes or abandons the current queue pass, and the store is closed
// last so every queue mutation reaches disk.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/1mansurr/elaro-sync/internal/api"
	"github.com/1mansurr/elaro-sync/internal/cache"
	"github.com/1mansurr/elaro-sync/internal/config"
	"github.com/1mansurr/elaro-sync/internal/connectivity"
	"github.com/1mansurr/elaro-sync/internal/logging"
	"github.com/1mansurr/elaro-sync/internal/queue"
	"github.com/1mansurr/elaro-sync/internal/remote"
	"github.com/1mansurr/elaro-sync/internal/store"
	"github.com/1mansurr/elaro-sync/internal/supervisor"
	"github.com/1mansurr/elaro-sync/internal/syncer"
	"github.com/1mansurr/elaro-sync/internal/tempid"
	"github.com/1mansurr/elaro-sync/internal/ws"
)

func main() {
	// Load configuration first to get logging settings
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	logging.Info().
		Str("store_path", cfg.Storage.Path).
		Str("remote_base_url", cfg.Remote.BaseURL).
		Str("listen_addr", cfg.Server.Addr).
		Msg("Starting Elaro sync daemon")

	// Durable store backing the queue, the temp-id index, and the cache
	badgerCfg := store.DefaultBadgerConfig(cfg.Storage.Path)
	badgerCfg.SyncWrites = cfg.Storage.SyncWrites
	st, err := store.OpenBadger(badgerCfg)
	if err != nil {
		logging.Fatal().Err(err).Str("path", cfg.Storage.Path).Msg("Failed to open store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing store")
		}
	}()
	logging.Info().Msg("Store opened")

	q := queue.New(st)
	resolver := tempid.NewResolver(st, q)
	cacheMgr := cache.New(st, cfg.Cache.Apply())

	// Connectivity probe doubles as the online/offline signal for the
	// sync manager: draining only starts while the backend is reachable.
	probeURL := cfg.Connectivity.ProbeURL
	if probeURL == "" {
		probeURL = cfg.Remote.BaseURL
	}
	probeCfg := connectivity.DefaultProbeConfig(probeURL)
	if cfg.Connectivity.Interval > 0 {
		probeCfg.Interval = cfg.Connectivity.Interval
	}
	if cfg.Connectivity.Timeout > 0 {
		probeCfg.Timeout = cfg.Connectivity.Timeout
	}
	probe := connectivity.NewProbe(probeCfg)

	httpCfg := remote.DefaultHTTPConfig(cfg.Remote.BaseURL)
	if cfg.Remote.Timeout > 0 {
		httpCfg.Timeout = cfg.Remote.Timeout
	}
	if token := cfg.Remote.Token; token != "" {
		httpCfg.TokenFunc = func() (string, error) { return token, nil }
	}
	executor := remote.NewHTTPExecutor(httpCfg)
	registry := remote.DefaultRegistry()

	manager := syncer.New(cfg.Sync, q, resolver, executor, registry, probe, cacheMgr)

	// Queue stats and drain results fan out to websocket clients
	hub := ws.NewHub()
	unsubscribeStats := manager.Subscribe(hub.BroadcastQueueStats)
	defer unsubscribeStats()
	unsubscribeDrains := manager.SubscribeDrains(func(outcomes []syncer.Outcome) {
		hub.BroadcastDrainResult(outcomes)
	})
	defer unsubscribeDrains()

	handler := api.NewHandler(manager, cacheMgr, probe, hub)
	server := api.NewServer(cfg.Server, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	// Engine layer
	tree.AddEngineService(supervisor.NewStoreGCService(st, 0))
	tree.AddEngineService(probe)
	tree.AddEngineService(supervisor.NewHubService(hub))
	tree.AddEngineService(supervisor.NewSyncService(manager))

	// API layer
	httpServer := server.HTTPServer()
	tree.AddAPIService(supervisor.NewHTTPServerService(httpServer, server.ShutdownTimeout()))
	logging.Info().Str("addr", httpServer.Addr).Msg("HTTP server service added")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Sync daemon stopped")
}
