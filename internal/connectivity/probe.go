// Elaro Sync - Offline Mutation Queue and Reconciliation Engine
// Copyright 2026 Mansur R. (1mansurr)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/1mansurr/elaro-sync

package connectivity

import (
	"context"
	"net/http"
	"time"

	"github.com/1mansurr/elaro-sync/internal/logging"
)

// ProbeConfig holds the reachability poller settings.
type ProbeConfig struct {
	// URL is probed with HEAD requests. Any HTTP response, including
	// an error status, proves the link is up.
	URL string

	// Interval between probes.
	Interval time.Duration

	// Timeout bounds a single probe.
	Timeout time.Duration
}

// DefaultProbeConfig returns poller defaults for the given URL.
func DefaultProbeConfig(url string) ProbeConfig {
	return ProbeConfig{
		URL:      url,
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
	}
}

// Probe polls a URL and folds the results into a Manual monitor. It
// implements suture.Service via Serve.
type Probe struct {
	*Manual
	cfg    ProbeConfig
	client *http.Client
}

// NewProbe creates a poller that starts offline until the first probe
// succeeds.
func NewProbe(cfg ProbeConfig) *Probe {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Probe{
		Manual: NewManual(false),
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Serve probes immediately, then on every tick, until ctx is done.
func (p *Probe) Serve(ctx context.Context) error {
	logging.Info().Str("url", p.cfg.URL).Dur("interval", p.cfg.Interval).Msg("Connectivity probe started")

	p.check(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("Connectivity probe stopped")
			return ctx.Err()
		case <-ticker.C:
			p.check(ctx)
		}
	}
}

func (p *Probe) check(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.cfg.URL, nil)
	if err != nil {
		logging.Error().Err(err).Str("url", p.cfg.URL).Msg("Invalid probe URL")
		return
	}

	resp, err := p.client.Do(req)
	online := err == nil
	if resp != nil {
		_ = resp.Body.Close()
	}

	if online != p.IsOnline() {
		logging.Info().Bool("online", online).Msg("Connectivity changed")
	}
	p.SetOnline(online)
}

func (p *Probe) String() string {
	return "connectivity-probe"
}
