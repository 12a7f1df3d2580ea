// Elaro Sync - Offline Mutation Queue and Reconciliation Engine
// Copyright 2026 Mansur R. (1mansurr)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/1mansurr/elaro-sync

// Package cache provides the TTL cache holding last-known server
// snapshots of remotely-backed records. Entries are versioned by schema
// so an upgrade invalidates stale shapes, and the cache self-heals:
// expired, version-mismatched or undecodable entries behave exactly
// like misses and are deleted on read.
//
// Caching is an optimization. No storage failure inside Set/Get/Remove
// ever propagates to the caller; it is logged and swallowed.
package cache

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/1mansurr/elaro-sync/internal/logging"
	"github.com/1mansurr/elaro-sync/internal/store"
)

// SchemaVersion invalidates entries written by an older core. Bump it
// whenever a cached shape changes incompatibly.
const SchemaVersion = 3

// TTLRule maps a key substring to a default TTL. The first matching
// rule wins; keys matching no rule get the configured DefaultTTL.
type TTLRule struct {
	Pattern string
	TTL     time.Duration
}

// Config holds cache limits and TTL policy.
type Config struct {
	// Namespace prefixes every store key owned by the cache.
	Namespace string

	// DefaultTTL applies to keys matching no TTL rule.
	DefaultTTL time.Duration

	// TTLRules derive per-key default TTLs from key patterns.
	TTLRules []TTLRule

	// MaxEntries and MaxBytes bound the aggregate cache size.
	MaxEntries int
	MaxBytes   int64

	// EvictionThreshold is the fraction of a limit at which a write
	// triggers eviction before storing.
	EvictionThreshold float64

	// EvictionFraction is the share of entries (by count, oldest
	// first) removed per eviction pass.
	EvictionFraction float64

	// MetricsWindow is the age at which the rolling hit/miss counters
	// reset, keeping the hit rate representative of recent behavior.
	MetricsWindow time.Duration
}

// DefaultConfig returns the cache policy used by the app.
func DefaultConfig() Config {
	return Config{
		Namespace:         "elaro_cache",
		DefaultTTL:        15 * time.Minute,
		TTLRules: []TTLRule{
			{Pattern: "profile", TTL: 24 * time.Hour},
			{Pattern: "course", TTL: 6 * time.Hour},
			{Pattern: "assignment", TTL: time.Hour},
			{Pattern: "lecture", TTL: time.Hour},
			{Pattern: "session", TTL: 5 * time.Minute},
		},
		MaxEntries:        500,
		MaxBytes:          5 * 1024 * 1024,
		EvictionThreshold: 0.9,
		EvictionFraction:  0.2,
		MetricsWindow:     30 * time.Minute,
	}
}

// envelope is the on-disk representation of one entry.
type envelope struct {
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	ExpiresAt time.Time       `json:"expires_at"`
	Version   int             `json:"version"`
}

// rollingMetrics is persisted under the reserved metrics key.
type rollingMetrics struct {
	Hits        int64     `json:"hits"`
	Misses      int64     `json:"misses"`
	WindowStart time.Time `json:"window_start"`
}

// EntryInfo describes one cached entry for stats and eviction.
type EntryInfo struct {
	Key        string  `json:"key"`
	AgeMinutes float64 `json:"age_minutes"`
	SizeBytes  int     `json:"size_bytes"`
}

// Stats is an aggregate snapshot of the cache.
type Stats struct {
	TotalEntries int         `json:"total_entries"`
	TotalBytes   int64       `json:"total_bytes"`
	Entries      []EntryInfo `json:"entries"`
}

// Manager is the cache over the durable store. Safe for concurrent use.
type Manager struct {
	store store.Store
	cfg   Config

	mu      sync.Mutex
	metrics rollingMetrics
	now     func() time.Time
}

// New creates a cache manager. Zero-value config fields fall back to
// DefaultConfig values.
func New(st store.Store, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.Namespace == "" {
		cfg.Namespace = def.Namespace
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.TTLRules == nil {
		cfg.TTLRules = def.TTLRules
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	if cfg.EvictionThreshold == 0 {
		cfg.EvictionThreshold = def.EvictionThreshold
	}
	if cfg.EvictionFraction == 0 {
		cfg.EvictionFraction = def.EvictionFraction
	}
	if cfg.MetricsWindow == 0 {
		cfg.MetricsWindow = def.MetricsWindow
	}

	m := &Manager{store: st, cfg: cfg, now: time.Now}
	m.metrics = m.loadMetrics()
	if m.metrics.WindowStart.IsZero() {
		m.metrics.WindowStart = m.now().UTC()
	}
	return m
}

// SetNowFunc overrides the clock. Tests only.
func (m *Manager) SetNowFunc(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Set stores value under key with the TTL derived from the key's
// pattern rules.
func (m *Manager) Set(key string, value interface{}) {
	m.SetTTL(key, value, m.ttlFor(key))
}

// SetTTL stores value under key with an explicit TTL. If the write
// would push the cache past its eviction threshold, the oldest entries
// are evicted first.
func (m *Manager) SetTTL(key string, value interface{}, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		logging.Warn().Err(err).Str("key", key).Msg("cache: marshal failed, skipping set")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	env := envelope{
		Data:      data,
		Timestamp: now,
		ExpiresAt: now.Add(ttl),
		Version:   SchemaVersion,
	}
	raw, err := json.Marshal(&env)
	if err != nil {
		logging.Warn().Err(err).Str("key", key).Msg("cache: marshal envelope failed")
		return
	}

	m.evictIfNeeded(len(raw))

	if err := m.store.Set(m.entryKey(key), raw); err != nil {
		logging.Warn().Err(err).Str("key", key).Msg("cache: write failed")
	}
}

// Get reads the entry for key into dest. It returns false on miss,
// expiry, version mismatch or decode failure; in every non-found-valid
// case the offending entry is deleted and a miss is recorded.
func (m *Manager) Get(key string, dest interface{}) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	storeKey := m.entryKey(key)
	raw, err := m.store.Get(storeKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logging.Warn().Err(err).Str("key", key).Msg("cache: read failed")
		}
		m.recordMiss()
		return false
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		m.dropStale(storeKey, "undecodable")
		m.recordMiss()
		return false
	}
	if env.Version != SchemaVersion {
		m.dropStale(storeKey, "version mismatch")
		m.recordMiss()
		return false
	}
	if !m.now().UTC().Before(env.ExpiresAt) {
		m.dropStale(storeKey, "expired")
		m.recordMiss()
		return false
	}
	if err := json.Unmarshal(env.Data, dest); err != nil {
		m.dropStale(storeKey, "payload undecodable")
		m.recordMiss()
		return false
	}

	m.recordHit()
	return true
}

// Remove deletes one entry.
func (m *Manager) Remove(key string) {
	if err := m.store.Delete(m.entryKey(key)); err != nil {
		logging.Warn().Err(err).Str("key", key).Msg("cache: delete failed")
	}
}

// ClearAll deletes every namespaced key, entries of older schema
// versions included, and resets the rolling metrics.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys, err := m.store.List(m.cfg.Namespace + ":")
	if err != nil {
		logging.Warn().Err(err).Msg("cache: list for clear failed")
		return
	}
	for _, k := range keys {
		if err := m.store.Delete(k); err != nil {
			logging.Warn().Err(err).Str("key", k).Msg("cache: delete failed")
		}
	}
	m.metrics = rollingMetrics{WindowStart: m.now().UTC()}
}

// Stats returns entry count, total serialized size, and per-entry age
// and size. It is the input to eviction and the status API.
func (m *Manager) Stats() (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked()
}

// HitRate returns hits/(hits+misses) for the current rolling window,
// in the range [0,1]. Returns 0 when the window is empty.
func (m *Manager) HitRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := m.metrics.Hits + m.metrics.Misses
	if total == 0 {
		return 0
	}
	return float64(m.metrics.Hits) / float64(total)
}

// ResetMetrics zeroes the rolling hit/miss counters.
func (m *Manager) ResetMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = rollingMetrics{WindowStart: m.now().UTC()}
	m.saveMetrics()
}

func (m *Manager) statsLocked() (Stats, error) {
	keys, err := m.store.List(m.entryPrefix())
	if err != nil {
		return Stats{}, fmt.Errorf("cache: list: %w", err)
	}

	now := m.now().UTC()
	stats := Stats{Entries: make([]EntryInfo, 0, len(keys))}
	for _, k := range keys {
		raw, err := m.store.Get(k)
		if err != nil {
			continue
		}
		// Report the key the caller used, not the namespaced store key.
		info := EntryInfo{Key: strings.TrimPrefix(k, m.entryPrefix()), SizeBytes: len(raw)}
		var env envelope
		if err := json.Unmarshal(raw, &env); err == nil {
			info.AgeMinutes = now.Sub(env.Timestamp).Minutes()
		} else {
			// Undecodable entries sort as oldest so eviction
			// clears them first.
			info.AgeMinutes = math.MaxFloat64
		}
		stats.Entries = append(stats.Entries, info)
		stats.TotalBytes += int64(info.SizeBytes)
	}
	stats.TotalEntries = len(stats.Entries)
	return stats, nil
}

// evictIfNeeded removes the oldest EvictionFraction of entries (by
// count, rounded up) when the incoming write would push the cache past
// the threshold fraction of either limit. Caller holds m.mu.
func (m *Manager) evictIfNeeded(incomingBytes int) {
	stats, err := m.statsLocked()
	if err != nil {
		logging.Warn().Err(err).Msg("cache: stats for eviction failed")
		return
	}

	countLimit := int(math.Floor(m.cfg.EvictionThreshold * float64(m.cfg.MaxEntries)))
	byteLimit := int64(math.Floor(m.cfg.EvictionThreshold * float64(m.cfg.MaxBytes)))
	if stats.TotalEntries+1 <= countLimit && stats.TotalBytes+int64(incomingBytes) <= byteLimit {
		return
	}

	sort.Slice(stats.Entries, func(i, j int) bool {
		return stats.Entries[i].AgeMinutes > stats.Entries[j].AgeMinutes
	})

	n := int(math.Ceil(m.cfg.EvictionFraction * float64(stats.TotalEntries)))
	if n > len(stats.Entries) {
		n = len(stats.Entries)
	}
	for _, e := range stats.Entries[:n] {
		if err := m.store.Delete(m.entryKey(e.Key)); err != nil {
			logging.Warn().Err(err).Str("key", e.Key).Msg("cache: evict delete failed")
			continue
		}
		recordEviction()
	}
	if n > 0 {
		logging.Debug().Int("evicted", n).Int("total", stats.TotalEntries).Msg("cache: evicted oldest entries")
	}
}

func (m *Manager) dropStale(storeKey, reason string) {
	if err := m.store.Delete(storeKey); err != nil {
		logging.Warn().Err(err).Str("key", storeKey).Msg("cache: stale delete failed")
		return
	}
	logging.Debug().Str("key", storeKey).Str("reason", reason).Msg("cache: dropped stale entry")
}

// ttlFor returns the TTL for a key from the first matching pattern rule.
func (m *Manager) ttlFor(key string) time.Duration {
	for _, rule := range m.cfg.TTLRules {
		if strings.Contains(key, rule.Pattern) {
			return rule.TTL
		}
	}
	return m.cfg.DefaultTTL
}

func (m *Manager) entryKey(key string) string {
	return fmt.Sprintf("%s:v%d:%s", m.cfg.Namespace, SchemaVersion, key)
}

func (m *Manager) entryPrefix() string {
	return fmt.Sprintf("%s:v%d:", m.cfg.Namespace, SchemaVersion)
}

func (m *Manager) metricsKey() string {
	return m.cfg.Namespace + ":metrics"
}

// recordHit/recordMiss maintain the rolling window. Caller holds m.mu.
func (m *Manager) recordHit() {
	m.rollWindow()
	m.metrics.Hits++
	recordHit()
	m.saveMetrics()
}

func (m *Manager) recordMiss() {
	m.rollWindow()
	m.metrics.Misses++
	recordMiss()
	m.saveMetrics()
}

func (m *Manager) rollWindow() {
	now := m.now().UTC()
	if now.Sub(m.metrics.WindowStart) > m.cfg.MetricsWindow {
		m.metrics = rollingMetrics{WindowStart: now}
	}
}

func (m *Manager) loadMetrics() rollingMetrics {
	raw, err := m.store.Get(m.metricsKey())
	if err != nil {
		return rollingMetrics{}
	}
	var rm rollingMetrics
	if err := json.Unmarshal(raw, &rm); err != nil {
		return rollingMetrics{}
	}
	return rm
}

func (m *Manager) saveMetrics() {
	raw, err := json.Marshal(&m.metrics)
	if err != nil {
		return
	}
	if err := m.store.Set(m.metricsKey(), raw); err != nil {
		logging.Trace().Err(err).Msg("cache: metrics write failed")
	}
}
