// Elaro Sync - Offline Mutation Queue and Reconciliation Engine
// Copyright 2026 Mansur R. (1mansurr)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/1mansurr/elaro-sync

package cache

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/1mansurr/elaro-sync/internal/store"
)

type assignment struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func newTestCache(t *testing.T, cfg Config) (*Manager, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	return New(st, cfg), st
}

func TestSetGetRoundTrip(t *testing.T) {
	m, _ := newTestCache(t, Config{})

	want := assignment{ID: "srv-1", Title: "Read chapter 4"}
	m.Set("assignment:srv-1", want)

	var got assignment
	if !m.Get("assignment:srv-1", &got) {
		t.Fatal("Get returned miss for freshly set entry")
	}
	if got != want {
		t.Errorf("Get = %+v, want %+v", got, want)
	}
	if rate := m.HitRate(); rate != 1.0 {
		t.Errorf("HitRate = %v, want 1.0", rate)
	}
}

func TestGetMiss(t *testing.T) {
	m, _ := newTestCache(t, Config{})

	var got assignment
	if m.Get("assignment:none", &got) {
		t.Error("Get returned hit for absent key")
	}
	if rate := m.HitRate(); rate != 0 {
		t.Errorf("HitRate = %v, want 0", rate)
	}
}

func TestExpiredEntryIsMissAndRemoved(t *testing.T) {
	m, st := newTestCache(t, Config{})

	m.SetTTL("session:abc", assignment{ID: "s"}, 0)

	var got assignment
	if m.Get("session:abc", &got) {
		t.Error("Get returned hit for zero-TTL entry")
	}
	if _, err := st.Get(m.entryKey("session:abc")); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expired entry still in store: %v", err)
	}
}

func TestVersionMismatchIsMissAndRemoved(t *testing.T) {
	m, st := newTestCache(t, Config{})

	key := m.entryKey("assignment:old")
	stale := fmt.Sprintf(
		`{"data":{"id":"x"},"timestamp":%q,"expires_at":%q,"version":%d}`,
		time.Now().UTC().Format(time.RFC3339),
		time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
		SchemaVersion-1,
	)
	if err := st.Set(key, []byte(stale)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var got assignment
	if m.Get("assignment:old", &got) {
		t.Error("Get returned hit for version-mismatched entry")
	}
	if _, err := st.Get(key); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("stale entry still in store: %v", err)
	}
}

func TestCorruptedEntrySelfHeals(t *testing.T) {
	m, st := newTestCache(t, Config{})

	key := m.entryKey("assignment:bad")
	if err := st.Set(key, []byte(`{{{not json`)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var got assignment
	if m.Get("assignment:bad", &got) {
		t.Error("Get returned hit for corrupted entry")
	}
	if _, err := st.Get(key); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("corrupted entry still in store: %v", err)
	}
}

func TestTTLPatternRules(t *testing.T) {
	m, _ := newTestCache(t, Config{})

	tests := []struct {
		key  string
		want time.Duration
	}{
		{"profile:user-1", 24 * time.Hour},
		{"course:c-9", 6 * time.Hour},
		{"assignment:a-1", time.Hour},
		{"session:s-1", 5 * time.Minute},
		{"misc:x", 15 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := m.ttlFor(tt.key); got != tt.want {
				t.Errorf("ttlFor(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

func TestEvictionRemovesOldestFifth(t *testing.T) {
	m, _ := newTestCache(t, Config{MaxEntries: 10, EvictionThreshold: 0.9})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	m.SetNowFunc(func() time.Time { return clock })

	// Ten entries, each written one minute after the previous.
	for i := 0; i < 10; i++ {
		clock = base.Add(time.Duration(i) * time.Minute)
		m.SetTTL(fmt.Sprintf("assignment:a-%d", i), assignment{ID: fmt.Sprintf("a-%d", i)}, time.Hour)
	}

	stats, err := m.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	// The tenth write crossed the 0.9*10 threshold and evicted
	// ceil(0.2*9)=2 of the oldest entries before storing.
	if stats.TotalEntries != 8 {
		t.Fatalf("TotalEntries = %d, want 8", stats.TotalEntries)
	}

	var got assignment
	if m.Get("assignment:a-0", &got) {
		t.Error("oldest entry survived eviction")
	}
	if m.Get("assignment:a-1", &got) {
		t.Error("second-oldest entry survived eviction")
	}
	if !m.Get("assignment:a-9", &got) {
		t.Error("newest entry evicted")
	}
}

func TestStatsReportsAgeAndSize(t *testing.T) {
	m, _ := newTestCache(t, Config{})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	m.SetNowFunc(func() time.Time { return clock })

	m.Set("assignment:a-1", assignment{ID: "a-1", Title: "t"})
	clock = base.Add(10 * time.Minute)

	stats, err := m.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalEntries != 1 {
		t.Fatalf("TotalEntries = %d, want 1", stats.TotalEntries)
	}
	e := stats.Entries[0]
	if e.Key != "assignment:a-1" {
		t.Errorf("Key = %q, want the caller's key without the store prefix", e.Key)
	}
	if e.AgeMinutes < 9.9 || e.AgeMinutes > 10.1 {
		t.Errorf("AgeMinutes = %v, want ~10", e.AgeMinutes)
	}
	if e.SizeBytes == 0 || stats.TotalBytes != int64(e.SizeBytes) {
		t.Errorf("sizes inconsistent: entry=%d total=%d", e.SizeBytes, stats.TotalBytes)
	}
}

func TestMetricsWindowAutoResets(t *testing.T) {
	m, _ := newTestCache(t, Config{})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	m.SetNowFunc(func() time.Time { return clock })
	m.ResetMetrics()

	var got assignment
	m.Get("assignment:none", &got) // miss
	if rate := m.HitRate(); rate != 0 {
		t.Fatalf("HitRate = %v, want 0", rate)
	}

	// Past the 30 minute window the counters start over.
	clock = base.Add(31 * time.Minute)
	m.Set("assignment:a-1", assignment{ID: "a-1"})
	m.Get("assignment:a-1", &got) // hit in the fresh window

	if rate := m.HitRate(); rate != 1.0 {
		t.Errorf("HitRate after window reset = %v, want 1.0", rate)
	}
}

func TestMetricsSurviveRestart(t *testing.T) {
	st := store.NewMemory()
	m := New(st, Config{})

	var got assignment
	m.Get("assignment:none", &got)
	m.Get("assignment:none", &got)

	m2 := New(st, Config{})
	if rate := m2.HitRate(); rate != 0 {
		t.Errorf("HitRate after restart = %v, want 0 (two persisted misses)", rate)
	}
	m2.Set("assignment:a", assignment{ID: "a"})
	if !m2.Get("assignment:a", &got) {
		t.Fatal("Get after restart missed")
	}
	// 1 hit, 2 persisted misses.
	if rate := m2.HitRate(); rate < 0.33 || rate > 0.34 {
		t.Errorf("HitRate = %v, want ~1/3", rate)
	}
}

func TestClearAll(t *testing.T) {
	m, st := newTestCache(t, Config{})

	m.Set("assignment:a-1", assignment{ID: "a-1"})
	m.Set("course:c-1", assignment{ID: "c-1"})
	m.ClearAll()

	keys, err := st.List("elaro_cache:")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("keys after ClearAll = %v, want none", keys)
	}
}

func TestStoreFailuresAreSwallowed(t *testing.T) {
	st := store.NewMemory()
	m := New(st, Config{})
	_ = st.Close()

	// None of these may panic or propagate.
	m.Set("assignment:a", assignment{ID: "a"})
	var got assignment
	if m.Get("assignment:a", &got) {
		t.Error("Get returned hit against closed store")
	}
	m.Remove("assignment:a")
	m.ClearAll()
}
