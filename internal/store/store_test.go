// Elaro Sync - Offline Mutation Queue and Reconciliation Engine
// Copyright 2026 Mansur R. (1mansurr)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/1mansurr/elaro-sync

package store

import (
	"errors"
	"sort"
	"testing"
)

// openTestStores returns both implementations so every contract test
// runs against each.
func openTestStores(t *testing.T) map[string]Store {
	t.Helper()

	cfg := DefaultBadgerConfig(t.TempDir())
	cfg.SyncWrites = false // fsync per write is too slow for unit tests
	b, err := OpenBadger(cfg)
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	m := NewMemory()
	t.Cleanup(func() { _ = m.Close() })

	return map[string]Store{"badger": b, "memory": m}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, st := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := st.Set("elaro_sync:queue", []byte(`[]`)); err != nil {
				t.Fatalf("Set: %v", err)
			}

			got, err := st.Get("elaro_sync:queue")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(got) != `[]` {
				t.Errorf("Get = %q, want %q", got, `[]`)
			}

			if err := st.Delete("elaro_sync:queue"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := st.Get("elaro_sync:queue"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get after Delete = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreGetMissing(t *testing.T) {
	for name, st := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := st.Get("nope"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get missing = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreDeleteMissingIsNoError(t *testing.T) {
	for name, st := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := st.Delete("nope"); err != nil {
				t.Errorf("Delete missing = %v, want nil", err)
			}
		})
	}
}

func TestStoreListByPrefix(t *testing.T) {
	for name, st := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			entries := map[string]string{
				"elaro_cache:v3:assignment:1": "a",
				"elaro_cache:v3:course:2":     "b",
				"elaro_sync:queue":            "c",
			}
			for k, v := range entries {
				if err := st.Set(k, []byte(v)); err != nil {
					t.Fatalf("Set %q: %v", k, err)
				}
			}

			keys, err := st.List("elaro_cache:")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			sort.Strings(keys)

			want := []string{"elaro_cache:v3:assignment:1", "elaro_cache:v3:course:2"}
			if len(keys) != len(want) {
				t.Fatalf("List = %v, want %v", keys, want)
			}
			for i := range want {
				if keys[i] != want[i] {
					t.Errorf("List[%d] = %q, want %q", i, keys[i], want[i])
				}
			}
		})
	}
}

func TestStoreClosedOperationsFail(t *testing.T) {
	m := NewMemory()
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := m.Get("k"); !errors.Is(err, ErrClosed) {
		t.Errorf("Get after Close = %v, want ErrClosed", err)
	}
	if err := m.Set("k", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Set after Close = %v, want ErrClosed", err)
	}
}

// Durability over a store round-trip: values written by one Badger
// handle are visible to a fresh handle on the same path.
func TestBadgerSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultBadgerConfig(dir)
	cfg.SyncWrites = false

	b, err := OpenBadger(cfg)
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}
	if err := b.Set("elaro_sync:queue", []byte(`[{"id":"a-1"}]`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b2, err := OpenBadger(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b2.Close()

	got, err := b2.Get("elaro_sync:queue")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(got) != `[{"id":"a-1"}]` {
		t.Errorf("Get after reopen = %q", got)
	}
}
