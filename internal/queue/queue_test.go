// Elaro Sync - Offline Mutation Queue and Reconciliation Engine
// Copyright 2026 Mansur R. (1mansurr)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/1mansurr/elaro-sync

package queue

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/1mansurr/elaro-sync/internal/store"
)

func newTestQueue(t *testing.T) (*Queue, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	return New(st), st
}

func testAction(id string, kind Kind, payload string) *Action {
	return &Action{
		ID:         id,
		Kind:       kind,
		EntityType: "assignment",
		Payload:    json.RawMessage(payload),
		OwnerID:    "user-1",
		Status:     StatusPending,
	}
}

func TestAppendAndSnapshotPreserveOrder(t *testing.T) {
	q, _ := newTestQueue(t)

	ids := []string{"a-1", "a-2", "a-3"}
	for _, id := range ids {
		if err := q.Append(testAction(id, KindUpdate, `{"id":"x"}`)); err != nil {
			t.Fatalf("Append %s: %v", id, err)
		}
	}

	snap, err := q.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 3 {
		t.Fatalf("Snapshot len = %d, want 3", len(snap))
	}
	for i, id := range ids {
		if snap[i].ID != id {
			t.Errorf("snap[%d].ID = %q, want %q", i, snap[i].ID, id)
		}
		if snap[i].Status != StatusPending {
			t.Errorf("snap[%d].Status = %q, want pending", i, snap[i].Status)
		}
	}
}

func TestAppendIsDurable(t *testing.T) {
	st := store.NewMemory()
	q := New(st)

	if err := q.Append(testAction("a-1", KindCreate, `{"title":"Offline Assignment"}`)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// A fresh queue over the same store simulates a process restart.
	q2 := New(st)
	snap, err := q2.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot after restart: %v", err)
	}
	if len(snap) != 1 || snap[0].ID != "a-1" {
		t.Fatalf("queue after restart = %+v, want the appended action", snap)
	}
}

func TestUpdateStatus(t *testing.T) {
	q, _ := newTestQueue(t)
	if err := q.Append(testAction("a-1", KindUpdate, `{"id":"x"}`)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	syncing := StatusSyncing
	attempts := 2
	retry := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lastErr := "network timeout"

	updated, err := q.UpdateStatus("a-1", Patch{
		Status:       &syncing,
		AttemptCount: &attempts,
		NextRetryAt:  &retry,
		LastError:    &lastErr,
	})
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if updated.Status != StatusSyncing || updated.AttemptCount != 2 {
		t.Errorf("patch not applied: %+v", updated)
	}
	if updated.NextRetryAt == nil || !updated.NextRetryAt.Equal(retry) {
		t.Errorf("NextRetryAt = %v, want %v", updated.NextRetryAt, retry)
	}
	if updated.LastError != lastErr {
		t.Errorf("LastError = %q, want %q", updated.LastError, lastErr)
	}

	// ClearNextRetry wins over a set value.
	updated, err = q.UpdateStatus("a-1", Patch{ClearNextRetry: true, NextRetryAt: &retry})
	if err != nil {
		t.Fatalf("UpdateStatus clear: %v", err)
	}
	if updated.NextRetryAt != nil {
		t.Errorf("NextRetryAt after clear = %v, want nil", updated.NextRetryAt)
	}
}

func TestUpdateStatusUnknownID(t *testing.T) {
	q, _ := newTestQueue(t)
	if _, err := q.UpdateStatus("ghost", Patch{}); !errors.Is(err, ErrActionNotFound) {
		t.Errorf("UpdateStatus unknown = %v, want ErrActionNotFound", err)
	}
}

func TestRemove(t *testing.T) {
	q, _ := newTestQueue(t)
	_ = q.Append(testAction("a-1", KindUpdate, `{}`))
	_ = q.Append(testAction("a-2", KindDelete, `{}`))

	if err := q.Remove("a-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	snap, _ := q.Snapshot()
	if len(snap) != 1 || snap[0].ID != "a-2" {
		t.Errorf("queue after Remove = %+v", snap)
	}

	if err := q.Remove("a-1"); !errors.Is(err, ErrActionNotFound) {
		t.Errorf("Remove gone = %v, want ErrActionNotFound", err)
	}
}

func TestClearScopedToOwner(t *testing.T) {
	q, _ := newTestQueue(t)
	a := testAction("a-1", KindUpdate, `{}`)
	b := testAction("a-2", KindUpdate, `{}`)
	b.OwnerID = "user-2"
	_ = q.Append(a)
	_ = q.Append(b)

	removed, err := q.Clear("user-1")
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if removed != 1 {
		t.Errorf("Clear removed = %d, want 1", removed)
	}
	snap, _ := q.Snapshot()
	if len(snap) != 1 || snap[0].OwnerID != "user-2" {
		t.Errorf("queue after owner clear = %+v", snap)
	}

	removed, err = q.Clear("")
	if err != nil {
		t.Fatalf("Clear all: %v", err)
	}
	if removed != 1 {
		t.Errorf("Clear all removed = %d, want 1", removed)
	}
	snap, _ = q.Snapshot()
	if len(snap) != 0 {
		t.Errorf("queue after full clear = %+v", snap)
	}
}

func TestStats(t *testing.T) {
	q, _ := newTestQueue(t)
	_ = q.Append(testAction("a-1", KindCreate, `{}`))
	_ = q.Append(testAction("a-2", KindUpdate, `{}`))

	stats, err := q.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	want := Stats{Total: 2, Pending: 2}
	if stats != want {
		t.Errorf("Stats = %+v, want %+v", stats, want)
	}

	failed := StatusFailed
	if _, err := q.UpdateStatus("a-2", Patch{Status: &failed}); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	stats, _ = q.Stats()
	if stats.Failed != 1 || stats.Pending != 1 || stats.Total != 2 {
		t.Errorf("Stats after fail = %+v", stats)
	}
}

func TestRewriteReferences(t *testing.T) {
	q, _ := newTestQueue(t)
	tempID := "temp_7f3a"

	create := testAction("a-1", KindCreate, `{"id":"`+tempID+`","title":"New"}`)
	create.TempID = tempID
	update := testAction("a-2", KindUpdate, `{"id":"`+tempID+`","updates":{"title":"Edited"}}`)
	nested := testAction("a-3", KindComplete, `{"refs":["`+tempID+`","other"],"meta":{"assignmentId":"`+tempID+`"}}`)
	unrelated := testAction("a-4", KindDelete, `{"id":"srv-9"}`)
	for _, a := range []*Action{create, update, nested, unrelated} {
		if err := q.Append(a); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	n, err := q.RewriteReferences(tempID, "srv-42")
	if err != nil {
		t.Fatalf("RewriteReferences: %v", err)
	}
	if n != 3 {
		t.Errorf("rewritten = %d, want 3", n)
	}

	snap, _ := q.Snapshot()
	for _, a := range snap[:3] {
		if strings.Contains(string(a.Payload), tempID) {
			t.Errorf("action %s still references temp id: %s", a.ID, a.Payload)
		}
		if !strings.Contains(string(a.Payload), "srv-42") {
			t.Errorf("action %s missing real id: %s", a.ID, a.Payload)
		}
	}
	if string(snap[3].Payload) != `{"id":"srv-9"}` {
		t.Errorf("unrelated payload touched: %s", snap[3].Payload)
	}
}

func TestRewriteReferencesSkipsSyncing(t *testing.T) {
	q, _ := newTestQueue(t)
	a := testAction("a-1", KindUpdate, `{"id":"temp_x"}`)
	a.Status = StatusSyncing
	_ = q.Append(a)

	n, err := q.RewriteReferences("temp_x", "srv-1")
	if err != nil {
		t.Fatalf("RewriteReferences: %v", err)
	}
	if n != 0 {
		t.Errorf("rewritten = %d, want 0 for syncing action", n)
	}
}

func TestCorruptedQueueIsAnError(t *testing.T) {
	st := store.NewMemory()
	_ = st.Set(StorageKey, []byte(`{not json`))
	q := New(st)

	if _, err := q.Snapshot(); err == nil {
		t.Error("Snapshot over corrupted queue succeeded, want error")
	}
}

func TestConcurrentAppendsAreNotLost(t *testing.T) {
	q, _ := newTestQueue(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			a := testAction("", KindUpdate, `{}`)
			a.ID = "a-" + string(rune('A'+n))
			if err := q.Append(a); err != nil {
				t.Errorf("Append: %v", err)
			}
		}(i)
	}
	wg.Wait()

	snap, err := q.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 20 {
		t.Errorf("len = %d, want 20 (lost updates)", len(snap))
	}
}
