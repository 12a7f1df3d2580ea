// Elaro Sync - Offline Mutation Queue and Reconciliation Engine
// Copyright 2026 Mansur R. (1mansurr)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/1mansurr/elaro-sync

// Package queue implements the ordered, persisted collection of pending
// sync actions. The whole queue lives under one namespaced store key as
// a JSON array; because the store has no transactions, every mutation is
// a read-modify-write of the full array inside a single mutex. That
// single-writer discipline is what makes the temp-id rewrite atomic with
// respect to status updates.
package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/1mansurr/elaro-sync/internal/store"
)

// StorageKey is the namespaced store key holding the queue array.
const StorageKey = "elaro_sync:queue"

// ErrActionNotFound is returned when an action id is not in the queue.
var ErrActionNotFound = errors.New("queue: action not found")

// Queue is the persisted action collection. All methods are safe for
// concurrent use.
type Queue struct {
	store store.Store

	mu  sync.Mutex
	now func() time.Time
}

// New creates a queue over the given store.
func New(st store.Store) *Queue {
	return &Queue{store: st, now: time.Now}
}

// SetNowFunc overrides the clock. Tests only.
func (q *Queue) SetNowFunc(now func() time.Time) {
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}

// Append persists action at the tail of the queue. The write is
// synchronous: when Append returns nil the intent is durable.
func (q *Queue) Append(a *Action) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	actions, err := q.load()
	if err != nil {
		return err
	}

	now := q.now().UTC()
	stored := a.Clone()
	if stored.Status == "" {
		stored.Status = StatusPending
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	actions = append(actions, stored)
	if err := q.save(actions); err != nil {
		return err
	}

	recordAppend(string(stored.Kind), stored.EntityType)
	updateDepth(actions)
	return nil
}

// Snapshot returns the full ordered queue as deep copies.
func (q *Queue) Snapshot() ([]*Action, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	actions, err := q.load()
	if err != nil {
		return nil, err
	}
	out := make([]*Action, len(actions))
	for i, a := range actions {
		out[i] = a.Clone()
	}
	return out, nil
}

// Get returns a copy of one action by id.
func (q *Queue) Get(id string) (*Action, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	actions, err := q.load()
	if err != nil {
		return nil, err
	}
	for _, a := range actions {
		if a.ID == id {
			return a.Clone(), nil
		}
	}
	return nil, ErrActionNotFound
}

// UpdateStatus applies patch to the action with the given id and
// returns the updated copy. The read-locate-patch-write sequence runs
// under the queue mutex so concurrent appends are never lost.
func (q *Queue) UpdateStatus(id string, patch Patch) (*Action, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	actions, err := q.load()
	if err != nil {
		return nil, err
	}

	var target *Action
	for _, a := range actions {
		if a.ID == id {
			target = a
			break
		}
	}
	if target == nil {
		return nil, ErrActionNotFound
	}

	if patch.Status != nil {
		target.Status = *patch.Status
	}
	if patch.AttemptCount != nil {
		target.AttemptCount = *patch.AttemptCount
	}
	switch {
	case patch.ClearNextRetry:
		target.NextRetryAt = nil
	case patch.NextRetryAt != nil:
		t := *patch.NextRetryAt
		target.NextRetryAt = &t
	}
	if patch.TempID != nil {
		target.TempID = *patch.TempID
	}
	if patch.LastError != nil {
		target.LastError = *patch.LastError
	}
	target.UpdatedAt = q.now().UTC()

	if err := q.save(actions); err != nil {
		return nil, err
	}
	updateDepth(actions)
	return target.Clone(), nil
}

// Remove deletes one action from the queue.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	actions, err := q.load()
	if err != nil {
		return err
	}

	kept := actions[:0]
	found := false
	for _, a := range actions {
		if a.ID == id {
			found = true
			continue
		}
		kept = append(kept, a)
	}
	if !found {
		return ErrActionNotFound
	}

	if err := q.save(kept); err != nil {
		return err
	}
	recordRemove()
	updateDepth(kept)
	return nil
}

// Clear removes all actions, or only those of one owner when ownerID is
// non-empty. Returns the number of removed actions.
func (q *Queue) Clear(ownerID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	actions, err := q.load()
	if err != nil {
		return 0, err
	}

	kept := actions[:0]
	for _, a := range actions {
		if ownerID != "" && a.OwnerID != ownerID {
			kept = append(kept, a)
		}
	}
	removed := len(actions) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	if err := q.save(kept); err != nil {
		return 0, err
	}
	updateDepth(kept)
	return removed, nil
}

// Stats returns derived per-status counts.
func (q *Queue) Stats() (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	actions, err := q.load()
	if err != nil {
		return Stats{}, err
	}
	return countStats(actions), nil
}

// RewriteReferences substitutes realID for every occurrence of tempID
// as a JSON string value inside the payloads of pending and failed
// actions. Syncing actions are skipped; the action currently executing
// owns its payload. Returns the number of rewritten actions.
func (q *Queue) RewriteReferences(tempID, realID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	actions, err := q.load()
	if err != nil {
		return 0, err
	}

	rewritten := 0
	now := q.now().UTC()
	for _, a := range actions {
		if a.Status == StatusSyncing || len(a.Payload) == 0 {
			continue
		}
		replaced, changed, err := replaceStringValues(a.Payload, tempID, realID)
		if err != nil {
			return rewritten, fmt.Errorf("queue: rewrite payload of %s: %w", a.ID, err)
		}
		if changed {
			a.Payload = replaced
			a.UpdatedAt = now
			rewritten++
		}
	}

	if rewritten == 0 {
		return 0, nil
	}
	if err := q.save(actions); err != nil {
		return 0, err
	}
	return rewritten, nil
}

func countStats(actions []*Action) Stats {
	s := Stats{Total: len(actions)}
	for _, a := range actions {
		switch a.Status {
		case StatusPending:
			s.Pending++
		case StatusSyncing:
			s.Syncing++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

// load reads the queue array from the store. A missing key is an empty
// queue; a corrupted value is an error, because silently dropping
// queued intents is unacceptable.
func (q *Queue) load() ([]*Action, error) {
	raw, err := q.store.Get(StorageKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: read: %w", err)
	}

	var actions []*Action
	if err := json.Unmarshal(raw, &actions); err != nil {
		return nil, fmt.Errorf("queue: decode: %w", err)
	}
	return actions, nil
}

func (q *Queue) save(actions []*Action) error {
	if actions == nil {
		actions = []*Action{}
	}
	raw, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("queue: encode: %w", err)
	}
	if err := q.store.Set(StorageKey, raw); err != nil {
		return fmt.Errorf("queue: write: %w", err)
	}
	return nil
}

// replaceStringValues walks a JSON document and replaces every string
// value equal to old with new. Keys are left untouched.
func replaceStringValues(raw json.RawMessage, old, new string) (json.RawMessage, bool, error) {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false, err
	}

	doc, changed := replaceInValue(doc, old, new)
	if !changed {
		return raw, false, nil
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func replaceInValue(v interface{}, old, new string) (interface{}, bool) {
	switch val := v.(type) {
	case string:
		if val == old {
			return new, true
		}
	case map[string]interface{}:
		changed := false
		for k, inner := range val {
			replaced, c := replaceInValue(inner, old, new)
			if c {
				val[k] = replaced
				changed = true
			}
		}
		return val, changed
	case []interface{}:
		changed := false
		for i, inner := range val {
			replaced, c := replaceInValue(inner, old, new)
			if c {
				val[i] = replaced
				changed = true
			}
		}
		return val, changed
	}
	return v, false
}
