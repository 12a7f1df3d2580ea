// Elaro Sync - Offline Mutation Queue and Reconciliation Engine
// Copyright 2026 Mansur R. (1mansurr)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/1mansurr/elaro-sync

// Package tempid maps client-generated placeholder identifiers to
// server-assigned ones. Records created offline get a temp id so the UI
// can reference them immediately; once the create syncs, Record learns
// the real id and rewrites every still-queued action that references
// the placeholder, so later updates and deletes target the right row.
package tempid

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/1mansurr/elaro-sync/internal/logging"
	"github.com/1mansurr/elaro-sync/internal/store"
)

// Prefix marks an identifier as client-generated.
const Prefix = "temp_"

// storageKey holds the persisted temp→real mapping.
const storageKey = "elaro_sync:id_map"

// New generates a fresh temp id.
func New() string {
	return Prefix + uuid.New().String()
}

// IsTempID reports whether id is a client-generated placeholder.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, Prefix)
}

// ReferenceRewriter rewrites queued payloads when a temp id resolves.
// Implemented by the sync queue; the rewrite runs under the queue's
// single-writer lock so it is atomic with respect to status updates.
type ReferenceRewriter interface {
	RewriteReferences(tempID, realID string) (int, error)
}

// Resolver is the persistent bidirectional temp/real id map.
type Resolver struct {
	store    store.Store
	rewriter ReferenceRewriter

	mu  sync.Mutex
	fwd map[string]string // temp -> real
	rev map[string]string // real -> temp
}

// NewResolver creates a resolver, loading any persisted mapping.
func NewResolver(st store.Store, rw ReferenceRewriter) *Resolver {
	r := &Resolver{
		store:    st,
		rewriter: rw,
		fwd:      make(map[string]string),
		rev:      make(map[string]string),
	}
	r.load()
	return r
}

// Resolve returns the server-assigned id for tempID if known, else
// tempID unchanged. Callers must treat an unchanged temp id as "not yet
// resolved" and hold back the dependent operation.
func (r *Resolver) Resolve(tempID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if real, ok := r.fwd[tempID]; ok {
		return real
	}
	return tempID
}

// RealID returns the mapped server id for tempID.
func (r *Resolver) RealID(tempID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	real, ok := r.fwd[tempID]
	return real, ok
}

// TempID returns the placeholder a server id was created under.
func (r *Resolver) TempID(realID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	temp, ok := r.rev[realID]
	return temp, ok
}

// Record stores the temp→real mapping and rewrites every queued action
// referencing tempID. Called once, right after a create succeeds.
func (r *Resolver) Record(tempID, realID string) error {
	if !IsTempID(tempID) {
		return fmt.Errorf("tempid: %q is not a temp id", tempID)
	}
	if realID == "" || IsTempID(realID) {
		return fmt.Errorf("tempid: invalid real id %q", realID)
	}

	r.mu.Lock()
	r.fwd[tempID] = realID
	r.rev[realID] = tempID
	err := r.save()
	r.mu.Unlock()
	if err != nil {
		return err
	}

	rewritten, err := r.rewriter.RewriteReferences(tempID, realID)
	if err != nil {
		return fmt.Errorf("tempid: rewrite queued references: %w", err)
	}
	if rewritten > 0 {
		logging.Debug().
			Str("temp_id", tempID).
			Str("real_id", realID).
			Int("rewritten", rewritten).
			Msg("temp id resolved in queued actions")
	}
	return nil
}

// UnresolvedRefs returns the distinct temp ids referenced as string
// values anywhere in payload that have no recorded mapping yet.
func (r *Resolver) UnresolvedRefs(payload json.RawMessage) []string {
	if len(payload) == 0 {
		return nil
	}
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	collectTempIDs(doc, seen)

	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id := range seen {
		if _, ok := r.fwd[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// ResolvePayload replaces every resolved temp id appearing as a string
// value in payload with its real id. Unknown temp ids and undecodable
// payloads pass through unchanged.
func (r *Resolver) ResolvePayload(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return payload
	}
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return payload
	}

	r.mu.Lock()
	resolved, changed := resolveValue(doc, r.fwd)
	r.mu.Unlock()
	if !changed {
		return payload
	}

	out, err := json.Marshal(resolved)
	if err != nil {
		return payload
	}
	return out
}

func resolveValue(v interface{}, fwd map[string]string) (interface{}, bool) {
	switch val := v.(type) {
	case string:
		if real, ok := fwd[val]; ok {
			return real, true
		}
	case map[string]interface{}:
		changed := false
		for k, inner := range val {
			replaced, ok := resolveValue(inner, fwd)
			if ok {
				val[k] = replaced
				changed = true
			}
		}
		return val, changed
	case []interface{}:
		changed := false
		for i, inner := range val {
			replaced, ok := resolveValue(inner, fwd)
			if ok {
				val[i] = replaced
				changed = true
			}
		}
		return val, changed
	}
	return v, false
}

// Clear wipes the mapping. Used on sign-out alongside queue clearing.
func (r *Resolver) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fwd = make(map[string]string)
	r.rev = make(map[string]string)
	if err := r.store.Delete(storageKey); err != nil {
		return fmt.Errorf("tempid: clear: %w", err)
	}
	return nil
}

func collectTempIDs(v interface{}, seen map[string]struct{}) {
	switch val := v.(type) {
	case string:
		if IsTempID(val) {
			seen[val] = struct{}{}
		}
	case map[string]interface{}:
		for _, inner := range val {
			collectTempIDs(inner, seen)
		}
	case []interface{}:
		for _, inner := range val {
			collectTempIDs(inner, seen)
		}
	}
}

func (r *Resolver) load() {
	raw, err := r.store.Get(storageKey)
	if err != nil {
		return
	}
	var fwd map[string]string
	if err := json.Unmarshal(raw, &fwd); err != nil {
		logging.Warn().Err(err).Msg("tempid: discarding undecodable id map")
		return
	}
	r.fwd = fwd
	for temp, real := range fwd {
		r.rev[real] = temp
	}
}

// save persists the forward map. Caller holds r.mu.
func (r *Resolver) save() error {
	raw, err := json.Marshal(r.fwd)
	if err != nil {
		return fmt.Errorf("tempid: encode: %w", err)
	}
	if err := r.store.Set(storageKey, raw); err != nil {
		return fmt.Errorf("tempid: write: %w", err)
	}
	return nil
}
