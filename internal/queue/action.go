// Elaro Sync - Offline Mutation Queue and Reconciliation Engine
// Copyright 2026 Mansur R. (1mansurr)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/1mansurr/elaro-sync

package queue

import (
	"time"

	"github.com/goccy/go-json"
)

// Kind identifies the mutation a queued action performs.
type Kind string

// Action kinds.
const (
	KindCreate   Kind = "create"
	KindUpdate   Kind = "update"
	KindDelete   Kind = "delete"
	KindComplete Kind = "complete"
	KindRestore  Kind = "restore"
)

// Valid reports whether k is a known action kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCreate, KindUpdate, KindDelete, KindComplete, KindRestore:
		return true
	}
	return false
}

// Status is the lifecycle state of a queued action. Successfully
// executed actions are removed from the queue rather than kept in a
// terminal state.
type Status string

// Action statuses.
const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusFailed  Status = "failed"
)

// Action is a single persisted mutation intent.
//
// The ID never changes for the lifetime of the action. TempID is set
// only on create actions for records that do not yet have a
// server-assigned identifier; once the create syncs, every other
// pending action referencing the temp id is rewritten to the real id
// before it executes.
type Action struct {
	ID           string          `json:"id"`
	Kind         Kind            `json:"kind"`
	EntityType   string          `json:"entity_type"`
	Payload      json.RawMessage `json:"payload"`
	OwnerID      string          `json:"owner_id"`
	Status       Status          `json:"status"`
	AttemptCount int             `json:"attempt_count"`
	NextRetryAt  *time.Time      `json:"next_retry_at,omitempty"`
	TempID       string          `json:"temp_id,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Clone returns a deep copy so callers can hold snapshots without
// aliasing queue-internal state.
func (a *Action) Clone() *Action {
	out := *a
	if a.NextRetryAt != nil {
		t := *a.NextRetryAt
		out.NextRetryAt = &t
	}
	if a.Payload != nil {
		out.Payload = make(json.RawMessage, len(a.Payload))
		copy(out.Payload, a.Payload)
	}
	return &out
}

// Stats are the derived per-status counts of the queue.
type Stats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Failed  int `json:"failed"`
}

// Patch describes a partial update applied by UpdateStatus. Nil fields
// are left untouched.
type Patch struct {
	Status       *Status
	AttemptCount *int
	NextRetryAt  *time.Time
	// ClearNextRetry unsets NextRetryAt; it wins over NextRetryAt.
	ClearNextRetry bool
	TempID         *string
	LastError      *string
}
