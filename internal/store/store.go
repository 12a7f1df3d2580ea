// Elaro Sync - Offline Mutation Queue and Reconciliation Engine
// Copyright 2026 Mansur R. (1mansurr)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/1mansurr/elaro-sync

// Package store provides the durable key/value primitive everything else
// persists through. Keys are opaque namespaced strings, values are opaque
// bytes. The production implementation is backed by BadgerDB; an in-memory
// implementation exists for tests and diskless hosts.
package store

import "errors"

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("store: key not found")

	// ErrClosed is returned by all operations after Close.
	ErrClosed = errors.New("store: closed")
)

// Store is the durable key/value contract.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(key string) ([]byte, error)

	// Set durably writes value under key, overwriting any existing value.
	Set(key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// List returns all keys with the given prefix, in unspecified order.
	List(prefix string) ([]string, error)

	// Close releases the underlying storage.
	Close() error
}
