// Elaro Sync - Offline Mutation Queue and Reconciliation Engine
// Copyright 2026 Mansur R. (1mansurr)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/1mansurr/elaro-sync

package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/1mansurr/elaro-sync/internal/logging"
)

// BadgerConfig holds BadgerDB tuning options for the durable store.
type BadgerConfig struct {
	// Path is the directory where BadgerDB stores its files.
	// Should be on a durable filesystem (not tmpfs).
	Path string

	// SyncWrites forces fsync after every write. Required for the
	// enqueue durability guarantee; disable only in tests.
	SyncWrites bool

	// MemTableSize is the size of each memtable in bytes.
	MemTableSize int64

	// ValueLogFileSize is the size of each value log file in bytes.
	ValueLogFileSize int64

	// NumCompactors is the number of compaction workers.
	// BadgerDB requires at least 2.
	NumCompactors int

	// GCRatio is the ratio for value log garbage collection.
	GCRatio float64

	// CloseTimeout is the maximum time to wait for graceful shutdown.
	CloseTimeout time.Duration
}

// DefaultBadgerConfig returns defaults sized for an on-device store.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:             path,
		SyncWrites:       true,
		MemTableSize:     8 * 1024 * 1024,
		ValueLogFileSize: 32 * 1024 * 1024,
		NumCompactors:    2,
		GCRatio:          0.5,
		CloseTimeout:     30 * time.Second,
	}
}

// Badger implements Store on BadgerDB.
type Badger struct {
	db     *badger.DB
	config BadgerConfig

	mu     sync.RWMutex
	closed bool
}

// OpenBadger opens (or creates) the BadgerDB database at cfg.Path.
func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: path is required")
	}
	if cfg.NumCompactors < 2 {
		cfg.NumCompactors = 2
	}
	if cfg.CloseTimeout == 0 {
		cfg.CloseTimeout = 30 * time.Second
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	opts.NumCompactors = cfg.NumCompactors
	if cfg.MemTableSize > 0 {
		opts.MemTableSize = cfg.MemTableSize
	}
	if cfg.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = cfg.ValueLogFileSize
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("sync_writes", cfg.SyncWrites).
		Msg("durable store opened")

	return &Badger{db: db, config: cfg}, nil
}

// Get returns the value for key.
func (b *Badger) Get(key string) ([]byte, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store get %q: %w", key, err)
	}
	return value, nil
}

// Set writes value under key. With SyncWrites enabled the write is
// fsynced before Set returns.
func (b *Badger) Set(key string, value []byte) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("store set %q: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (b *Badger) Delete(key string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("store delete %q: %w", key, err)
	}
	return nil
}

// List returns all keys with the given prefix.
func (b *Badger) List(prefix string) ([]string, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store list %q: %w", prefix, err)
	}
	return keys, nil
}

// RunGC triggers BadgerDB value log garbage collection.
func (b *Badger) RunGC() error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	for {
		err := b.db.RunValueLogGC(b.config.GCRatio)
		if errors.Is(err, badger.ErrNoRewrite) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("store gc: %w", err)
		}
	}
}

// Close shuts down BadgerDB, waiting at most CloseTimeout.
func (b *Badger) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	timeout := b.config.CloseTimeout
	b.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- b.db.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close BadgerDB: %w", err)
		}
		logging.Info().Msg("durable store closed")
		return nil
	case <-time.After(timeout):
		logging.Warn().Dur("timeout", timeout).Msg("BadgerDB close timed out")
		return fmt.Errorf("badgerdb close timeout after %v", timeout)
	}
}

func (b *Badger) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}
