// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badgerdb opens and maintains the embedded BadgerDB instance that
// backs the default session store.
package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Config configures the database.
type Config struct {
	// Path is the data directory. Required unless InMemory is set.
	Path string `yaml:"path"`

	// InMemory keeps all data in RAM. Used by tests and ephemeral runs.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites fsyncs every commit. A committed message survives a crash
	// only when this is true.
	SyncWrites bool `yaml:"sync_writes"`

	// GCInterval is how often value-log GC runs. Zero disables it.
	GCInterval time.Duration `yaml:"gc_interval"`

	// GCDiscardRatio is the value-log rewrite threshold, in (0, 1).
	GCDiscardRatio float64 `yaml:"gc_discard_ratio"`

	// MaxTxnRetries bounds Update's retries on transaction conflicts.
	MaxTxnRetries int `yaml:"max_txn_retries"`

	// Logger receives Badger's internal logs. Nil silences them.
	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns durable settings for an on-disk database at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
		MaxTxnRetries:  16,
	}
}

// InMemoryConfig returns settings for a RAM-only database.
func InMemoryConfig() Config {
	return Config{
		InMemory:      true,
		MaxTxnRetries: 16,
	}
}

// badgerLogger adapts slog to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// DB is an open database plus its background value-log GC.
type DB struct {
	*badger.DB
	gc         *gcRunner
	maxRetries int
}

// Open opens the database described by cfg and starts value-log GC for
// on-disk databases.
func Open(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger: path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	db := &DB{DB: bdb, maxRetries: cfg.MaxTxnRetries}
	if db.maxRetries <= 0 {
		db.maxRetries = 16
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		db.gc = newGCRunner(bdb, cfg.GCInterval, ratio, cfg.Logger)
		db.gc.start()
	}
	return db, nil
}

// Close stops GC and closes the database.
func (d *DB) Close() error {
	if d.gc != nil {
		d.gc.stop()
	}
	return d.DB.Close()
}

// View runs fn in a read-only transaction.
func (d *DB) View(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := d.DB.NewTransaction(false)
	defer txn.Discard()
	return fn(txn)
}

// Update runs fn in a read-write transaction and commits it. When the
// commit loses a conflict against a concurrent transaction, fn is run again
// on a fresh snapshot, up to the configured retry budget. fn must therefore
// be free of side effects outside txn.
func (d *DB) Update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = d.update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("badger: giving up after %d conflicting attempts: %w", d.maxRetries+1, err)
}

func (d *DB) update(fn func(txn *badger.Txn) error) error {
	txn := d.DB.NewTransaction(true)
	defer txn.Discard()
	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// =============================================================================
// Value-log GC
// =============================================================================

type gcRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) *gcRunner {
	return &gcRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (r *gcRunner) start() {
	go r.run()
}

func (r *gcRunner) stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *gcRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runOnce()
		}
	}
}

func (r *gcRunner) runOnce() {
	err := r.db.RunValueLogGC(r.ratio)
	if err == nil || errors.Is(err, badger.ErrNoRewrite) {
		return
	}
	if r.logger != nil {
		r.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
	}
}
