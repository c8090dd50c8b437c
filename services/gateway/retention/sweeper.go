// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retention deletes sessions that have been idle longer than a
// configured age.
//
// # Description
//
// The Sweeper runs in the background next to the HTTP server. Each cycle
// lists sessions, picks those whose UpdatedAt is older than MaxAge and
// deletes up to BatchSize of them. Deleting a session cascades to its
// messages in every store backend.
//
// # Thread Safety
//
// Start, Stop and RunNow are safe for concurrent use. Cycles never overlap.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/ChatGateway/services/gateway/store"
)

// ErrAlreadyRunning is returned by Start on a running sweeper.
var ErrAlreadyRunning = errors.New("retention sweeper is already running")

// Config controls the sweeper. A zero MaxAge disables it.
type Config struct {
	Interval  time.Duration `yaml:"interval"`
	MaxAge    time.Duration `yaml:"max_age"`
	BatchSize int           `yaml:"batch_size"`
}

// DefaultConfig returns an hourly sweep with retention disabled.
func DefaultConfig() Config {
	return Config{
		Interval:  time.Hour,
		BatchSize: 100,
	}
}

// Enabled reports whether sessions expire at all.
func (c Config) Enabled() bool {
	return c.MaxAge > 0
}

// Result summarises one sweep.
type Result struct {
	Scanned  int
	Expired  int
	Deleted  int
	Failed   int
	Duration time.Duration
}

// Sweeper periodically deletes expired sessions.
type Sweeper struct {
	store  store.Store
	config Config
	logger *slog.Logger
	now    func() time.Time

	// cycle serializes sweeps started by the loop and by RunNow.
	cycle sync.Mutex

	mu      sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper creates a Sweeper over st. Zero config fields take the values
// of DefaultConfig.
func NewSweeper(st store.Store, cfg Config, logger *slog.Logger, opts ...Option) *Sweeper {
	defaults := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		store:  st,
		config: cfg,
		logger: logger.With("component", "retention"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the background loop. The first sweep runs immediately.
// The loop ends when ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})

	s.logger.Info("Retention sweeper starting",
		"interval", s.config.Interval.String(),
		"max_age", s.config.MaxAge.String(),
		"batch_size", s.config.BatchSize,
	)
	go s.loop(ctx, s.done, s.stopped)
	return nil
}

// Stop signals the loop and waits for the current sweep to finish. Safe to
// call more than once.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	stopped := s.stopped
	s.mu.Unlock()

	<-stopped
	s.logger.Info("Retention sweeper stopped")
}

// RunNow performs one sweep synchronously.
func (s *Sweeper) RunNow(ctx context.Context) (Result, error) {
	return s.sweep(ctx)
}

func (s *Sweeper) loop(ctx context.Context, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *Sweeper) runCycle(ctx context.Context) {
	result, err := s.sweep(ctx)
	if err != nil {
		s.logger.Error("Retention sweep failed", "error", err)
		return
	}
	if result.Expired == 0 {
		s.logger.Debug("Retention sweep found nothing to delete", "scanned", result.Scanned)
		return
	}
	s.logger.Info("Retention sweep completed",
		"scanned", result.Scanned,
		"expired", result.Expired,
		"deleted", result.Deleted,
		"failed", result.Failed,
		"duration_ms", result.Duration.Milliseconds(),
	)
}

func (s *Sweeper) sweep(ctx context.Context) (Result, error) {
	s.cycle.Lock()
	defer s.cycle.Unlock()

	began := time.Now()
	var result Result
	if !s.config.Enabled() {
		return result, nil
	}

	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		return result, fmt.Errorf("list sessions: %w", err)
	}
	result.Scanned = len(sessions)

	cutoff := s.now().Add(-s.config.MaxAge)
	for _, session := range sessions {
		if !session.UpdatedAt.Before(cutoff) {
			continue
		}
		result.Expired++
		if result.Deleted+result.Failed >= s.config.BatchSize {
			continue
		}
		err := s.store.DeleteSession(ctx, session.ID)
		switch {
		case err == nil, errors.Is(err, store.ErrUnknownSession):
			result.Deleted++
		case ctx.Err() != nil:
			result.Duration = time.Since(began)
			return result, ctx.Err()
		default:
			result.Failed++
			s.logger.Warn("Failed to delete expired session",
				"session_id", session.ID.String(),
				"error", err,
			)
		}
	}
	result.Duration = time.Since(began)
	return result, nil
}
