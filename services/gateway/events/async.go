// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultQueueSize is the AsyncPublisher backlog used when none is set.
const DefaultQueueSize = 256

// ErrQueueFull is returned by AsyncPublisher.PublishTurn when the backlog
// is full and the event was dropped.
var ErrQueueFull = errors.New("turn event queue full")

// ErrPublisherClosed is returned after Close.
var ErrPublisherClosed = errors.New("turn event publisher closed")

// AsyncPublisher hands events to a single background worker so a slow or
// unreachable broker never delays the caller.
//
// # Description
//
// PublishTurn enqueues and returns at once. The worker forwards events to
// the wrapped Publisher in order and logs its failures. When the backlog is
// full the event is dropped and counted.
//
// # Limitations
//
//   - Events still queued when Close's drain deadline passes are lost.
type AsyncPublisher struct {
	next   Publisher
	logger *slog.Logger
	drain  time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan TurnEvent
	done   chan struct{}

	dropped atomic.Int64
}

// NewAsyncPublisher starts the worker. size <= 0 selects DefaultQueueSize.
// Close waits up to drain for the backlog to be delivered.
func NewAsyncPublisher(next Publisher, size int, drain time.Duration, logger *slog.Logger) *AsyncPublisher {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &AsyncPublisher{
		next:   next,
		logger: logger,
		drain:  drain,
		queue:  make(chan TurnEvent, size),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *AsyncPublisher) run() {
	defer close(p.done)
	for event := range p.queue {
		if err := p.next.PublishTurn(context.Background(), event); err != nil {
			p.logger.Warn("Failed to publish turn event", "event_id", event.ID, "error", err)
		}
	}
}

// PublishTurn queues event. ctx is not used: delivery happens after the
// caller has moved on.
func (p *AsyncPublisher) PublishTurn(_ context.Context, event TurnEvent) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}
	select {
	case p.queue <- event:
		return nil
	default:
		p.dropped.Add(1)
		return ErrQueueFull
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (p *AsyncPublisher) Dropped() int64 {
	return p.dropped.Load()
}

// Close stops accepting events, waits for the backlog within the drain
// window and closes the wrapped Publisher.
func (p *AsyncPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	timer := time.NewTimer(p.drain)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		p.logger.Warn("Turn event backlog not drained before close", "pending", len(p.queue))
	}
	return p.next.Close()
}

var _ Publisher = (*AsyncPublisher)(nil)
