// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package streaming

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/AleutianAI/ChatGateway/services/gateway/events"
	"github.com/AleutianAI/ChatGateway/services/gateway/store"
	"github.com/AleutianAI/ChatGateway/services/llm"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Fake provider
// =============================================================================

type fakeProvider struct {
	name      string
	model     string
	fragments []string
	failAfter int // -1 never fails
	startErr  error
	hang      bool // block after the last fragment until cancelled

	streams atomic.Int32
	pulls   atomic.Int32
	closed  atomic.Bool

	mu        sync.Mutex
	streamCtx context.Context
}

func newFakeProvider(fragments ...string) *fakeProvider {
	return &fakeProvider{name: "fake", model: "fake-model", fragments: fragments, failAfter: -1}
}

func (p *fakeProvider) Name() string  { return p.name }
func (p *fakeProvider) Kind() llm.Kind { return llm.KindScripted }

func (p *fakeProvider) ResolveModel(hint string) string {
	if hint == "" || hint == llm.DefaultModel {
		return p.model
	}
	return hint
}

func (p *fakeProvider) Stream(ctx context.Context, _, _ string) (llm.FragmentStream, error) {
	p.streams.Add(1)
	if p.startErr != nil {
		return nil, p.startErr
	}
	p.mu.Lock()
	p.streamCtx = ctx
	p.mu.Unlock()
	return &fakeStream{p: p}, nil
}

func (p *fakeProvider) ctx() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streamCtx
}

type fakeStream struct {
	p   *fakeProvider
	pos int
}

func (s *fakeStream) Next(ctx context.Context) (string, error) {
	s.p.pulls.Add(1)
	if s.p.failAfter >= 0 && s.pos == s.p.failAfter {
		return "", &llm.StreamError{Provider: s.p.name, Err: errors.New("upstream reset")}
	}
	if s.pos < len(s.p.fragments) {
		f := s.p.fragments[s.pos]
		s.pos++
		return f, nil
	}
	if s.p.hang {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return "", io.EOF
}

func (s *fakeStream) Close() error {
	s.p.closed.Store(true)
	return nil
}

// =============================================================================
// Recording sink
// =============================================================================

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	failOn int // 1-based send that fails; 0 never
	sends  int
	onSend func(Event)
}

func (s *recordingSink) Send(_ context.Context, ev Event) error {
	s.mu.Lock()
	s.sends++
	if s.failOn == s.sends {
		s.mu.Unlock()
		return errors.New("write: broken pipe")
	}
	s.events = append(s.events, ev)
	hook := s.onSend
	s.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
	return nil
}

func (s *recordingSink) recorded() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func deltas(events []Event) []string {
	var out []string
	for _, e := range events {
		if e.Kind == EventDelta {
			out = append(out, e.Delta)
		}
	}
	return out
}

// =============================================================================
// Failing store
// =============================================================================

type failingStore struct {
	store.Store
	resolveErr   error
	userErr      error
	assistantErr error
}

func (s *failingStore) GetOrCreateSession(ctx context.Context, id uuid.UUID, d store.SessionDefaults) (store.Session, bool, error) {
	if s.resolveErr != nil {
		return store.Session{}, false, s.resolveErr
	}
	return s.Store.GetOrCreateSession(ctx, id, d)
}

func (s *failingStore) AppendMessage(ctx context.Context, msg store.NewMessage) (store.Message, error) {
	if msg.Role == store.RoleUser && s.userErr != nil {
		return store.Message{}, s.userErr
	}
	if msg.Role == store.RoleAssistant && s.assistantErr != nil {
		return store.Message{}, s.assistantErr
	}
	return s.Store.AppendMessage(ctx, msg)
}

// =============================================================================
// Capturing publisher
// =============================================================================

type capturePublisher struct {
	mu     sync.Mutex
	events []events.TurnEvent
}

func (p *capturePublisher) PublishTurn(_ context.Context, e events.TurnEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) last() events.TurnEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

// =============================================================================
// Construction
// =============================================================================

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(t *testing.T, st store.Store, providers ...llm.Provider) *Orchestrator {
	t.Helper()
	reg, err := llm.NewRegistry(providers...)
	require.NoError(t, err)
	o, err := New(st, reg, Config{}, WithLogger(quietLogger()))
	require.NoError(t, err)
	return o
}
