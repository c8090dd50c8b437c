// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps everything in process memory. It is used for tests and
// for throwaway local runs; nothing survives a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*memorySession
	users    map[string]User
}

type memorySession struct {
	session  Session
	messages []Message
	nextID   int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[uuid.UUID]*memorySession),
		users:    make(map[string]User),
	}
}

func (m *MemoryStore) GetOrCreateSession(ctx context.Context, id uuid.UUID, defaults SessionDefaults) (Session, bool, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, false, wrapErr("memory", "get or create session", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[id]; ok {
		return s.session, false, nil
	}
	s := &memorySession{session: newSession(id, defaults, now()), nextID: 1}
	m.sessions[id] = s
	return s.session, true, nil
}

func (m *MemoryStore) CreateSession(ctx context.Context, defaults SessionDefaults) (Session, error) {
	if defaults.Title == "" {
		defaults.Title = DefaultNewTitle
	}
	s, _, err := m.GetOrCreateSession(ctx, uuid.New(), defaults)
	return s, err
}

func (m *MemoryStore) GetSession(ctx context.Context, id uuid.UUID) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, wrapErr("memory", "get session", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrUnknownSession
	}
	return s.session, nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, msg NewMessage) (Message, error) {
	if err := validateMessage(msg); err != nil {
		return Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return Message{}, wrapErr("memory", "append message", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[msg.SessionID]
	if !ok {
		return Message{}, ErrUnknownSession
	}

	ts := now()
	stored := Message{
		ID:        s.nextID,
		SessionID: msg.SessionID,
		Role:      msg.Role,
		Content:   msg.Content,
		Provider:  msg.Provider,
		Model:     msg.Model,
		CreatedAt: ts,
	}
	s.nextID++
	s.messages = append(s.messages, stored)
	s.session.UpdatedAt = ts
	return stored, nil
}

func (m *MemoryStore) ListSessions(ctx context.Context) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapErr("memory", "list sessions", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.session)
	}
	sortByRecency(out)
	return out, nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, sessionID uuid.UUID) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapErr("memory", "list messages", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	return append([]Message{}, s.messages...), nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return wrapErr("memory", "delete session", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrUnknownSession
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) LoginOrRegister(ctx context.Context, email string) (User, bool, error) {
	normalized, username, err := normalizeEmail(email)
	if err != nil {
		return User{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return User{}, false, wrapErr("memory", "login", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := now()
	if u, ok := m.users[normalized]; ok {
		u.LastLogin = ts
		m.users[normalized] = u
		return u, false, nil
	}
	u := User{ID: uuid.New(), Username: username, Email: normalized, CreatedAt: ts, LastLogin: ts}
	m.users[normalized] = u
	return u, true, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryStore) Close() error {
	return nil
}

// sortByRecency orders sessions most recently updated first. Ties fall back
// to creation time and then id so listings are stable.
func sortByRecency(sessions []Session) {
	sort.Slice(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return bytes.Compare(a.ID[:], b.ID[:]) < 0
	})
}

var _ Store = (*MemoryStore)(nil)
