// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists chat sessions, their ordered message history, and
// the users that log in to the gateway.
//
// Every backend implements Store with the same guarantees: session creation
// by id is at-most-once under concurrency, appends to an unknown session
// fail with ErrUnknownSession, sessions list most recently updated first and
// messages list in insertion order.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ProviderUser is the provider tag stored on human-authored messages.
const ProviderUser = "user"

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Session is a persisted conversation thread.
type Session struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one immutable turn inside a session. ID is unique within the
// session and increases with insertion order.
type Message struct {
	ID        int64     `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage is the input to AppendMessage.
type NewMessage struct {
	SessionID uuid.UUID
	Role      Role
	Content   string
	Provider  string
	Model     string
}

// User is an account created on first login.
type User struct {
	ID        uuid.UUID `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	LastLogin time.Time `json:"last_login"`
}

// SessionDefaults fills the metadata of sessions the store creates.
type SessionDefaults struct {
	Title    string
	Provider string
	Model    string
}

const (
	// DefaultAutoTitle names sessions created implicitly by a first message.
	DefaultAutoTitle = "New Session"

	// DefaultNewTitle names sessions created explicitly through the API.
	DefaultNewTitle = "New Chat"
)

// Store is the persistence contract the gateway depends on.
//
// # Description
//
// Implementations are shared by every request and must be safe for
// concurrent use. Connection acquisition is per operation: each call takes a
// handle from the backend pool and returns it before the call returns, on
// every exit path.
//
// # Assumptions
//
//   - Concurrent appends to the same session are ordered by the backend's
//     commit order; the store adds no per-session serialization.
type Store interface {
	// GetOrCreateSession returns the session with id, creating it with
	// defaults if it does not exist. created reports whether this call
	// created it. At most one caller observes created == true per id.
	GetOrCreateSession(ctx context.Context, id uuid.UUID, defaults SessionDefaults) (session Session, created bool, err error)

	// CreateSession creates a session with a fresh random id.
	CreateSession(ctx context.Context, defaults SessionDefaults) (Session, error)

	// GetSession returns ErrUnknownSession when id does not exist.
	GetSession(ctx context.Context, id uuid.UUID) (Session, error)

	// AppendMessage stores msg and bumps the session's UpdatedAt. It
	// returns ErrUnknownSession when the session does not exist.
	AppendMessage(ctx context.Context, msg NewMessage) (Message, error)

	// ListSessions returns every session, most recently updated first.
	ListSessions(ctx context.Context) ([]Session, error)

	// ListMessages returns the session's messages in insertion order, or
	// ErrUnknownSession when the session does not exist.
	ListMessages(ctx context.Context, sessionID uuid.UUID) ([]Message, error)

	// DeleteSession removes the session and all of its messages.
	DeleteSession(ctx context.Context, id uuid.UUID) error

	// LoginOrRegister returns the user with email, registering it when
	// unknown, and records the login time.
	LoginOrRegister(ctx context.Context, email string) (user User, created bool, err error)

	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrUnknownSession is returned when an operation references a session
	// id that does not exist.
	ErrUnknownSession = errors.New("unknown session")

	// ErrInvalidMessage is returned for messages with an unknown role.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrInvalidEmail is returned by LoginOrRegister for malformed input.
	ErrInvalidEmail = errors.New("invalid email")
)

// Error wraps a backend failure with the operation that hit it. Domain
// errors such as ErrUnknownSession are returned bare, never wrapped in Error.
type Error struct {
	Backend string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s store: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrapErr(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnknownSession) || errors.Is(err, ErrInvalidMessage) || errors.Is(err, ErrInvalidEmail) {
		return err
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Backend: backend, Op: op, Err: err}
}

// =============================================================================
// Helpers shared by backends
// =============================================================================

func newSession(id uuid.UUID, defaults SessionDefaults, now time.Time) Session {
	title := defaults.Title
	if title == "" {
		title = DefaultAutoTitle
	}
	return Session{
		ID:        id,
		Title:     title,
		Provider:  defaults.Provider,
		Model:     defaults.Model,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func validateMessage(msg NewMessage) error {
	if !msg.Role.Valid() {
		return fmt.Errorf("%w: role %q", ErrInvalidMessage, msg.Role)
	}
	return nil
}

// normalizeEmail lowercases email and derives the username from its local
// part, the text before "@".
func normalizeEmail(email string) (normalized, username string, err error) {
	normalized = strings.ToLower(strings.TrimSpace(email))
	at := strings.Index(normalized, "@")
	if at <= 0 || at == len(normalized)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}
	return normalized, normalized[:at], nil
}

// now is the store clock. UTC with microsecond precision so that every
// backend round-trips timestamps identically.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
