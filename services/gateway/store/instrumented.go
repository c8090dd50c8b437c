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
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("chatgw.store")

// Observer receives the outcome of every store call.
type Observer func(op string, elapsed time.Duration, err error)

type instrumented struct {
	next    Store
	observe Observer
}

// Instrument wraps s so that every call is traced and reported to observe.
// A nil observe only traces.
func Instrument(s Store, observe Observer) Store {
	if observe == nil {
		observe = func(string, time.Duration, error) {}
	}
	return &instrumented{next: s, observe: observe}
}

func (i *instrumented) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := tracer.Start(ctx, "store."+op, trace.WithAttributes(attrs...))
	began := time.Now()
	return ctx, func(err error) {
		i.observe(op, time.Since(began), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func sessionAttr(id uuid.UUID) attribute.KeyValue {
	return attribute.String("session_id", id.String())
}

func (i *instrumented) GetOrCreateSession(ctx context.Context, id uuid.UUID, defaults SessionDefaults) (Session, bool, error) {
	ctx, done := i.start(ctx, "get_or_create_session", sessionAttr(id))
	s, created, err := i.next.GetOrCreateSession(ctx, id, defaults)
	done(err)
	return s, created, err
}

func (i *instrumented) CreateSession(ctx context.Context, defaults SessionDefaults) (Session, error) {
	ctx, done := i.start(ctx, "create_session")
	s, err := i.next.CreateSession(ctx, defaults)
	done(err)
	return s, err
}

func (i *instrumented) GetSession(ctx context.Context, id uuid.UUID) (Session, error) {
	ctx, done := i.start(ctx, "get_session", sessionAttr(id))
	s, err := i.next.GetSession(ctx, id)
	done(err)
	return s, err
}

func (i *instrumented) AppendMessage(ctx context.Context, msg NewMessage) (Message, error) {
	ctx, done := i.start(ctx, "append_message",
		sessionAttr(msg.SessionID),
		attribute.String("role", string(msg.Role)),
		attribute.Int("content_bytes", len(msg.Content)),
	)
	m, err := i.next.AppendMessage(ctx, msg)
	done(err)
	return m, err
}

func (i *instrumented) ListSessions(ctx context.Context) ([]Session, error) {
	ctx, done := i.start(ctx, "list_sessions")
	s, err := i.next.ListSessions(ctx)
	done(err)
	return s, err
}

func (i *instrumented) ListMessages(ctx context.Context, sessionID uuid.UUID) ([]Message, error) {
	ctx, done := i.start(ctx, "list_messages", sessionAttr(sessionID))
	m, err := i.next.ListMessages(ctx, sessionID)
	done(err)
	return m, err
}

func (i *instrumented) DeleteSession(ctx context.Context, id uuid.UUID) error {
	ctx, done := i.start(ctx, "delete_session", sessionAttr(id))
	err := i.next.DeleteSession(ctx, id)
	done(err)
	return err
}

func (i *instrumented) LoginOrRegister(ctx context.Context, email string) (User, bool, error) {
	ctx, done := i.start(ctx, "login")
	u, created, err := i.next.LoginOrRegister(ctx, email)
	done(err)
	return u, created, err
}

func (i *instrumented) Ping(ctx context.Context) error {
	ctx, done := i.start(ctx, "ping")
	err := i.next.Ping(ctx)
	done(err)
	return err
}

func (i *instrumented) Close() error {
	return i.next.Close()
}

var _ Store = (*instrumented)(nil)
