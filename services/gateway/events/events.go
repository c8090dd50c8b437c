// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events publishes a summary of every finished streaming turn so
// that downstream consumers (analytics, audit, title generation) can react
// without sitting on the request path.
package events

import (
	"context"
	"time"
)

// Outcome is how a turn ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeAborted   Outcome = "aborted"
)

// TurnEvent summarizes one streaming turn.
type TurnEvent struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id,omitempty"`
	Endpoint   string    `json:"endpoint"`
	Provider   string    `json:"provider,omitempty"`
	Model      string    `json:"model,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	State      string    `json:"state"`
	Fragments  int       `json:"fragments"`
	Bytes      int       `json:"bytes"`
	Error      string    `json:"error,omitempty"`
	Durable    bool      `json:"durable"`
	DurationMS int64     `json:"duration_ms"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher delivers turn events. Implementations must be safe for
// concurrent use. Publishing is best effort: callers log failures and carry
// on.
type Publisher interface {
	PublishTurn(ctx context.Context, event TurnEvent) error
	Close() error
}

// NoopPublisher discards every event.
type NoopPublisher struct{}

func (NoopPublisher) PublishTurn(context.Context, TurnEvent) error { return nil }
func (NoopPublisher) Close() error                                  { return nil }

var _ Publisher = NoopPublisher{}
