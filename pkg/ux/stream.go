// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides the terminal side of the chatgw CLI: reading the
// gateway's event stream and printing it.
package ux

import (
	"strings"
	"time"
)

// DoneMarker is the delta carried by the final event of a successful turn.
const DoneMarker = "[DONE]"

// StreamEventType identifies the kind of a StreamEvent.
type StreamEventType string

const (
	// StreamEventDelta carries one response fragment.
	StreamEventDelta StreamEventType = "delta"

	// StreamEventDone marks successful completion.
	StreamEventDone StreamEventType = "done"

	// StreamEventError carries a client-facing error message. Terminal.
	StreamEventError StreamEventType = "error"

	// StreamEventPing is a keep-alive comment.
	StreamEventPing StreamEventType = "ping"
)

// IsTerminal reports whether no further events follow t.
func (t StreamEventType) IsTerminal() bool {
	return t == StreamEventDone || t == StreamEventError
}

// StreamEvent is one parsed event of the stream.
type StreamEvent struct {
	// ID is the server-assigned event id, 0 for pings.
	ID int64

	// Index is the position among events seen by the reader, pings included.
	Index int

	Type  StreamEventType
	Delta string

	ReceivedAt time.Time
}

// StreamResult aggregates a whole stream.
type StreamResult struct {
	// Text is the concatenation of every delta before the terminal event.
	Text string

	Fragments int
	Pings     int

	// Done is true when the stream ended with DoneMarker.
	Done bool

	// Error holds the message of a terminal error event.
	Error string

	// TimeToFirstFragment is zero when no fragment arrived.
	TimeToFirstFragment time.Duration
	Duration            time.Duration
}

// HasError reports whether the stream ended with an error event.
func (r *StreamResult) HasError() bool {
	return r.Error != ""
}

// ResultBuilder folds events into a StreamResult.
type ResultBuilder struct {
	start  time.Time
	text   strings.Builder
	result StreamResult
}

// NewResultBuilder starts the clock used for TimeToFirstFragment and
// Duration.
func NewResultBuilder() *ResultBuilder {
	return &ResultBuilder{start: time.Now()}
}

// Add records one event.
func (b *ResultBuilder) Add(event StreamEvent) {
	switch event.Type {
	case StreamEventDelta:
		if b.result.Fragments == 0 {
			b.result.TimeToFirstFragment = event.ReceivedAt.Sub(b.start)
		}
		b.result.Fragments++
		b.text.WriteString(event.Delta)
	case StreamEventPing:
		b.result.Pings++
	case StreamEventDone:
		b.result.Done = true
	case StreamEventError:
		b.result.Error = event.Delta
	}
}

// Result returns the aggregate so far.
func (b *ResultBuilder) Result() *StreamResult {
	b.result.Text = b.text.String()
	b.result.Duration = time.Since(b.start)
	return &b.result
}
