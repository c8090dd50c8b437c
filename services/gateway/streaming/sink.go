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

import "context"

// DoneMarker is the delta of the terminal success event.
const DoneMarker = "[DONE]"

// EventKind distinguishes the events of a turn.
type EventKind int

const (
	// EventDelta carries one completion fragment.
	EventDelta EventKind = iota
	// EventError carries a client-safe error message and ends the stream.
	EventError
	// EventDone ends a successful stream.
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventDelta:
		return "delta"
	case EventError:
		return "error"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is one message relayed to the client.
type Event struct {
	Kind  EventKind
	Delta string
}

// Terminal reports whether e ends the stream.
func (e Event) Terminal() bool {
	return e.Kind != EventDelta
}

// Payload is the delta text on the wire: the fragment, the error message,
// or DoneMarker.
func (e Event) Payload() string {
	if e.Kind == EventDone {
		return DoneMarker
	}
	return e.Delta
}

// Sink delivers events to one client.
//
// Send returns only after the event has been handed to the transport, which
// is what paces the provider. A non-nil error means the client is gone.
// Implementations must tolerate concurrent Send calls from keep-alive
// goroutines owned by the transport.
type Sink interface {
	Send(ctx context.Context, event Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Send(ctx context.Context, event Event) error {
	return f(ctx, event)
}
