// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/AleutianAI/ChatGateway/services/gateway/datatypes"
	"github.com/AleutianAI/ChatGateway/services/gateway/streaming"
)

// ErrStreamClosed is returned by writes after the terminal event.
var ErrStreamClosed = errors.New("sse stream already terminated")

// =============================================================================
// Interface
// =============================================================================

// SSEWriter writes Server-Sent Events to an HTTP response.
//
// # Description
//
// Every event is a single data line holding {"delta": ...} and uses the
// default message type, so an EventSource onmessage handler sees error text
// too. Error events are preceded by an ": error" comment, which browsers
// ignore and the chatgw client uses to tell them apart. Each event gets an
// increasing id line.
//
// # Thread Safety
//
// Safe for concurrent use; keep-alives are written from a separate goroutine.
type SSEWriter interface {
	streaming.Sink

	// WriteEvent writes one event and flushes it.
	WriteEvent(event streaming.Event) error

	// WriteKeepAlive writes the ": ping" comment.
	WriteKeepAlive() error
}

// =============================================================================
// Implementation
// =============================================================================

type sseWriter struct {
	mu         sync.Mutex
	writer     http.ResponseWriter
	flusher    http.Flusher
	seq        uint64
	terminated bool
}

// NewSSEWriter wraps w, which must support http.Flusher.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (w *sseWriter) Send(ctx context.Context, event streaming.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return w.WriteEvent(event)
}

func (w *sseWriter) WriteEvent(event streaming.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.terminated {
		return ErrStreamClosed
	}

	data, err := json.Marshal(datatypes.DeltaPayload{Delta: event.Payload()})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	w.seq++
	if event.Kind == streaming.EventError {
		_, err = fmt.Fprintf(w.writer, ": error\nid: %d\ndata: %s\n\n", w.seq, data)
	} else {
		_, err = fmt.Fprintf(w.writer, "id: %d\ndata: %s\n\n", w.seq, data)
	}
	if err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()

	if event.Terminal() {
		w.terminated = true
	}
	return nil
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.terminated {
		return ErrStreamClosed
	}
	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// SetSSEHeaders sets the headers of an event stream response, including the
// one that turns off proxy buffering.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
