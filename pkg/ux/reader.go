// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bufio"
	"context"
	"errors"
	"io"
)

// ErrStreamTruncated is returned when the input ends before a terminal
// event. The gateway does this when it drops a turn.
var ErrStreamTruncated = errors.New("stream ended without a terminal event")

// StreamCallback receives each event in order. Returning an error stops
// reading.
type StreamCallback func(event StreamEvent) error

// =============================================================================
// Stream Reader Interface
// =============================================================================

// StreamReader reads a gateway event stream.
//
// # Example
//
//	reader := NewSSEStreamReader()
//	err := reader.Read(ctx, resp.Body, func(event StreamEvent) error {
//	    if event.Type == StreamEventDelta {
//	        fmt.Print(event.Delta)
//	    }
//	    return nil
//	})
type StreamReader interface {
	// Read invokes callback for every event until a terminal event, EOF,
	// cancellation or a callback error. The caller closes r.
	//
	// Reaching EOF without a terminal event returns ErrStreamTruncated.
	Read(ctx context.Context, r io.Reader, callback StreamCallback) error

	// ReadAll reads the whole stream into a StreamResult. A terminal error
	// event is reported in StreamResult.Error, not as the returned error.
	ReadAll(ctx context.Context, r io.Reader) (*StreamResult, error)
}

// =============================================================================
// SSE Stream Reader
// =============================================================================

type sseStreamReader struct {
	newParser func() SSEParser
}

// NewSSEStreamReader creates a reader that uses a fresh SSEParser per
// stream, so one reader may serve concurrent streams.
func NewSSEStreamReader() StreamReader {
	return &sseStreamReader{newParser: NewSSEParser}
}

func (r *sseStreamReader) Read(ctx context.Context, reader io.Reader, callback StreamCallback) error {
	parser := r.newParser()
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	index := 0

	emit := func(event *StreamEvent) (bool, error) {
		event.Index = index
		index++
		if err := callback(*event); err != nil {
			return true, err
		}
		return event.Type.IsTerminal(), nil
	}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		event, err := parser.ParseLine(scanner.Text())
		if err != nil {
			return err
		}
		if event == nil {
			continue
		}
		if stop, err := emit(event); stop {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}

	event, err := parser.Flush()
	if err != nil {
		return err
	}
	if event != nil {
		if stop, err := emit(event); stop {
			return err
		}
	}
	return ErrStreamTruncated
}

func (r *sseStreamReader) ReadAll(ctx context.Context, reader io.Reader) (*StreamResult, error) {
	builder := NewResultBuilder()
	err := r.Read(ctx, reader, func(event StreamEvent) error {
		builder.Add(event)
		return nil
	})
	return builder.Result(), err
}
