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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// SSE Parser Interface
// =============================================================================

// SSEParser assembles Server-Sent Events from individual lines.
//
// The gateway writes one event per block:
//
//	: error
//	id: 3
//	data: {"delta":"Internal server error"}
//
// The ": error" comment is present only for errors; an "event: error" field
// is accepted as well. A data payload of "[DONE]" marks completion. A
// standalone ": ping" comment is a keep-alive.
//
// # Thread Safety
//
// A parser holds the fields of the event being assembled and must not be
// shared between streams.
type SSEParser interface {
	// ParseLine consumes one line without its trailing newline.
	//
	// # Outputs
	//
	// A non-nil event when the line completes one (a blank line after data,
	// or a keep-alive comment). Nil otherwise.
	ParseLine(line string) (*StreamEvent, error)

	// Flush returns an event left open when the input ended without a
	// trailing blank line.
	Flush() (*StreamEvent, error)
}

// =============================================================================
// SSE Parser Implementation
// =============================================================================

type sseParser struct {
	id      int64
	event   string
	data    []string
	hasData bool
}

// NewSSEParser creates a parser for one stream.
func NewSSEParser() SSEParser {
	return &sseParser{}
}

func (p *sseParser) ParseLine(line string) (*StreamEvent, error) {
	line = strings.TrimRight(line, "\r")

	if line == "" {
		return p.dispatch()
	}

	if strings.HasPrefix(line, ":") {
		switch strings.TrimSpace(line[1:]) {
		case "ping":
			return &StreamEvent{Type: StreamEventPing, ReceivedAt: time.Now()}, nil
		case string(StreamEventError):
			p.event = string(StreamEventError)
		}
		return nil, nil
	}

	field, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")

	switch field {
	case "id":
		id, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid event id %q: %w", value, err)
		}
		p.id = id
	case "event":
		p.event = value
	case "data":
		p.data = append(p.data, value)
		p.hasData = true
	}
	return nil, nil
}

func (p *sseParser) Flush() (*StreamEvent, error) {
	return p.dispatch()
}

// dispatch turns the accumulated fields into an event and resets them.
func (p *sseParser) dispatch() (*StreamEvent, error) {
	if !p.hasData {
		p.reset()
		return nil, nil
	}
	defer p.reset()

	var payload struct {
		Delta string `json:"delta"`
	}
	raw := strings.Join(p.data, "\n")
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("invalid event payload %q: %w", raw, err)
	}

	event := &StreamEvent{
		ID:         p.id,
		Type:       StreamEventDelta,
		Delta:      payload.Delta,
		ReceivedAt: time.Now(),
	}
	switch {
	case p.event == string(StreamEventError):
		event.Type = StreamEventError
	case payload.Delta == DoneMarker:
		event.Type = StreamEventDone
	}
	return event, nil
}

func (p *sseParser) reset() {
	p.id = 0
	p.event = ""
	p.data = p.data[:0]
	p.hasData = false
}

var _ SSEParser = (*sseParser)(nil)
