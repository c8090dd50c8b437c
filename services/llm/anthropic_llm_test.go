// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// anthropicEvents is a minimal Messages streaming transcript.
var anthropicEvents = []struct{ name, data string }{
	{"message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude-test","stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":3,"output_tokens":1}}}`},
	{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
	{"ping", `{"type":"ping"}`},
	{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"he"}}`},
	{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"llo "}}`},
	{"content_block_stop", `{"type":"content_block_stop","index":0}`},
	{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":2}}`},
	{"message_stop", `{"type":"message_stop"}`},
}

func newMockAnthropicServer(t *testing.T, gotKey chan<- string, events []struct{ name, data string }) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			http.NotFound(w, r)
			return
		}
		if gotKey != nil {
			select {
			case gotKey <- r.Header.Get("X-Api-Key"):
			default:
			}
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range events {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, ev.data)
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestAnthropicProvider_Stream(t *testing.T) {
	t.Parallel()

	gotKey := make(chan string, 1)
	server := newMockAnthropicServer(t, gotKey, anthropicEvents)

	p, err := NewAnthropicProvider(ProviderConfig{Name: "claude", APIKey: "sk-ant-test", BaseURL: server.URL, Model: "claude-test"})
	require.NoError(t, err)

	stream, err := p.Stream(context.Background(), "hi", "default")
	require.NoError(t, err)
	defer stream.Close()

	fragments, err := drain(t, stream)
	require.NoError(t, err)
	assert.Equal(t, []string{"he", "llo "}, fragments)
	assert.Equal(t, "sk-ant-test", <-gotKey)
}

func TestAnthropicProvider_DroppedConnectionIsStreamError(t *testing.T) {
	t.Parallel()

	// Body ends after the first text delta, before message_delta/message_stop.
	server := newMockAnthropicServer(t, nil, anthropicEvents[:4])

	p, err := NewAnthropicProvider(ProviderConfig{Name: "claude", APIKey: "sk-ant-test", BaseURL: server.URL, Model: "claude-test"})
	require.NoError(t, err)

	stream, err := p.Stream(context.Background(), "hi", "default")
	require.NoError(t, err)
	defer stream.Close()

	fragments, err := drain(t, stream)
	assert.Equal(t, []string{"he"}, fragments)

	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "claude", se.Provider)
	assert.ErrorIs(t, err, errTruncated)
}

func TestAnthropicProvider_Defaults(t *testing.T) {
	t.Parallel()

	p, err := NewAnthropicProvider(ProviderConfig{Name: "claude", APIKey: "k"})
	require.NoError(t, err)

	assert.Equal(t, KindAnthropic, p.Kind())
	assert.Equal(t, "claude-3-5-haiku-latest", p.ResolveModel(""))
	assert.Equal(t, int64(defaultAnthropicMaxTokens), p.maxTokens)
}
