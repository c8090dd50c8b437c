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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openAIChunk(content string) string {
	return openAIChoiceChunk(map[string]any{"index": 0, "delta": map[string]any{"content": content}})
}

// openAIFinishChunk is the last chunk OpenAI sends before [DONE].
func openAIFinishChunk() string {
	return openAIChoiceChunk(map[string]any{"index": 0, "delta": map[string]any{}, "finish_reason": "stop"})
}

func openAIChoiceChunk(choice map[string]any) string {
	chunk := map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion.chunk",
		"created": 1,
		"model":   "gpt-test",
		"choices": []map[string]any{choice},
	}
	data, _ := json.Marshal(chunk)
	return string(data)
}

// newMockOpenAIServer streams chunks followed by a finish chunk and [DONE].
func newMockOpenAIServer(t *testing.T, gotModel chan<- string, chunks ...string) *httptest.Server {
	t.Helper()
	return newRawOpenAIServer(t, gotModel, append(chunks, openAIFinishChunk(), "[DONE]")...)
}

// newRawOpenAIServer streams exactly the given data payloads.
func newRawOpenAIServer(t *testing.T, gotModel chan<- string, chunks ...string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if gotModel != nil {
			select {
			case gotModel <- req.Model:
			default:
			}
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestOpenAIProvider_Stream(t *testing.T) {
	t.Parallel()

	model := make(chan string, 1)
	server := newMockOpenAIServer(t, model, openAIChunk("he"), openAIChunk(""), openAIChunk("llo "))
	p, err := NewOpenAIProvider(ProviderConfig{Name: "openai", APIKey: "sk-test", BaseURL: server.URL + "/v1", Model: "gpt-test"})
	require.NoError(t, err)

	stream, err := p.Stream(context.Background(), "hi", DefaultModel)
	require.NoError(t, err)
	defer stream.Close()

	fragments, err := drain(t, stream)
	require.NoError(t, err)
	assert.Equal(t, []string{"he", "llo "}, fragments)
	assert.Equal(t, "gpt-test", <-model)
}

func TestOpenAIProvider_DroppedConnectionIsStreamError(t *testing.T) {
	t.Parallel()

	// No finish_reason and no [DONE]: the upstream went away mid-completion.
	server := newRawOpenAIServer(t, nil, openAIChunk("Hel"))
	p, err := NewOpenAIProvider(ProviderConfig{Name: "openai", APIKey: "sk-test", BaseURL: server.URL + "/v1", Model: "gpt-test"})
	require.NoError(t, err)

	stream, err := p.Stream(context.Background(), "hi", DefaultModel)
	require.NoError(t, err)
	defer stream.Close()

	fragments, err := drain(t, stream)
	assert.Equal(t, []string{"Hel"}, fragments)

	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "openai", se.Provider)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestOpenAIProvider_ModelHintIsForwarded(t *testing.T) {
	t.Parallel()

	model := make(chan string, 1)
	server := newMockOpenAIServer(t, model, openAIChunk("ok"))
	p, err := NewOpenAIProvider(ProviderConfig{Name: "openai", APIKey: "sk-test", BaseURL: server.URL + "/v1"})
	require.NoError(t, err)

	stream, err := p.Stream(context.Background(), "hi", "gpt-4o")
	require.NoError(t, err)
	_, err = drain(t, stream)
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	assert.Equal(t, "gpt-4o", <-model)
	assert.Equal(t, "gpt-4o-mini", p.ResolveModel(""))
}

func TestOpenAIProvider_OpenFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	t.Cleanup(server.Close)

	p, err := NewOpenAIProvider(ProviderConfig{Name: "openai", APIKey: "sk-test", BaseURL: server.URL + "/v1"})
	require.NoError(t, err)

	stream, err := p.Stream(context.Background(), "hi", "")
	assert.Nil(t, stream)

	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "openai", se.Provider)
}

func TestNewOpenAIProvider_MissingKey(t *testing.T) {
	withSecretsDir(t, t.TempDir())
	t.Setenv("CHATGW_TEST_OPENAI_KEY", "")

	_, err := NewOpenAIProvider(ProviderConfig{Name: "openai", APIKeyEnv: "CHATGW_TEST_OPENAI_KEY"})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}
