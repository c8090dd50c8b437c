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
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/ChatGateway/services/gateway/datatypes"
	"github.com/AleutianAI/ChatGateway/services/gateway/store"
	"github.com/AleutianAI/ChatGateway/services/gateway/streaming"
	"github.com/AleutianAI/ChatGateway/services/llm"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testEnv is a router over an in-memory store and scripted providers.
type testEnv struct {
	store  *store.MemoryStore
	ws     *WebSocketHandler
	router *gin.Engine
}

func newTestEnv(t *testing.T, heartbeat time.Duration, providers ...llm.ProviderConfig) *testEnv {
	t.Helper()
	if len(providers) == 0 {
		providers = []llm.ProviderConfig{{
			Name:      "gemini",
			Kind:      llm.KindScripted,
			Model:     "gemini-test",
			Fragments: []string{"he", "llo "},
		}}
	}
	var ps []llm.Provider
	for _, cfg := range providers {
		ps = append(ps, llm.NewScriptedProvider(cfg))
	}
	registry, err := llm.NewRegistry(ps...)
	require.NoError(t, err)

	st := store.NewMemoryStore()
	orch, err := streaming.New(st, registry, streaming.Config{}, streaming.WithLogger(quietLogger()))
	require.NoError(t, err)

	stream := NewStreamHandler(orch, nil, quietLogger(), heartbeat)
	ws := NewWebSocketHandler(orch, nil, quietLogger(), heartbeat, nil)
	sessions := NewSessionHandler(st, store.SessionDefaults{Provider: "gemini", Model: "gemini-pro"}, quietLogger())
	login := NewLoginHandler(st, quietLogger())

	r := gin.New()
	r.GET("/api/stream", stream.HandleStream)
	r.GET("/api/ws", ws.HandleWebSocket)
	r.GET("/api/sessions", sessions.ListSessions)
	r.POST("/api/sessions", sessions.CreateSession)
	r.GET("/api/sessions/:id/messages", sessions.ListMessages)
	r.DELETE("/api/sessions/:id", sessions.DeleteSession)
	r.GET("/api/messages/:id", sessions.ListMessages)
	r.POST("/api/login", login.HandleLogin)
	r.GET("/healthz", HealthCheck(st, registry.Names))

	return &testEnv{store: st, ws: ws, router: r}
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func streamURL(params map[string]string) string {
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	return "/api/stream?" + q.Encode()
}

// sseEvent is one parsed Server-Sent Event.
type sseEvent struct {
	Event string
	ID    string
	Delta string
}

// parseSSE splits body into events, dropping comment-only blocks.
func parseSSE(t *testing.T, body string) (events []sseEvent, comments int) {
	t.Helper()
	for _, block := range strings.Split(body, "\n\n") {
		if strings.TrimSpace(block) == "" {
			continue
		}
		var ev sseEvent
		hasData := false
		for _, line := range strings.Split(block, "\n") {
			switch {
			case line == ": error":
				ev.Event = "error"
			case strings.HasPrefix(line, ":"):
				comments++
			case strings.HasPrefix(line, "event: "):
				ev.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "id: "):
				ev.ID = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "data: "):
				var payload datatypes.DeltaPayload
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &payload))
				ev.Delta = payload.Delta
				hasData = true
			}
		}
		if hasData {
			events = append(events, ev)
		}
	}
	return events, comments
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}
