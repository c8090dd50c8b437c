// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AleutianAI/ChatGateway/pkg/telemetry"
	"github.com/AleutianAI/ChatGateway/pkg/ux"
	"github.com/AleutianAI/ChatGateway/services/gateway"
	"github.com/AleutianAI/ChatGateway/services/gateway/datatypes"
	"github.com/AleutianAI/ChatGateway/services/gateway/store"
	"github.com/AleutianAI/ChatGateway/services/llm"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGateway(t *testing.T) *Client {
	t.Helper()
	cfg := gateway.Config{
		Port:    -1,
		GinMode: gin.TestMode,
		DataDir: t.TempDir(),
		Store:   store.Config{Driver: store.DriverMemory},
		Providers: []llm.ProviderConfig{{
			Name:      "gemini",
			Kind:      llm.KindScripted,
			Fragments: []string{"Hello", ", world"},
		}},
		Telemetry: telemetry.Config{
			TraceExporter:  telemetry.ExporterNone,
			MetricExporter: telemetry.ExporterNone,
		},
	}
	svc, err := gateway.New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	srv := httptest.NewServer(svc.Router())
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", srv.Client())
}

func TestClient_StreamThenInspectSession(t *testing.T) {
	c := newGateway(t)
	ctx := context.Background()
	id := uuid.New()

	var deltas []string
	result, err := c.Stream(ctx, StreamRequest{SessionID: id, Prompt: "hi"}, func(e ux.StreamEvent) error {
		if e.Type == ux.StreamEventDelta {
			deltas = append(deltas, e.Delta)
		}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, result.Done)
	assert.Equal(t, "Hello, world", result.Text)
	assert.Equal(t, []string{"Hello", ", world"}, deltas)

	sessions, err := c.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, id, sessions[0].ID)
	assert.Equal(t, store.DefaultAutoTitle, sessions[0].Title)

	msgs, err := c.ListMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello, world", msgs[1].Content)

	require.NoError(t, c.DeleteSession(ctx, id))
	err = c.DeleteSession(ctx, id)
	assert.True(t, IsNotFound(err))
}

func TestClient_StreamErrorEvent(t *testing.T) {
	c := newGateway(t)

	result, err := c.Stream(context.Background(), StreamRequest{
		SessionID: uuid.New(),
		Prompt:    "hi",
		Provider:  "llama-corp",
	}, nil)

	require.NoError(t, err)
	assert.False(t, result.Done)
	assert.Equal(t, "Unsupported provider 'llama-corp'", result.Error)
}

func TestClient_CreateSessionAndHealth(t *testing.T) {
	c := newGateway(t)
	ctx := context.Background()

	session, err := c.CreateSession(ctx, datatypes.CreateSessionRequest{Title: "Notes"})
	require.NoError(t, err)
	assert.Equal(t, "Notes", session.Title)

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health["status"])
}

func TestCheckStatus_CarriesServerMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"session_id and prompt are required"}`)
	}))
	defer srv.Close()

	_, err := New(srv.URL, nil).ListSessions(context.Background())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "session_id and prompt are required", apiErr.Message)
	assert.False(t, IsNotFound(err))
}
