// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/ChatGateway/pkg/telemetry"
	"github.com/AleutianAI/ChatGateway/services/gateway/events"
	"github.com/AleutianAI/ChatGateway/services/gateway/store"
	"github.com/AleutianAI/ChatGateway/services/llm"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Port:    -1,
		GinMode: gin.TestMode,
		DataDir: t.TempDir(),
		Store:   store.Config{Driver: store.DriverMemory},
		Providers: []llm.ProviderConfig{{
			Name:      "gemini",
			Kind:      llm.KindScripted,
			Model:     "gemini-test",
			Fragments: []string{"Hello", ", world"},
		}},
		Telemetry: telemetry.Config{
			TraceExporter:  telemetry.ExporterNone,
			MetricExporter: telemetry.ExporterNone,
		},
	}
}

func TestApplyConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 12230, cfg.Port)
	assert.Equal(t, store.DriverBadger, cfg.Store.Driver)
	assert.Equal(t, "./data/badger", cfg.Store.Badger.Path)
	assert.Equal(t, "./data/chatgw.db", cfg.Store.SQLite.Path)
	assert.Equal(t, 15*time.Second, cfg.Heartbeat)
	assert.Equal(t, "New Chat", cfg.Sessions.Title)
	assert.Equal(t, "gemini", cfg.Sessions.Provider)
	assert.Equal(t, "gemini-pro", cfg.Sessions.Model)
	assert.Len(t, cfg.Providers, 3)
	assert.Equal(t, "chatgw", cfg.Telemetry.ServiceName)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Greater(t, cfg.RateLimit.RequestsPerSecond, 0.0)

	random := applyConfigDefaults(Config{Port: -1})
	assert.Equal(t, 0, random.Port)
}

func TestNew_ServesFullTurn(t *testing.T) {
	svc, err := New(context.Background(), testConfig(t), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, svc.Close()) })

	id := uuid.New()
	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stream?session_id="+id.String()+"&prompt=hi", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `data: {"delta":"Hello"}`)
	assert.Contains(t, w.Body.String(), `data: {"delta":"[DONE]"}`)

	w = httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sessions/"+id.String()+"/messages", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var msgs []store.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello, world", msgs[1].Content)
	assert.Equal(t, "gemini-test", msgs[1].Model)

	w = httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "chatgw_store_operation_duration_seconds")
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestNew_UnknownStoreDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "cassandra"

	_, err := New(context.Background(), cfg, quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initialize store")
}

func TestNew_UnreachableNATSDisablesEvents(t *testing.T) {
	cfg := testConfig(t)
	cfg.Events.NATS = events.NATSConfig{URL: "nats://127.0.0.1:1"}

	svc, err := New(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer svc.Close()

	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stream?session_id="+uuid.NewString()+"&prompt=hi", nil))
	assert.Contains(t, w.Body.String(), `[DONE]`)
}

func TestNew_EmbeddedNATSReceivesTurnEvents(t *testing.T) {
	cfg := testConfig(t)
	cfg.Events.Embedded = events.EmbeddedConfig{Enabled: true, Port: -1}

	svc, err := New(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer svc.Close()

	s := svc.(*service)
	require.NotNil(t, s.embedded)
	require.IsType(t, &events.AsyncPublisher{}, s.publisher)

	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stream?session_id="+uuid.NewString()+"&prompt=hi", nil))
	require.Contains(t, w.Body.String(), `[DONE]`)

	nc, err := nats.Connect(s.embedded.ClientURL())
	require.NoError(t, err)
	defer nc.Close()
	js, err := jetstream.New(nc)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := js.Stream(ctx, "CHATGW")
	require.NoError(t, err)
	var msg *jetstream.RawStreamMsg
	require.Eventually(t, func() bool {
		msg, err = stream.GetMsg(ctx, 1)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "chatgw.turn.completed", msg.Subject)

	var event events.TurnEvent
	require.NoError(t, json.Unmarshal(msg.Data, &event))
	assert.Equal(t, "gemini", event.Provider)
	assert.Equal(t, 2, event.Fragments)
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	svc, err := New(context.Background(), testConfig(t), quietLogger())
	require.NoError(t, err)
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	addrOf := svc.(interface{ Addr() net.Addr })
	require.Eventually(t, func() bool { return addrOf.Addr() != nil }, 2*time.Second, 10*time.Millisecond)

	url := fmt.Sprintf("http://%s/api/stream?session_id=%s&prompt=hi", addrOf.Addr().String(), uuid.NewString())
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "data: ") {
			lines = append(lines, line)
		}
	}
	assert.Equal(t, []string{
		`data: {"delta":"Hello"}`,
		`data: {"delta":", world"}`,
		`data: {"delta":"[DONE]"}`,
	}, lines)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRun_CancelDrainsInFlightStream(t *testing.T) {
	cfg := testConfig(t)
	cfg.Providers[0].Fragments = []string{"a", "b", "c", "d"}
	cfg.Providers[0].Delay = 100 * time.Millisecond
	cfg.ShutdownTimeout = 5 * time.Second

	svc, err := New(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	addrOf := svc.(interface{ Addr() net.Addr })
	require.Eventually(t, func() bool { return addrOf.Addr() != nil }, 2*time.Second, 10*time.Millisecond)

	url := fmt.Sprintf("http://%s/api/stream?session_id=%s&prompt=hi", addrOf.Addr().String(), uuid.NewString())
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		if len(lines) == 0 {
			cancel()
		}
		lines = append(lines, line)
	}
	assert.Equal(t, []string{
		`data: {"delta":"a"}`,
		`data: {"delta":"b"}`,
		`data: {"delta":"c"}`,
		`data: {"delta":"d"}`,
		`data: {"delta":"[DONE]"}`,
	}, lines)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after draining")
	}
}
