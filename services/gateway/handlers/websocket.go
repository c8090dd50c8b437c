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
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/ChatGateway/services/gateway/datatypes"
	"github.com/AleutianAI/ChatGateway/services/gateway/middleware"
	"github.com/AleutianAI/ChatGateway/services/gateway/observability"
	"github.com/AleutianAI/ChatGateway/services/gateway/streaming"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout  = 10 * time.Second
	wsMaxMessage    = datatypes.MaxPromptBytes + 4*1024
	wsPendingPrompt = 4
)

// Frame types on the WebSocket transport.
const (
	FrameDelta = "delta"
	FrameError = "error"
	FrameDone  = "done"
)

// WebSocketHandler serves GET /api/ws. Clients send WSStreamRequest JSON
// messages; each is run as a turn and answered with WSFrame messages ending
// in one "error" or "done" frame. Turns on one connection run in order.
//
// # Shutdown
//
// Upgraded connections are not tracked by http.Server.Shutdown. Shutdown
// tells every connection to close once its current turn has ended, and Wait
// blocks until they have.
type WebSocketHandler struct {
	runner    Runner
	metrics   *observability.StreamingMetrics
	logger    *slog.Logger
	heartbeat time.Duration
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	closed  bool
	closing chan struct{}
	active  sync.WaitGroup
}

// NewWebSocketHandler creates a WebSocketHandler. allowedOrigins is checked
// on upgrade with the same rules as the CORS middleware.
func NewWebSocketHandler(runner Runner, metrics *observability.StreamingMetrics, logger *slog.Logger, heartbeat time.Duration, allowedOrigins []string) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	return &WebSocketHandler{
		runner:    runner,
		metrics:   metrics,
		logger:    logger,
		heartbeat: heartbeat,
		closing:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     middleware.NewOriginPolicy(allowedOrigins).Allows,
		},
	}
}

// Shutdown stops accepting connections and asks open ones to close after
// their current turn. It is safe to call more than once.
func (h *WebSocketHandler) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.closing)
	}
}

// Wait blocks until every connection served by h has closed, or ctx ends.
func (h *WebSocketHandler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("websocket connections still open: %w", ctx.Err())
	}
}

func (h *WebSocketHandler) enter() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.active.Add(1)
	return true
}

// HandleWebSocket upgrades the connection and serves turns until the client
// closes it or the handler shuts down.
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	if !h.enter() {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		return
	}
	defer h.active.Done()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade websocket", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxMessage)

	// The request context ends with the handler; the connection context ends
	// when the peer goes away.
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sink := &wsSink{conn: conn}
	pending := make(chan datatypes.WSStreamRequest, wsPendingPrompt)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		h.readLoop(ctx, conn, pending)
	}()
	go func() {
		defer wg.Done()
		h.pingLoop(ctx, conn)
	}()

	hangUp := func(code int) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""),
			time.Now().Add(time.Second))
		conn.Close()
		cancel()
		wg.Wait()
	}

	h.logger.Debug("Websocket client connected", "remote", c.ClientIP())
	for {
		select {
		case <-ctx.Done():
			hangUp(websocket.CloseNormalClosure)
			return
		case <-h.closing:
			hangUp(websocket.CloseGoingAway)
			return
		case req := <-pending:
			if err := req.Validate(); err != nil {
				if sink.Send(ctx, streaming.Event{Kind: streaming.EventError, Delta: "Invalid request: " + err.Error()}) != nil {
					cancel()
				}
				continue
			}
			h.runner.Run(ctx, streaming.Request{
				SessionID: req.SessionID,
				Provider:  req.Provider,
				Model:     req.Model,
				Prompt:    *req.Prompt,
				Endpoint:  observability.EndpointWebSocket,
			}, sink)
		}
	}
}

// readLoop decodes prompts until the peer closes the connection or floods
// it with more prompts than can be queued.
func (h *WebSocketHandler) readLoop(ctx context.Context, conn *websocket.Conn, pending chan<- datatypes.WSStreamRequest) {
	for {
		var req datatypes.WSStreamRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("Websocket read failed", "error", err)
			}
			return
		}
		select {
		case pending <- req:
		case <-ctx.Done():
			return
		default:
			h.logger.Warn("Websocket client exceeded pending prompt limit", "limit", wsPendingPrompt)
			return
		}
	}
}

func (h *WebSocketHandler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
			h.metrics.RecordKeepAlive(observability.EndpointWebSocket)
		}
	}
}

// wsSink writes turn events as WSFrame messages. gorilla/websocket allows a
// single concurrent writer, so data frames are serialized here; control
// frames go through WriteControl which is safe alongside them.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) Send(ctx context.Context, event streaming.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame := datatypes.WSFrame{Delta: event.Payload()}
	switch event.Kind {
	case streaming.EventError:
		frame.Type = FrameError
	case streaming.EventDone:
		frame.Type = FrameDone
	default:
		frame.Type = FrameDelta
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(frame)
}
