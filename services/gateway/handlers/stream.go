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
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/ChatGateway/services/gateway/datatypes"
	"github.com/AleutianAI/ChatGateway/services/gateway/observability"
	"github.com/AleutianAI/ChatGateway/services/gateway/streaming"
	"github.com/gin-gonic/gin"
)

// DefaultHeartbeatInterval is how often an idle stream gets a keep-alive.
const DefaultHeartbeatInterval = 15 * time.Second

// Runner runs one streaming turn. *streaming.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, req streaming.Request, sink streaming.Sink) streaming.Result
}

// StreamHandler serves the SSE chat stream.
type StreamHandler struct {
	runner    Runner
	metrics   *observability.StreamingMetrics
	logger    *slog.Logger
	heartbeat time.Duration
}

// NewStreamHandler creates a StreamHandler. A non-positive heartbeat uses
// DefaultHeartbeatInterval.
func NewStreamHandler(runner Runner, metrics *observability.StreamingMetrics, logger *slog.Logger, heartbeat time.Duration) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	return &StreamHandler{runner: runner, metrics: metrics, logger: logger, heartbeat: heartbeat}
}

// HandleStream handles GET /api/stream.
//
// # Description
//
// Binds session_id, provider, model and prompt from the query string and
// streams the turn as Server-Sent Events. A missing session_id or prompt key
// is rejected with 400 before the stream opens; everything else, including a
// malformed session id, is reported as an in-stream error event.
func (h *StreamHandler) HandleStream(c *gin.Context) {
	var query datatypes.StreamQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid query parameters"})
		return
	}
	if _, ok := c.GetQuery("session_id"); !ok {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "session_id is required"})
		return
	}
	if _, ok := c.GetQuery("prompt"); !ok {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: datatypes.ErrPromptMissing.Error()})
		return
	}
	if err := query.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "query parameter out of bounds"})
		return
	}

	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		h.logger.Error("Failed to create SSE writer", "error", err)
		h.metrics.RecordError(observability.EndpointSSE, observability.ErrorCodeInternal)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "Streaming not supported"})
		return
	}
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	stop := h.startHeartbeat(ctx, writer, observability.EndpointSSE)
	defer stop()

	h.runner.Run(ctx, streaming.Request{
		SessionID: query.SessionID,
		Provider:  query.Provider,
		Model:     query.Model,
		Prompt:    query.Prompt,
		Endpoint:  observability.EndpointSSE,
	}, writer)
}

// startHeartbeat writes keep-alives until the returned stop is called.
// stop waits for the goroutine so nothing is written after the handler
// returns.
func (h *StreamHandler) startHeartbeat(ctx context.Context, writer SSEWriter, endpoint observability.Endpoint) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(h.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := writer.WriteKeepAlive(); err != nil {
					h.logger.Debug("Failed to write keepalive", "error", err)
					return
				}
				h.metrics.RecordKeepAlive(endpoint)
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
