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
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/ChatGateway/services/gateway/datatypes"
	"github.com/AleutianAI/ChatGateway/services/gateway/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// SessionHandler serves session and history endpoints.
type SessionHandler struct {
	store    store.Store
	logger   *slog.Logger
	defaults store.SessionDefaults
}

// NewSessionHandler creates a SessionHandler. defaults fill sessions created
// through POST /api/sessions.
func NewSessionHandler(st store.Store, defaults store.SessionDefaults, logger *slog.Logger) *SessionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if defaults.Title == "" {
		defaults.Title = store.DefaultNewTitle
	}
	return &SessionHandler{store: st, logger: logger, defaults: defaults}
}

// ListSessions handles GET /api/sessions.
func (h *SessionHandler) ListSessions(c *gin.Context) {
	sessions, err := h.store.ListSessions(c.Request.Context())
	if err != nil {
		h.internalError(c, "list sessions", err)
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	c.JSON(http.StatusOK, sessions)
}

// CreateSession handles POST /api/sessions. The JSON body is optional.
func (h *SessionHandler) CreateSession(c *gin.Context) {
	var req datatypes.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request body"})
		return
	}

	defaults := h.defaults
	if req.Title != "" {
		defaults.Title = req.Title
	}
	if req.Provider != "" {
		defaults.Provider = req.Provider
	}
	if req.Model != "" {
		defaults.Model = req.Model
	}

	session, err := h.store.CreateSession(c.Request.Context(), defaults)
	if err != nil {
		h.internalError(c, "create session", err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

// ListMessages handles GET /api/sessions/:id/messages and the legacy
// GET /api/messages/:id.
func (h *SessionHandler) ListMessages(c *gin.Context) {
	id, ok := parseSessionID(c)
	if !ok {
		return
	}
	messages, err := h.store.ListMessages(c.Request.Context(), id)
	if errors.Is(err, store.ErrUnknownSession) {
		c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "session not found"})
		return
	}
	if err != nil {
		h.internalError(c, "list messages", err)
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	c.JSON(http.StatusOK, messages)
}

// DeleteSession handles DELETE /api/sessions/:id.
func (h *SessionHandler) DeleteSession(c *gin.Context) {
	id, ok := parseSessionID(c)
	if !ok {
		return
	}
	err := h.store.DeleteSession(c.Request.Context(), id)
	if errors.Is(err, store.ErrUnknownSession) {
		c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "session not found"})
		return
	}
	if err != nil {
		h.internalError(c, "delete session", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) internalError(c *gin.Context, op string, err error) {
	h.logger.Error("Session store failure", "op", op, "error", err)
	c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "internal server error"})
}

func parseSessionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid session id"})
		return uuid.Nil, false
	}
	return id, true
}
