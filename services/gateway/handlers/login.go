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
)

// LoginHandler registers users on first login. There is no password: the
// gateway trusts whatever sits in front of it to authenticate.
type LoginHandler struct {
	store  store.Store
	logger *slog.Logger
}

// NewLoginHandler creates a LoginHandler.
func NewLoginHandler(st store.Store, logger *slog.Logger) *LoginHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoginHandler{store: st, logger: logger}
}

// HandleLogin handles POST /api/login with the email in the query string
// or a JSON body. Unknown emails are registered.
func (h *LoginHandler) HandleLogin(c *gin.Context) {
	var req datatypes.LoginRequest
	if email, ok := c.GetQuery("email"); ok {
		req.Email = email
	} else if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request body"})
		return
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "a valid email is required"})
		return
	}

	user, created, err := h.store.LoginOrRegister(c.Request.Context(), req.Email)
	if errors.Is(err, store.ErrInvalidEmail) {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "a valid email is required"})
		return
	}
	if err != nil {
		h.logger.Error("Login failed", "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "internal server error"})
		return
	}
	if created {
		h.logger.Info("User registered", "user_id", user.ID.String())
	}
	c.JSON(http.StatusOK, user)
}
