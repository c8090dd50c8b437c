// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the request and response bodies of the gateway API.
package datatypes

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxPromptBytes bounds a single prompt.
const MaxPromptBytes = 256 * 1024

// ErrPromptMissing is returned when a request carries no prompt field at
// all. An empty prompt is valid.
var ErrPromptMissing = errors.New("prompt is required")

// =============================================================================
// Shared Validator Instance
// =============================================================================

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	_ = validate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks byte length, not rune count.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxPromptBytes
}

// =============================================================================
// Streaming
// =============================================================================

// StreamQuery is the query string of GET /api/stream. SessionID and
// Provider are checked by the orchestrator so a malformed id or an unknown
// provider is reported in-stream.
type StreamQuery struct {
	SessionID string `form:"session_id"`
	Provider  string `form:"provider"`
	Model     string `form:"model" validate:"max=128"`
	Prompt    string `form:"prompt" validate:"maxbytes"`
}

// Validate checks field bounds.
func (q *StreamQuery) Validate() error {
	return validate.Struct(q)
}

// WSStreamRequest is one prompt sent over the WebSocket transport.
type WSStreamRequest struct {
	SessionID string  `json:"session_id"`
	Provider  string  `json:"provider"`
	Model     string  `json:"model" validate:"max=128"`
	Prompt    *string `json:"prompt" validate:"omitnil,maxbytes"`
}

// Validate checks that a prompt key was sent and field bounds.
func (r *WSStreamRequest) Validate() error {
	if r.Prompt == nil {
		return ErrPromptMissing
	}
	return validate.Struct(r)
}

// WSFrame is one event sent over the WebSocket transport.
type WSFrame struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
}

// DeltaPayload is the JSON body of every SSE data line.
type DeltaPayload struct {
	Delta string `json:"delta"`
}

// =============================================================================
// Sessions
// =============================================================================

// CreateSessionRequest is the optional body of POST /api/sessions.
type CreateSessionRequest struct {
	Title    string `json:"title" validate:"max=200"`
	Provider string `json:"provider" validate:"max=64"`
	Model    string `json:"model" validate:"max=128"`
}

// Validate checks field bounds.
func (r *CreateSessionRequest) Validate() error {
	return validate.Struct(r)
}

// =============================================================================
// Login
// =============================================================================

// LoginRequest carries the email of POST /api/login.
type LoginRequest struct {
	Email string `json:"email" form:"email" validate:"required,email,max=254"`
}

// Normalize trims surrounding whitespace.
func (r *LoginRequest) Normalize() {
	r.Email = strings.TrimSpace(r.Email)
}

// Validate checks that Email is present and well formed.
func (r *LoginRequest) Validate() error {
	return validate.Struct(r)
}

// =============================================================================
// Errors
// =============================================================================

// ErrorResponse is the body of every non-streaming error.
type ErrorResponse struct {
	Error string `json:"error"`
}
