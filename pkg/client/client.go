// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package client calls a running chat gateway over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/AleutianAI/ChatGateway/pkg/telemetry"
	"github.com/AleutianAI/ChatGateway/pkg/ux"
	"github.com/AleutianAI/ChatGateway/services/gateway/datatypes"
	"github.com/AleutianAI/ChatGateway/services/gateway/store"
	"github.com/google/uuid"
)

// DefaultBaseURL is where "chatgw serve" listens by default.
const DefaultBaseURL = "http://localhost:12230"

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway returned %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Message)
}

// StreamRequest is one prompt sent to /api/stream.
type StreamRequest struct {
	SessionID uuid.UUID
	Prompt    string
	Provider  string
	Model     string
}

// Client is a gateway API client. The zero value is not usable; use New.
type Client struct {
	baseURL string
	http    *http.Client
	reader  ux.StreamReader
}

// New creates a client for baseURL. A nil httpClient gets one without an
// overall timeout, since streams may stay open for minutes.
func New(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		reader:  ux.NewSSEStreamReader(),
	}
}

// Stream sends one prompt and calls fn for every event until the turn
// ends. A terminal error event is returned in the result, not as error.
func (c *Client) Stream(ctx context.Context, req StreamRequest, fn ux.StreamCallback) (*ux.StreamResult, error) {
	query := url.Values{}
	query.Set("session_id", req.SessionID.String())
	query.Set("prompt", req.Prompt)
	if req.Provider != "" {
		query.Set("provider", req.Provider)
	}
	if req.Model != "" {
		query.Set("model", req.Model)
	}

	httpReq, err := c.newRequest(ctx, http.MethodGet, "/api/stream?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	builder := ux.NewResultBuilder()
	err = c.reader.Read(ctx, resp.Body, func(event ux.StreamEvent) error {
		builder.Add(event)
		if fn != nil {
			return fn(event)
		}
		return nil
	})
	return builder.Result(), err
}

// ListSessions returns every session, most recently updated first.
func (c *Client) ListSessions(ctx context.Context) ([]store.Session, error) {
	var sessions []store.Session
	err := c.doJSON(ctx, http.MethodGet, "/api/sessions", nil, &sessions)
	return sessions, err
}

// CreateSession creates a session; empty fields take the server defaults.
func (c *Client) CreateSession(ctx context.Context, req datatypes.CreateSessionRequest) (*store.Session, error) {
	var session store.Session
	if err := c.doJSON(ctx, http.MethodPost, "/api/sessions", req, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// ListMessages returns the transcript of one session.
func (c *Client) ListMessages(ctx context.Context, id uuid.UUID) ([]store.Message, error) {
	var msgs []store.Message
	err := c.doJSON(ctx, http.MethodGet, "/api/sessions/"+id.String()+"/messages", nil, &msgs)
	return msgs, err
}

// DeleteSession removes a session and its messages.
func (c *Client) DeleteSession(ctx context.Context, id uuid.UUID) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/sessions/"+id.String(), nil, nil)
}

// Health returns the decoded /healthz body. A 503 is reported as an
// *APIError.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var body map[string]any
	err := c.doJSON(ctx, http.MethodGet, "/healthz", nil, &body)
	return body, err
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	telemetry.InjectHeaders(ctx, req.Header)
	return req, nil
}

// checkStatus turns a non-2xx response into an *APIError carrying the
// server's {"error": ...} message when there is one.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body datatypes.ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		apiErr.Message = body.Error
	} else if status, ok := decodeStatus(data); ok {
		apiErr.Message = status
	}
	return apiErr
}

// decodeStatus reads the "status" field of a health response.
func decodeStatus(data []byte) (string, bool) {
	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Status == "" {
		return "", false
	}
	return body.Status, true
}

// IsNotFound reports whether err is a 404 from the gateway.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
