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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// maxOllamaLine bounds a single NDJSON line read from Ollama.
const maxOllamaLine = 1 << 20

// OllamaProvider streams /api/generate from an Ollama server.
type OllamaProvider struct {
	name       string
	httpClient *http.Client
	baseURL    string
	model      string
	maxTokens  int
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaStreamChunk struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// NewOllamaProvider builds the provider for cfg. Ollama needs no key but
// does need a base URL.
func NewOllamaProvider(cfg ProviderConfig) (*OllamaProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ollama provider %s: base_url is required", cfg.Name)
	}
	model := cfg.Model
	if model == "" {
		slog.Warn("Ollama model not set, defaulting to gpt-oss", "provider", cfg.Name)
		model = "gpt-oss"
	}

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	slog.Info("Initializing Ollama provider", "provider", cfg.Name, "base_url", baseURL, "model", model)
	return &OllamaProvider{
		name:       cfg.Name,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    baseURL,
		model:      model,
		maxTokens:  cfg.MaxTokens,
	}, nil
}

func (o *OllamaProvider) Name() string { return o.name }

func (o *OllamaProvider) Kind() Kind { return KindOllama }

func (o *OllamaProvider) ResolveModel(hint string) string {
	return resolveModel(hint, o.model)
}

func (o *OllamaProvider) Stream(ctx context.Context, prompt, model string) (FragmentStream, error) {
	payload := ollamaGenerateRequest{
		Model:  o.ResolveModel(model),
		Prompt: prompt,
		Stream: true,
	}
	if o.maxTokens > 0 {
		payload.Options = map[string]any{"num_predict": o.maxTokens}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, streamErr(o.name, fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, streamErr(o.name, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		slog.Error("Ollama API call failed", "provider", o.name, "error", err)
		return nil, streamErr(o.name, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		slog.Error("Ollama returned an error", "provider", o.name, "status_code", resp.StatusCode, "response", string(respBody))
		return nil, streamErr(o.name, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxOllamaLine)
	return &ollamaStream{provider: o.name, body: resp.Body, scanner: scanner}, nil
}

type ollamaStream struct {
	provider string
	body     io.ReadCloser
	scanner  *bufio.Scanner
	done     bool
}

func (s *ollamaStream) Next(ctx context.Context) (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if !s.scanner.Scan() {
			err := s.scanner.Err()
			if err == nil {
				err = errTruncated
			}
			return "", streamErr(s.provider, err)
		}

		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk ollamaStreamChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return "", streamErr(s.provider, fmt.Errorf("decode chunk: %w", err))
		}
		if chunk.Error != "" {
			return "", streamErr(s.provider, errors.New(chunk.Error))
		}
		if chunk.Done {
			s.done = true
		}
		if chunk.Response != "" {
			return chunk.Response, nil
		}
	}
}

func (s *ollamaStream) Close() error {
	return s.body.Close()
}

var _ Provider = (*OllamaProvider)(nil)
