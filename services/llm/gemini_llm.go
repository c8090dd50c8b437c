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
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"

	"google.golang.org/genai"
)

// GeminiProvider streams Gemini completions through google.golang.org/genai.
//
// Fragments are the SDK-native response chunks; the text of a chunk is
// relayed unmodified.
type GeminiProvider struct {
	name      string
	client    *genai.Client
	model     string
	maxTokens int32
}

// NewGeminiProvider builds the provider for cfg. It fails with
// ErrMissingAPIKey when no key can be found.
func NewGeminiProvider(ctx context.Context, cfg ProviderConfig) (*GeminiProvider, error) {
	apiKey, err := resolveAPIKey(cfg)
	if err != nil {
		return nil, err
	}

	model := cfg.Model
	if model == "" {
		model = "gemini-1.5-flash"
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	slog.Info("Initializing Gemini provider", "provider", cfg.Name, "model", model)
	return &GeminiProvider{
		name:      cfg.Name,
		client:    client,
		model:     model,
		maxTokens: int32(cfg.MaxTokens),
	}, nil
}

func (p *GeminiProvider) Name() string { return p.name }

func (p *GeminiProvider) Kind() Kind { return KindGemini }

func (p *GeminiProvider) ResolveModel(hint string) string {
	return resolveModel(hint, p.model)
}

func (p *GeminiProvider) Stream(ctx context.Context, prompt, model string) (FragmentStream, error) {
	var genCfg *genai.GenerateContentConfig
	if p.maxTokens > 0 {
		genCfg = &genai.GenerateContentConfig{MaxOutputTokens: p.maxTokens}
	}

	seq := p.client.Models.GenerateContentStream(ctx, p.ResolveModel(model), genai.Text(prompt), genCfg)
	next, stop := iter.Pull2(seq)
	return &geminiStream{provider: p.name, next: next, stop: stop}, nil
}

// geminiStream turns the SDK's push iterator into a pull stream so the
// backend is only read when the caller asks for the next fragment.
type geminiStream struct {
	provider string
	next     func() (*genai.GenerateContentResponse, error, bool)
	stop     func()

	// finished is set once a candidate carries a finish reason; the SDK
	// ends the sequence the same way for a dropped body.
	finished bool
}

func (s *geminiStream) Next(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		resp, err, ok := s.next()
		if !ok {
			if !s.finished {
				slog.Error("Gemini stream ended without a finish reason", "provider", s.provider)
				return "", streamErr(s.provider, errTruncated)
			}
			return "", io.EOF
		}
		if err != nil {
			slog.Error("Gemini stream failed", "provider", s.provider, "error", err)
			return "", streamErr(s.provider, err)
		}
		if resp == nil {
			continue
		}
		for _, candidate := range resp.Candidates {
			if candidate != nil && candidate.FinishReason != "" {
				s.finished = true
			}
		}
		if text := resp.Text(); text != "" {
			return text, nil
		}
	}
}

func (s *geminiStream) Close() error {
	s.stop()
	return nil
}

var _ Provider = (*GeminiProvider)(nil)
