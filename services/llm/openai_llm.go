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
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAIProvider streams chat completions through go-openai.
type OpenAIProvider struct {
	name      string
	client    *openai.Client
	model     string
	maxTokens int
}

// NewOpenAIProvider builds the provider for cfg. It fails with
// ErrMissingAPIKey when no key can be found.
func NewOpenAIProvider(cfg ProviderConfig) (*OpenAIProvider, error) {
	apiKey, err := resolveAPIKey(cfg)
	if err != nil {
		return nil, err
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OpenAI model not set, defaulting to gpt-4o-mini", "provider", cfg.Name)
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	slog.Info("Initializing OpenAI provider", "provider", cfg.Name, "model", model)
	return &OpenAIProvider{
		name:      cfg.Name,
		client:    openai.NewClientWithConfig(clientCfg),
		model:     model,
		maxTokens: cfg.MaxTokens,
	}, nil
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) Kind() Kind { return KindOpenAI }

func (p *OpenAIProvider) ResolveModel(hint string) string {
	return resolveModel(hint, p.model)
}

func (p *OpenAIProvider) Stream(ctx context.Context, prompt, model string) (FragmentStream, error) {
	req := openai.ChatCompletionRequest{
		Model: p.ResolveModel(model),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Stream: true,
	}
	if p.maxTokens > 0 {
		req.MaxCompletionTokens = p.maxTokens
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		slog.Error("OpenAI API call failed", "provider", p.name, "error", err)
		return nil, streamErr(p.name, err)
	}
	return &openAIStream{provider: p.name, stream: stream}, nil
}

type openAIStream struct {
	provider string
	stream   *openai.ChatCompletionStream

	// finished is set once a choice reports a finish reason. The SDK maps
	// both "data: [DONE]" and a dropped connection onto io.EOF.
	finished bool
}

func (s *openAIStream) Next(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			if !s.finished {
				return "", streamErr(s.provider, errTruncated)
			}
			return "", io.EOF
		}
		if err != nil {
			return "", streamErr(s.provider, err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if resp.Choices[0].FinishReason != "" {
			s.finished = true
		}
		if text := resp.Choices[0].Delta.Content; text != "" {
			return text, nil
		}
	}
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}

var _ Provider = (*OpenAIProvider)(nil)
