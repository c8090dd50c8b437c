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
	"io"
	"log/slog"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

const defaultAnthropicMaxTokens = 1024

// AnthropicProvider streams Claude messages through the official SDK.
type AnthropicProvider struct {
	name      string
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicProvider builds the provider for cfg. It fails with
// ErrMissingAPIKey when no key can be found.
func NewAnthropicProvider(cfg ProviderConfig) (*AnthropicProvider, error) {
	apiKey, err := resolveAPIKey(cfg)
	if err != nil {
		return nil, err
	}

	model := cfg.Model
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	// Retries belong to the SDK; the gateway never retries a turn itself.
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}

	slog.Info("Initializing Anthropic provider", "provider", cfg.Name, "model", model)
	return &AnthropicProvider{
		name:      cfg.Name,
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

func (p *AnthropicProvider) Name() string { return p.name }

func (p *AnthropicProvider) Kind() Kind { return KindAnthropic }

func (p *AnthropicProvider) ResolveModel(hint string) string {
	return resolveModel(hint, p.model)
}

func (p *AnthropicProvider) Stream(ctx context.Context, prompt, model string) (FragmentStream, error) {
	stream := p.client.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.ResolveModel(model)),
		MaxTokens: p.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	// The SDK defers request errors to the first Next call.
	return &anthropicStream{provider: p.name, stream: stream}, nil
}

type anthropicStream struct {
	provider string
	stream   *ssestream.Stream[anthropic.MessageStreamEventUnion]

	// stopped is set by message_stop or a message_delta carrying a stop
	// reason. Without it the body ended early.
	stopped bool
}

func (s *anthropicStream) Next(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if !s.stream.Next() {
			break
		}
		switch event := s.stream.Current().AsAny().(type) {
		case anthropic.MessageStopEvent:
			s.stopped = true
		case anthropic.MessageDeltaEvent:
			if event.Delta.StopReason != "" {
				s.stopped = true
			}
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := event.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				return delta.Text, nil
			}
		}
	}
	if err := s.stream.Err(); err != nil {
		slog.Error("Anthropic stream failed", "provider", s.provider, "error", err)
		return "", streamErr(s.provider, err)
	}
	if !s.stopped {
		slog.Error("Anthropic stream ended without message_stop", "provider", s.provider)
		return "", streamErr(s.provider, errTruncated)
	}
	return "", io.EOF
}

func (s *anthropicStream) Close() error {
	return s.stream.Close()
}

var _ Provider = (*AnthropicProvider)(nil)
