// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm wraps each completion backend behind one pull-based streaming
// shape so the gateway can relay fragments without knowing which SDK
// produced them.
package llm

import (
	"context"
	"strings"
	"time"
)

// Kind identifies a backend implementation. The set is closed: adding a
// backend means adding a Kind and a constructor case in New.
type Kind string

const (
	KindOpenAI    Kind = "openai"
	KindAnthropic Kind = "anthropic"
	KindGemini    Kind = "gemini"
	KindOllama    Kind = "ollama"
	KindScripted  Kind = "scripted"
)

// DefaultModel is the model hint that selects the provider's configured model.
const DefaultModel = "default"

// Provider produces a completion for a single prompt as a fragment stream.
//
// # Description
//
// Implementations wrap one backend SDK or HTTP API. Stream performs the
// outbound call and returns immediately with a FragmentStream; fragments are
// produced lazily as the caller pulls them. Providers are safe for concurrent
// use; each FragmentStream is not.
//
// # Assumptions
//
//   - The context passed to Stream bounds the whole upstream call. Cancelling
//     it aborts the backend request.
type Provider interface {
	// Name is the registry name clients select the provider by.
	Name() string

	// Kind is the backend implementation.
	Kind() Kind

	// ResolveModel maps a client model hint onto the concrete model the
	// backend will be asked for. Empty and "default" hints resolve to the
	// configured model.
	ResolveModel(hint string) string

	// Stream starts a completion for prompt. Errors returned here happen
	// before any fragment was produced and are *StreamError values.
	Stream(ctx context.Context, prompt, model string) (FragmentStream, error)
}

// FragmentStream is a finite, ordered, non-restartable fragment sequence.
//
// Next returns the next non-empty fragment, io.EOF once the completion has
// ended cleanly, or a *StreamError if the backend failed mid-sequence. A
// stream never reports io.EOF for a truncated completion it can detect.
// Close releases the upstream connection and may be called at any point,
// including before the sequence is exhausted.
type FragmentStream interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

// ProviderConfig describes one registry entry.
type ProviderConfig struct {
	// Name is the case-insensitive registry key, e.g. "claude".
	Name string `yaml:"name"`

	// Aliases are extra registry keys for the same provider.
	Aliases []string `yaml:"aliases,omitempty"`

	Kind Kind `yaml:"kind"`

	// Model is used when the client sends no model or "default".
	Model string `yaml:"model,omitempty"`

	// BaseURL overrides the backend endpoint (proxies, Ollama hosts, tests).
	BaseURL string `yaml:"base_url,omitempty"`

	// APIKey, APIKeyEnv and SecretFile are tried in that order.
	APIKey     string `yaml:"api_key,omitempty"`
	APIKeyEnv  string `yaml:"api_key_env,omitempty"`
	SecretFile string `yaml:"secret_file,omitempty"`

	// MaxTokens caps the completion length where the backend supports it.
	MaxTokens int `yaml:"max_tokens,omitempty"`

	// Timeout bounds a whole upstream HTTP exchange. Zero means no limit.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// Fragments and Delay configure KindScripted. FailAfter > 0 makes the
	// scripted stream fail after that many fragments.
	Fragments []string      `yaml:"fragments,omitempty"`
	Delay     time.Duration `yaml:"delay,omitempty"`
	FailAfter int           `yaml:"fail_after,omitempty"`
}

// DefaultProviderConfigs returns the registry used when no providers are
// configured: openai, claude and gemini with their usual key variables.
func DefaultProviderConfigs() []ProviderConfig {
	return []ProviderConfig{
		{
			Name:      "openai",
			Kind:      KindOpenAI,
			Model:     "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
		},
		{
			Name:      "claude",
			Aliases:   []string{"anthropic"},
			Kind:      KindAnthropic,
			Model:     "claude-3-5-haiku-latest",
			APIKeyEnv: "ANTHROPIC_API_KEY",
			MaxTokens: 1024,
		},
		{
			Name:      "gemini",
			Kind:      KindGemini,
			Model:     "gemini-1.5-flash",
			APIKeyEnv: "GEMINI_API_KEY",
		},
	}
}

func resolveModel(hint, configured string) string {
	hint = strings.TrimSpace(hint)
	if hint == "" || strings.EqualFold(hint, DefaultModel) {
		return configured
	}
	return hint
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
