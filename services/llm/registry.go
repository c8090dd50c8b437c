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
	"fmt"
	"log/slog"
	"sort"
)

// Registry resolves case-insensitive provider names to providers.
//
// # Description
//
// A Registry is built once at startup and is read-only afterwards, so
// Resolve is safe for concurrent use without locking.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry returns a registry holding providers under their names.
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		if err := r.register(p.Name(), p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) register(name string, p Provider) error {
	key := normalizeName(name)
	if key == "" {
		return errors.New("provider name must not be empty")
	}
	if _, exists := r.providers[key]; exists {
		return fmt.Errorf("provider %q registered twice", key)
	}
	r.providers[key] = p
	return nil
}

// Resolve returns the provider registered under name, ignoring case and
// surrounding whitespace. Unknown names yield *UnsupportedProviderError.
func (r *Registry) Resolve(name string) (Provider, error) {
	p, ok := r.providers[normalizeName(name)]
	if !ok {
		return nil, &UnsupportedProviderError{Name: name}
	}
	return p, nil
}

// Names lists every registered key, aliases included, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len is the number of registered keys.
func (r *Registry) Len() int {
	return len(r.providers)
}

// New constructs the provider described by cfg.
//
// # Description
//
// Dispatches on cfg.Kind, compared case-insensitively, to the matching
// backend constructor. The result is not traced; BuildRegistry adds that.
//
// # Inputs
//
//   - ctx: Used only by backends whose client setup performs I/O (Gemini).
//   - cfg: One provider entry. Name is used in logs and errors only.
//
// # Outputs
//
//   - Provider: Ready for concurrent Stream calls.
//   - error: ErrMissingAPIKey when the backend needs a key and none was
//     found, or an error naming an unknown kind.
func New(ctx context.Context, cfg ProviderConfig) (Provider, error) {
	switch Kind(normalizeName(string(cfg.Kind))) {
	case KindOpenAI:
		return NewOpenAIProvider(cfg)
	case KindAnthropic:
		return NewAnthropicProvider(cfg)
	case KindGemini:
		return NewGeminiProvider(ctx, cfg)
	case KindOllama:
		return NewOllamaProvider(cfg)
	case KindScripted:
		return NewScriptedProvider(cfg), nil
	default:
		return nil, fmt.Errorf("provider %s: unknown kind %q", cfg.Name, cfg.Kind)
	}
}

// BuildRegistry constructs every configured provider, wraps it with tracing
// and registers it under its name and aliases.
//
// # Description
//
// Providers whose API key is missing are skipped with a warning; a client
// asking for them gets an unsupported-provider error. Any other constructor
// failure is returned.
//
// # Outputs
//
//   - *Registry: Possibly empty when every provider was skipped.
//   - error: A constructor failure, or a name or alias registered twice.
//
// # Limitations
//
//   - The registry is fixed after this call. Changing providers needs a
//     restart.
func BuildRegistry(ctx context.Context, cfgs []ProviderConfig, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{providers: make(map[string]Provider)}

	for _, cfg := range cfgs {
		p, err := New(ctx, cfg)
		if errors.Is(err, ErrMissingAPIKey) {
			logger.Warn("Provider disabled: no API key", "provider", cfg.Name, "env", cfg.APIKeyEnv)
			continue
		}
		if err != nil {
			return nil, err
		}

		traced := Traced(p)
		if err := r.register(cfg.Name, traced); err != nil {
			return nil, err
		}
		for _, alias := range cfg.Aliases {
			if err := r.register(alias, traced); err != nil {
				return nil, err
			}
		}
		logger.Info("Provider registered", "provider", cfg.Name, "kind", p.Kind(), "model", p.ResolveModel(DefaultModel))
	}

	if r.Len() == 0 {
		logger.Warn("No providers registered; every stream request will be rejected")
	}
	return r, nil
}
