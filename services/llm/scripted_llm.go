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
	"io"
	"time"
	"unicode"
)

// ScriptedProvider replays a fixed fragment list, or echoes the prompt word
// by word when the list is empty. It backs local development without API
// keys and the placeholder backends of older deployments.
type ScriptedProvider struct {
	name      string
	model     string
	fragments []string
	delay     time.Duration
	failAfter int
}

// NewScriptedProvider builds a scripted provider from cfg.
func NewScriptedProvider(cfg ProviderConfig) *ScriptedProvider {
	model := cfg.Model
	if model == "" {
		model = "scripted"
	}
	return &ScriptedProvider{
		name:      cfg.Name,
		model:     model,
		fragments: append([]string(nil), cfg.Fragments...),
		delay:     cfg.Delay,
		failAfter: cfg.FailAfter,
	}
}

func (p *ScriptedProvider) Name() string { return p.name }

func (p *ScriptedProvider) Kind() Kind { return KindScripted }

func (p *ScriptedProvider) ResolveModel(hint string) string {
	return resolveModel(hint, p.model)
}

func (p *ScriptedProvider) Stream(ctx context.Context, prompt, _ string) (FragmentStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fragments := p.fragments
	if len(fragments) == 0 {
		fragments = EchoFragments(prompt)
	}
	return &scriptedStream{
		provider:  p.name,
		fragments: fragments,
		delay:     p.delay,
		failAfter: p.failAfter,
	}, nil
}

type scriptedStream struct {
	provider  string
	fragments []string
	delay     time.Duration
	failAfter int
	pos       int
	closed    bool
}

func (s *scriptedStream) Next(ctx context.Context) (string, error) {
	if s.closed {
		return "", errors.New("scripted stream closed")
	}
	if s.failAfter > 0 && s.pos >= s.failAfter {
		return "", streamErr(s.provider, fmt.Errorf("scripted failure after %d fragments", s.failAfter))
	}
	if s.pos >= len(s.fragments) {
		return "", io.EOF
	}

	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return "", err
	}

	fragment := s.fragments[s.pos]
	s.pos++
	return fragment, nil
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

// EchoFragments splits text into words, each keeping the whitespace that
// follows it, so the fragments concatenate back to text exactly.
func EchoFragments(text string) []string {
	var (
		fragments []string
		start     int
		inSpace   bool
	)
	for i, r := range text {
		space := unicode.IsSpace(r)
		if inSpace && !space {
			fragments = append(fragments, text[start:i])
			start = i
		}
		inSpace = space
	}
	if start < len(text) {
		fragments = append(fragments, text[start:])
	}
	return fragments
}

var _ Provider = (*ScriptedProvider)(nil)
