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
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("chatgw.llm")

// Traced wraps p so every Stream call opens a span that stays open until the
// returned stream is closed.
func Traced(p Provider) Provider {
	if _, ok := p.(*tracedProvider); ok {
		return p
	}
	return &tracedProvider{Provider: p}
}

type tracedProvider struct {
	Provider
}

func (t *tracedProvider) Stream(ctx context.Context, prompt, model string) (FragmentStream, error) {
	ctx, span := tracer.Start(ctx, string(t.Kind())+".Stream",
		trace.WithAttributes(
			attribute.String("llm.provider", t.Name()),
			attribute.String("llm.model", t.ResolveModel(model)),
			attribute.Int("llm.prompt_bytes", len(prompt)),
		))

	stream, err := t.Provider.Stream(ctx, prompt, model)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}
	return &tracedStream{FragmentStream: stream, span: span}, nil
}

type tracedStream struct {
	FragmentStream
	span      trace.Span
	fragments int
	once      sync.Once
}

func (s *tracedStream) Next(ctx context.Context) (string, error) {
	fragment, err := s.FragmentStream.Next(ctx)
	switch {
	case err == nil:
		s.fragments++
	case !errors.Is(err, io.EOF):
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	return fragment, err
}

func (s *tracedStream) Close() error {
	err := s.FragmentStream.Close()
	s.once.Do(func() {
		s.span.SetAttributes(attribute.Int("llm.fragments", s.fragments))
		s.span.End()
	})
	return err
}
