// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package streaming runs one chat turn end to end: it resolves the session,
// persists the prompt, relays provider fragments to the client as they
// arrive and persists the assistant reply once the provider finishes.
//
// # Description
//
// Each turn moves through
//
//	ValidatingInput → ResolvingSession → PersistingUserMessage →
//	SelectingProvider → Streaming → PersistingAssistantMessage → Completed
//
// and may move to Aborted from any non-terminal state. The client sees
// exactly one terminal event per turn: an error or the [DONE] marker. A
// client that disconnects sees nothing further, the provider call is
// cancelled, and no assistant message is stored.
//
// # Thread Safety
//
// An Orchestrator is safe for concurrent use. Each Run owns its own state;
// the store and provider registry are shared.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/ChatGateway/pkg/telemetry"
	"github.com/AleutianAI/ChatGateway/services/gateway/events"
	"github.com/AleutianAI/ChatGateway/services/gateway/observability"
	"github.com/AleutianAI/ChatGateway/services/gateway/store"
	"github.com/AleutianAI/ChatGateway/services/llm"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("chatgw.streaming")

// unresolvedProvider labels metrics for turns that never reached a backend.
const unresolvedProvider = "none"

// ProviderResolver looks a provider up by case-insensitive name.
// *llm.Registry implements it.
type ProviderResolver interface {
	Resolve(name string) (llm.Provider, error)
}

// Config holds the turn defaults.
type Config struct {
	// DefaultProvider is used when a request names no provider.
	DefaultProvider string `yaml:"default_provider"`

	// DefaultModel is used when a request names no model.
	DefaultModel string `yaml:"default_model"`

	// AutoTitle is the title of sessions created by their first turn.
	AutoTitle string `yaml:"auto_title"`

	Accumulator AccumulatorConfig `yaml:"accumulator"`
}

// DefaultConfig returns the defaults used by the public API.
func DefaultConfig() Config {
	return Config{
		DefaultProvider: "gemini",
		DefaultModel:    llm.DefaultModel,
		AutoTitle:       store.DefaultAutoTitle,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.DefaultProvider == "" {
		c.DefaultProvider = d.DefaultProvider
	}
	if c.DefaultModel == "" {
		c.DefaultModel = d.DefaultModel
	}
	if c.AutoTitle == "" {
		c.AutoTitle = d.AutoTitle
	}
}

// Request is one prompt to stream.
type Request struct {
	SessionID string
	Provider  string
	Model     string
	Prompt    string

	// Endpoint labels metrics and events with the transport in use.
	Endpoint observability.Endpoint
}

// Result describes how a turn ended.
type Result struct {
	FinalState State

	// AbortedIn is the state the turn was in when it aborted.
	AbortedIn State

	SessionID      uuid.UUID
	SessionCreated bool

	// Provider and Model are the resolved backend name and model.
	Provider string
	Model    string

	UserMessage      *store.Message
	AssistantMessage *store.Message

	// Fragments and Bytes count what was relayed to the client.
	Fragments int
	Bytes     int

	// Digest is the SHA-256 of the assistant reply.
	Digest string

	// Err is the cause of an abort.
	Err error

	// DurabilityErr is set when a completed reply could not be persisted.
	DurabilityErr error

	// ClientGone is set when a send to the client failed.
	ClientGone bool
}

// DurabilityWarning reports a completed turn whose reply was not stored.
func (r Result) DurabilityWarning() bool {
	return r.DurabilityErr != nil
}

// Orchestrator runs streaming turns.
type Orchestrator struct {
	store          store.Store
	providers      ProviderResolver
	cfg            Config
	logger         *slog.Logger
	metrics        *observability.StreamingMetrics
	publisher      events.Publisher
	newAccumulator AccumulatorFactory
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMetrics sets the Prometheus metrics. Nil disables them.
func WithMetrics(m *observability.StreamingMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithPublisher sets where turn summaries are published.
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithAccumulatorFactory overrides the accumulator built from Config.
func WithAccumulatorFactory(f AccumulatorFactory) Option {
	return func(o *Orchestrator) { o.newAccumulator = f }
}

// New creates an Orchestrator over st and providers.
//
// # Description
//
// Zero fields of cfg take the values of DefaultConfig. Without options the
// orchestrator logs to slog.Default, records no metrics and publishes no
// turn events.
func New(st store.Store, providers ProviderResolver, cfg Config, opts ...Option) (*Orchestrator, error) {
	if st == nil {
		return nil, errors.New("streaming: store is required")
	}
	if providers == nil {
		return nil, errors.New("streaming: provider resolver is required")
	}
	cfg.applyDefaults()

	o := &Orchestrator{
		store:     st,
		providers: providers,
		cfg:       cfg,
		logger:    slog.Default(),
		publisher: events.NoopPublisher{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.publisher == nil {
		o.publisher = events.NoopPublisher{}
	}
	if o.newAccumulator == nil {
		o.newAccumulator = NewAccumulatorFactory(cfg.Accumulator, o.logger)
	}
	return o, nil
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Run executes one turn, relaying events to sink, and blocks until the turn
// reaches Completed or Aborted. Cancelling ctx is treated as a client
// disconnect.
func (o *Orchestrator) Run(ctx context.Context, req Request, sink Sink) Result {
	if req.Endpoint == "" {
		req.Endpoint = observability.EndpointSSE
	}
	if strings.TrimSpace(req.Provider) == "" {
		req.Provider = o.cfg.DefaultProvider
	}
	if strings.TrimSpace(req.Model) == "" {
		req.Model = o.cfg.DefaultModel
	}

	ctx, span := tracer.Start(ctx, "streaming.Turn", trace.WithAttributes(
		attribute.String("endpoint", string(req.Endpoint)),
		attribute.String("llm.provider_requested", req.Provider),
		attribute.Int("prompt_bytes", len(req.Prompt)),
	))
	defer span.End()

	t := &turn{
		o:             o,
		req:           req,
		sink:          sink,
		span:          span,
		began:         time.Now(),
		providerLabel: unresolvedProvider,
		logger: telemetry.LoggerWithTrace(ctx, o.logger).With(
			"endpoint", string(req.Endpoint),
			"provider", req.Provider,
		),
	}

	o.metrics.StreamStarted(req.Endpoint)
	defer o.metrics.StreamEnded(req.Endpoint)

	t.run(ctx)
	t.finish(ctx)
	return t.res
}

// =============================================================================
// Turn
// =============================================================================

type turn struct {
	o             *Orchestrator
	req           Request
	sink          Sink
	span          trace.Span
	logger        *slog.Logger
	began         time.Time
	state         State
	code          observability.ErrorCode
	providerLabel string
	res           Result
}

func (t *turn) enter(s State) {
	t.state = s
	t.span.AddEvent("state", trace.WithAttributes(attribute.String("state", s.String())))
}

func (t *turn) run(ctx context.Context) {
	t.enter(StateValidatingInput)
	id, err := uuid.Parse(strings.TrimSpace(t.req.SessionID))
	if err != nil {
		t.abort(ctx, observability.ErrorCodeValidation, msgInvalidSessionID,
			&InvalidInputError{Field: "session_id", Value: t.req.SessionID, Err: err})
		return
	}
	t.res.SessionID = id
	t.span.SetAttributes(attribute.String("session_id", id.String()))
	t.logger = t.logger.With("session_id", id.String())

	t.enter(StateResolvingSession)
	_, created, err := t.o.store.GetOrCreateSession(ctx, id, store.SessionDefaults{
		Title:    t.o.cfg.AutoTitle,
		Provider: t.o.cfg.DefaultProvider,
		Model:    t.o.cfg.DefaultModel,
	})
	if err != nil {
		t.storeFailed(ctx, fmt.Errorf("resolve session: %w", err))
		return
	}
	t.res.SessionCreated = created
	if created {
		t.logger.Info("Session created on first turn")
	}

	t.enter(StatePersistingUserMessage)
	userMsg, err := t.o.store.AppendMessage(ctx, store.NewMessage{
		SessionID: id,
		Role:      store.RoleUser,
		Content:   t.req.Prompt,
		Provider:  store.ProviderUser,
	})
	if err != nil {
		t.storeFailed(ctx, fmt.Errorf("persist user message: %w", err))
		return
	}
	t.res.UserMessage = &userMsg

	t.enter(StateSelectingProvider)
	provider, err := t.o.providers.Resolve(t.req.Provider)
	if err != nil {
		var unsupported *llm.UnsupportedProviderError
		if errors.As(err, &unsupported) {
			t.abort(ctx, observability.ErrorCodeUnsupportedProvider, unsupportedProviderMessage(t.req.Provider), err)
			return
		}
		t.abort(ctx, observability.ErrorCodeInternal, msgInternal, fmt.Errorf("resolve provider: %w", err))
		return
	}
	model := provider.ResolveModel(t.req.Model)
	t.res.Provider = provider.Name()
	t.res.Model = model
	t.providerLabel = provider.Name()
	t.span.SetAttributes(
		attribute.String("llm.provider", provider.Name()),
		attribute.String("llm.model", model),
	)

	t.enter(StateStreaming)
	text, digest, ok := t.stream(ctx, provider, model)
	if !ok {
		return
	}
	t.res.Digest = digest

	t.enter(StatePersistingAssistantMessage)
	// The client has already seen every fragment; a disconnect from here on
	// must not lose the reply.
	assistant, err := t.o.store.AppendMessage(context.WithoutCancel(ctx), store.NewMessage{
		SessionID: id,
		Role:      store.RoleAssistant,
		Content:   text,
		Provider:  provider.Name(),
		Model:     model,
	})
	if err != nil {
		t.res.DurabilityErr = fmt.Errorf("persist assistant message: %w", err)
		t.o.metrics.RecordDurabilityWarning(t.providerLabel)
		t.logger.Warn("Assistant message not persisted after relay",
			"error", err,
			"fragments", t.res.Fragments,
			"digest", digest,
		)
	} else {
		t.res.AssistantMessage = &assistant
	}

	t.enter(StateCompleted)
	if err := t.sink.Send(ctx, Event{Kind: EventDone}); err != nil {
		t.res.ClientGone = true
		t.logger.Debug("Client gone before terminal marker", "error", err)
	}
}

// stream relays fragments until the provider is exhausted. It returns false
// when the turn aborted.
func (t *turn) stream(ctx context.Context, p llm.Provider, model string) (string, string, bool) {
	acc, err := t.o.newAccumulator()
	if err != nil {
		t.abort(ctx, observability.ErrorCodeInternal, msgInternal, fmt.Errorf("create accumulator: %w", err))
		return "", "", false
	}
	defer acc.Destroy()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	fragments, err := p.Stream(streamCtx, t.req.Prompt, model)
	if err != nil {
		if ctx.Err() != nil {
			t.disconnect(ctx.Err())
			return "", "", false
		}
		t.abort(ctx, observability.ErrorCodeLLMError, msgGeneration, err)
		return "", "", false
	}
	defer fragments.Close()

	for {
		if err := ctx.Err(); err != nil {
			t.disconnect(err)
			return "", "", false
		}

		fragment, err := fragments.Next(streamCtx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				t.disconnect(ctx.Err())
				return "", "", false
			}
			t.abort(ctx, observability.ErrorCodeLLMError, msgGeneration, err)
			return "", "", false
		}
		if fragment == "" {
			continue
		}

		if err := acc.Write(fragment); err != nil {
			t.abort(ctx, observability.ErrorCodeInternal, msgTooLarge, err)
			return "", "", false
		}
		// The next fragment is not pulled until the client has this one.
		if err := t.sink.Send(ctx, Event{Kind: EventDelta, Delta: fragment}); err != nil {
			cancel()
			t.disconnect(err)
			return "", "", false
		}

		if t.res.Fragments == 0 {
			t.o.metrics.RecordTimeToFirstFragment(t.providerLabel, time.Since(t.began).Seconds())
		}
		t.res.Fragments++
		t.res.Bytes += len(fragment)
		t.o.metrics.RecordFragment(t.providerLabel)
	}

	text, digest, err := acc.Finalize()
	if err != nil {
		t.abort(ctx, observability.ErrorCodeInternal, msgInternal, fmt.Errorf("finalize accumulator: %w", err))
		return "", "", false
	}
	return text, digest, true
}

func (t *turn) storeFailed(ctx context.Context, err error) {
	if ctx.Err() != nil {
		t.disconnect(err)
		return
	}
	t.abort(ctx, observability.ErrorCodeStoreError, msgInternal, err)
}

// abort ends the turn and sends message as its terminal error event.
func (t *turn) abort(ctx context.Context, code observability.ErrorCode, message string, cause error) {
	t.res.Err = cause
	t.res.AbortedIn = t.state
	t.code = code
	t.state = StateAborted

	level := slog.LevelWarn
	if code == observability.ErrorCodeValidation || code == observability.ErrorCodeUnsupportedProvider {
		level = slog.LevelInfo
	}
	t.logger.Log(ctx, level, "Turn aborted",
		"state", t.res.AbortedIn.String(),
		"error_code", string(code),
		"error", cause,
		"fragments", t.res.Fragments,
	)

	if err := t.sink.Send(ctx, Event{Kind: EventError, Delta: message}); err != nil {
		t.res.ClientGone = true
		t.logger.Debug("Client gone before error event", "error", err)
	}
}

// disconnect ends the turn without a terminal event; there is nobody left
// to receive it.
func (t *turn) disconnect(cause error) {
	t.res.Err = fmt.Errorf("%w: %w", ErrClientDisconnected, cause)
	t.res.AbortedIn = t.state
	t.res.ClientGone = true
	t.code = observability.ErrorCodeClientDisconnect
	t.state = StateAborted

	t.o.metrics.RecordClientDisconnect(t.req.Endpoint)
	t.logger.Info("Client disconnected, discarding partial response",
		"state", t.res.AbortedIn.String(),
		"fragments", t.res.Fragments,
	)
}

func (t *turn) finish(ctx context.Context) {
	t.res.FinalState = t.state
	elapsed := time.Since(t.began)
	success := t.state == StateCompleted

	t.o.metrics.RecordRequest(t.req.Endpoint, t.providerLabel, success)
	t.o.metrics.RecordStreamDuration(t.req.Endpoint, elapsed.Seconds(), success)
	if !success {
		t.o.metrics.RecordError(t.req.Endpoint, t.code)
	}

	t.span.SetAttributes(
		attribute.String("state", t.state.String()),
		attribute.Int("fragments", t.res.Fragments),
		attribute.Bool("durable", t.res.AssistantMessage != nil),
	)
	switch {
	case success:
		t.span.SetStatus(codes.Ok, "")
	case t.code == observability.ErrorCodeClientDisconnect:
		t.span.SetStatus(codes.Unset, "client disconnected")
	default:
		t.span.RecordError(t.res.Err)
		t.span.SetStatus(codes.Error, string(t.code))
	}

	t.logger.Info("Turn finished",
		"state", t.state.String(),
		"fragments", t.res.Fragments,
		"bytes", t.res.Bytes,
		"duration_ms", elapsed.Milliseconds(),
	)

	t.publish(ctx, elapsed)
}

func (t *turn) publish(ctx context.Context, elapsed time.Duration) {
	event := events.TurnEvent{
		ID:         uuid.NewString(),
		Endpoint:   string(t.req.Endpoint),
		Provider:   t.res.Provider,
		Model:      t.res.Model,
		Outcome:    events.OutcomeAborted,
		State:      t.state.String(),
		Fragments:  t.res.Fragments,
		Bytes:      t.res.Bytes,
		Durable:    t.res.AssistantMessage != nil,
		DurationMS: elapsed.Milliseconds(),
		OccurredAt: time.Now().UTC(),
	}
	if t.res.SessionID != uuid.Nil {
		event.SessionID = t.res.SessionID.String()
	}
	if t.state == StateCompleted {
		event.Outcome = events.OutcomeCompleted
	} else {
		event.Error = string(t.code)
	}

	if err := t.o.publisher.PublishTurn(context.WithoutCancel(ctx), event); err != nil {
		t.logger.Warn("Failed to publish turn event", "error", err)
	}
}
