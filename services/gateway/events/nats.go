// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/ChatGateway/pkg/telemetry"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSConfig configures the JetStream turn-event publisher.
type NATSConfig struct {
	// URL of the NATS server. Empty disables publishing.
	URL string `yaml:"url"`

	// Stream is the JetStream stream name (default CHATGW).
	Stream string `yaml:"stream"`

	// SubjectPrefix is prepended to "turn.<outcome>" (default chatgw).
	SubjectPrefix string `yaml:"subject_prefix"`

	// Storage is "file" or "memory" (default file).
	Storage string `yaml:"storage"`

	// MaxAge bounds how long events are retained (default 72h).
	MaxAge time.Duration `yaml:"max_age"`

	// PublishTimeout bounds a single publish (default 2s).
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

func (c *NATSConfig) applyDefaults() {
	if c.Stream == "" {
		c.Stream = "CHATGW"
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "chatgw"
	}
	if c.Storage == "" {
		c.Storage = "file"
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 72 * time.Hour
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
}

// NATSPublisher publishes TurnEvents to a JetStream stream.
//
// # Thread Safety
//
// Safe for concurrent use.
type NATSPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	cfg     NATSConfig
	logger  *slog.Logger
	subject string
}

// NewNATSPublisher connects to cfg.URL and ensures the stream exists.
func NewNATSPublisher(ctx context.Context, cfg NATSConfig, logger *slog.Logger) (*NATSPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("events: NATS url is required")
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("chatgw"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	storage := jetstream.FileStorage
	if strings.EqualFold(cfg.Storage, "memory") {
		storage = jetstream.MemoryStorage
	}

	streamCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = js.CreateOrUpdateStream(streamCtx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.SubjectPrefix + ".turn.>"},
		Storage:   storage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    cfg.MaxAge,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}

	logger.Info("turn event publisher ready", "stream", cfg.Stream, "url", cfg.URL)
	return &NATSPublisher{
		nc:      nc,
		js:      js,
		cfg:     cfg,
		logger:  logger,
		subject: cfg.SubjectPrefix + ".turn.",
	}, nil
}

// Subject returns the subject an event with the given outcome goes to.
func (p *NATSPublisher) Subject(outcome Outcome) string {
	return p.subject + string(outcome)
}

// PublishTurn publishes event and waits for the JetStream ack. The event id
// doubles as the JetStream message id so retried publishes are deduplicated.
func (p *NATSPublisher) PublishTurn(ctx context.Context, event TurnEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal turn event: %w", err)
	}

	msg := nats.NewMsg(p.Subject(event.Outcome))
	msg.Data = data
	telemetry.InjectHeaders(ctx, http.Header(msg.Header))

	pubCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()
	if _, err := p.js.PublishMsg(pubCtx, msg, jetstream.WithMsgID(event.ID)); err != nil {
		return fmt.Errorf("publish to %s: %w", msg.Subject, err)
	}
	return nil
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}

var _ Publisher = (*NATSPublisher)(nil)
