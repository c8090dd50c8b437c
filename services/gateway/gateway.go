// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway assembles the chat gateway service.
//
// This package owns the process-level wiring: it opens the session store,
// builds the provider registry, connects the turn-event publisher, creates
// the streaming orchestrator and mounts the HTTP routes. Everything else
// lives in the sub-packages and takes its collaborators by injection.
//
// # Usage
//
//	cfg := gateway.DefaultConfig()
//	svc, err := gateway.New(ctx, cfg, logger)
//	if err != nil {
//	    return err
//	}
//	defer svc.Close()
//	return svc.Run(ctx)
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/AleutianAI/ChatGateway/pkg/telemetry"
	"github.com/AleutianAI/ChatGateway/services/gateway/events"
	"github.com/AleutianAI/ChatGateway/services/gateway/handlers"
	"github.com/AleutianAI/ChatGateway/services/gateway/middleware"
	"github.com/AleutianAI/ChatGateway/services/gateway/observability"
	"github.com/AleutianAI/ChatGateway/services/gateway/retention"
	"github.com/AleutianAI/ChatGateway/services/gateway/routes"
	"github.com/AleutianAI/ChatGateway/services/gateway/store"
	"github.com/AleutianAI/ChatGateway/services/gateway/streaming"
	"github.com/AleutianAI/ChatGateway/services/llm"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service is a runnable gateway.
//
// # Thread Safety
//
// Run blocks and must be called at most once. Close may be called from any
// goroutine after Run returns, or instead of Run.
type Service interface {
	// Run serves HTTP until ctx is cancelled, then shuts the server down
	// gracefully within Config.ShutdownTimeout. Turns already streaming
	// when ctx ends run to their terminal event; turns still open at the
	// deadline are cancelled.
	Run(ctx context.Context) error

	// Router returns the configured gin engine, for tests.
	Router() *gin.Engine

	// Close releases the store, publisher and telemetry exporters.
	Close() error
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds gateway configuration. Zero values are filled by
// applyConfigDefaults.
type Config struct {
	// Host and Port form the listen address. Port -1 picks a free port.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// GinMode is "debug", "release" or "test". Default: release.
	GinMode string `yaml:"gin_mode"`

	// DataDir holds the Badger and SQLite files and the embedded NATS store.
	DataDir string `yaml:"data_dir"`

	Store     store.Config         `yaml:"store"`
	Providers []llm.ProviderConfig `yaml:"providers"`
	Streaming streaming.Config     `yaml:"streaming"`

	// Sessions fills sessions created through POST /api/sessions.
	Sessions SessionDefaults `yaml:"sessions"`

	// Heartbeat is the keep-alive interval of open streams. Default: 15s.
	Heartbeat time.Duration `yaml:"heartbeat"`

	// AllowedOrigins lists browser origins accepted by CORS and WebSocket
	// upgrades. Same-host requests are always accepted.
	AllowedOrigins []string `yaml:"allowed_origins"`

	RateLimit RateLimitConfig  `yaml:"rate_limit"`
	Events    EventsConfig     `yaml:"events"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Retention retention.Config `yaml:"retention"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SessionDefaults configures explicitly created sessions.
type SessionDefaults struct {
	Title    string `yaml:"title"`
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// RateLimitConfig adds an optional Redis address to the per-IP limiter.
// With RedisAddr set the buckets are shared by every replica.
type RateLimitConfig struct {
	middleware.RateLimitConfig `yaml:",inline"`
	RedisAddr                  string `yaml:"redis_addr"`
}

// EventsConfig selects where turn events go.
type EventsConfig struct {
	NATS     events.NATSConfig     `yaml:"nats"`
	Embedded events.EmbeddedConfig `yaml:"embedded"`

	// QueueSize bounds turn events waiting for the broker. Default: 256.
	QueueSize int `yaml:"queue_size"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return applyConfigDefaults(Config{})
}

// WithDefaults returns c with unset values filled in. Port -1 becomes 0,
// so pass the original Config, not this result, to New.
func (c Config) WithDefaults() Config {
	return applyConfigDefaults(c)
}

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12230
	}
	if cfg.Port < 0 {
		cfg.Port = 0
	}
	if cfg.GinMode == "" {
		cfg.GinMode = gin.ReleaseMode
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}

	storeDefaults := store.DefaultConfig(cfg.DataDir)
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = storeDefaults.Driver
	}
	if cfg.Store.Badger.Path == "" && !cfg.Store.Badger.InMemory {
		cfg.Store.Badger = storeDefaults.Badger
	}
	if cfg.Store.SQLite.Path == "" {
		cfg.Store.SQLite = storeDefaults.SQLite
	}

	if len(cfg.Providers) == 0 {
		cfg.Providers = llm.DefaultProviderConfigs()
	}

	if cfg.Sessions.Title == "" {
		cfg.Sessions.Title = store.DefaultNewTitle
	}
	if cfg.Sessions.Provider == "" {
		cfg.Sessions.Provider = "gemini"
	}
	if cfg.Sessions.Model == "" {
		cfg.Sessions.Model = "gemini-pro"
	}

	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = handlers.DefaultHeartbeatInterval
	}
	if cfg.RateLimit.RequestsPerSecond == 0 && cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.RateLimitConfig = middleware.DefaultRateLimitConfig()
	}
	if cfg.Events.Embedded.Enabled && cfg.Events.Embedded.StoreDir == "" {
		cfg.Events.Embedded.StoreDir = cfg.DataDir + "/nats"
	}

	telemetryDefaults := telemetry.DefaultConfig()
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = telemetryDefaults.ServiceName
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = telemetryDefaults.ServiceVersion
	}
	if cfg.Telemetry.Environment == "" {
		cfg.Telemetry.Environment = telemetryDefaults.Environment
	}
	if cfg.Telemetry.TraceExporter == "" {
		cfg.Telemetry.TraceExporter = telemetryDefaults.TraceExporter
	}
	if cfg.Telemetry.MetricExporter == "" {
		cfg.Telemetry.MetricExporter = telemetryDefaults.MetricExporter
	}
	if cfg.Telemetry.OTLPEndpoint == "" {
		cfg.Telemetry.OTLPEndpoint = telemetryDefaults.OTLPEndpoint
		cfg.Telemetry.OTLPInsecure = telemetryDefaults.OTLPInsecure
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = telemetryDefaults.SampleRate
	}

	if cfg.Retention.Interval <= 0 {
		cfg.Retention.Interval = retention.DefaultConfig().Interval
	}
	if cfg.Retention.BatchSize <= 0 {
		cfg.Retention.BatchSize = retention.DefaultConfig().BatchSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return cfg
}

// =============================================================================
// Implementation
// =============================================================================

// service is the production Service.
type service struct {
	config   Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *observability.StreamingMetrics

	store        store.Store
	providers    *llm.Registry
	publisher    events.Publisher
	embedded     *events.EmbeddedServer
	orchestrator *streaming.Orchestrator
	sweeper      *retention.Sweeper
	limiterRedis *redis.Client
	websockets   *handlers.WebSocketHandler
	router       *gin.Engine

	telemetryShutdown func(context.Context) error

	mu       sync.Mutex
	addr     net.Addr
	closeErr error
	closed   bool
}

// New builds every gateway component. On failure everything already built
// is released.
//
// # Description
//
// Components are built in dependency order: telemetry, store, providers,
// turn events, orchestrator, router. An unreachable NATS server disables
// turn events instead of failing. Nothing listens until Run is called.
//
// # Outputs
//
//   - Service: The caller must Close it, whether or not Run was called.
//   - error: The first component that failed, wrapped with its step name.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &service{
		config:   applyConfigDefaults(cfg),
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = observability.NewStreamingMetrics(s.registry)

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"telemetry", s.initTelemetry},
		{"store", s.initStore},
		{"providers", s.initProviders},
		{"events", s.initEvents},
		{"orchestrator", s.initOrchestrator},
		{"router", s.initRouter},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("initialize %s: %w", step.name, err)
		}
	}
	s.sweeper = retention.NewSweeper(s.store, s.config.Retention, s.logger)
	return s, nil
}

func (s *service) initTelemetry(ctx context.Context) error {
	tcfg := s.config.Telemetry
	tcfg.Registerer = s.registry
	shutdown, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return err
	}
	s.telemetryShutdown = shutdown
	return nil
}

func (s *service) initStore(ctx context.Context) error {
	st, err := store.Open(ctx, s.config.Store, s.logger)
	if err != nil {
		return err
	}
	s.store = store.Instrument(st, func(op string, elapsed time.Duration, err error) {
		s.metrics.RecordStoreOperation(op, elapsed.Seconds(), err)
	})
	return nil
}

func (s *service) initProviders(ctx context.Context) error {
	registry, err := llm.BuildRegistry(ctx, s.config.Providers, s.logger)
	if err != nil {
		return err
	}
	s.providers = registry
	return nil
}

// initEvents connects the publisher. A broker that cannot be reached only
// disables events; streaming never depends on it.
func (s *service) initEvents(ctx context.Context) error {
	s.publisher = events.NoopPublisher{}

	ncfg := s.config.Events.NATS
	if s.config.Events.Embedded.Enabled {
		srv, err := events.StartEmbeddedServer(s.config.Events.Embedded, s.logger)
		if err != nil {
			return err
		}
		s.embedded = srv
		if ncfg.URL == "" {
			ncfg.URL = srv.ClientURL()
		}
	}
	if ncfg.URL == "" {
		s.logger.Info("Turn events disabled: no NATS URL configured")
		return nil
	}

	pub, err := events.NewNATSPublisher(ctx, ncfg, s.logger)
	if err != nil {
		s.logger.Warn("Turn events disabled: NATS unavailable", "url", ncfg.URL, "error", err)
		return nil
	}
	s.publisher = events.NewAsyncPublisher(pub, s.config.Events.QueueSize, s.config.ShutdownTimeout, s.logger)
	return nil
}

func (s *service) initOrchestrator(context.Context) error {
	orch, err := streaming.New(s.store, s.providers, s.config.Streaming,
		streaming.WithLogger(s.logger),
		streaming.WithMetrics(s.metrics),
		streaming.WithPublisher(s.publisher),
	)
	if err != nil {
		return err
	}
	s.orchestrator = orch
	return nil
}

func (s *service) initRouter(ctx context.Context) error {
	gin.SetMode(s.config.GinMode)

	var limit gin.HandlerFunc
	if addr := s.config.RateLimit.RedisAddr; addr != "" && s.config.RateLimit.RequestsPerSecond > 0 {
		s.limiterRedis = redis.NewClient(&redis.Options{Addr: addr})
		limiter := middleware.NewRedisLimiter(s.limiterRedis, s.config.Telemetry.ServiceName, s.config.RateLimit.RateLimitConfig)
		limit = middleware.RedisRateLimit(limiter, s.logger)
	} else {
		limit = middleware.RateLimit(s.config.RateLimit.RateLimitConfig)
	}

	router := gin.New()
	router.Use(
		gin.Recovery(),
		otelgin.Middleware(s.config.Telemetry.ServiceName),
		middleware.RequestLogger(s.logger, "/healthz", "/metrics"),
		middleware.CORS(middleware.NewOriginPolicy(s.config.AllowedOrigins)),
	)

	s.websockets = handlers.NewWebSocketHandler(s.orchestrator, s.metrics, s.logger, s.config.Heartbeat, s.config.AllowedOrigins)
	routes.SetupRoutes(router, routes.Handlers{
		Stream:    handlers.NewStreamHandler(s.orchestrator, s.metrics, s.logger, s.config.Heartbeat),
		WebSocket: s.websockets,
		Sessions: handlers.NewSessionHandler(s.store, store.SessionDefaults{
			Title:    s.config.Sessions.Title,
			Provider: s.config.Sessions.Provider,
			Model:    s.config.Sessions.Model,
		}, s.logger),
		Login:         handlers.NewLoginHandler(s.store, s.logger),
		Health:        handlers.HealthCheck(s.store, s.providers.Names),
		Gatherer:      s.registry,
		APIMiddleware: []gin.HandlerFunc{limit},
	})
	s.router = router
	return nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

func (s *service) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	// Request contexts outlive ctx so that Shutdown can drain in-flight
	// turns. stopRequests cancels them once the drain deadline passes.
	requestCtx, stopRequests := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRequests()

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		BaseContext:       func(net.Listener) context.Context { return requestCtx },
	}
	// Hijacked connections are invisible to Shutdown.
	srv.RegisterOnShutdown(s.websockets.Shutdown)

	g, gctx := errgroup.WithContext(ctx)
	if s.config.Retention.Enabled() {
		if err := s.sweeper.Start(gctx); err != nil {
			ln.Close()
			return err
		}
		defer s.sweeper.Stop()
	}
	g.Go(func() error {
		s.logger.Info("Starting chat gateway", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutting down chat gateway", "timeout", s.config.ShutdownTimeout.String())
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
		defer cancel()

		err := errors.Join(srv.Shutdown(shutdownCtx), s.websockets.Wait(shutdownCtx))
		if err != nil {
			s.logger.Warn("Graceful shutdown incomplete, aborting open streams", "error", err)
			stopRequests()
			_ = srv.Close()
		}
		return err
	})
	return g.Wait()
}

// Addr reports the bound listen address once Run has started.
func (s *service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *service) Router() *gin.Engine {
	return s.router
}

func (s *service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.closeErr
	}
	s.closed = true

	var errs []error
	if s.publisher != nil {
		errs = append(errs, s.publisher.Close())
	}
	if s.embedded != nil {
		s.embedded.Shutdown()
	}
	if s.limiterRedis != nil {
		errs = append(errs, s.limiterRedis.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.telemetryShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, s.telemetryShutdown(ctx))
		cancel()
	}
	s.closeErr = errors.Join(errs...)
	return s.closeErr
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
