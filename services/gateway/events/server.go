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
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedConfig configures an in-process JetStream server for single-node
// deployments that want turn events without running NATS separately.
type EmbeddedConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"` // -1 picks a random port
	StoreDir string `yaml:"store_dir"`
}

// EmbeddedServer is a running in-process NATS server.
type EmbeddedServer struct {
	srv *server.Server
}

// StartEmbeddedServer starts a JetStream-enabled NATS server and waits for it
// to accept connections.
func StartEmbeddedServer(cfg EmbeddedConfig, logger *slog.Logger) (*EmbeddedServer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	srv, err := server.NewServer(&server.Options{
		ServerName: "chatgw_embedded",
		Host:       host,
		Port:       cfg.Port,
		JetStream:  true,
		StoreDir:   cfg.StoreDir,
		NoSigs:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("create NATS server: %w", err)
	}
	srv.SetLogger(&natsLogger{log: logger.With("component", "nats-server")}, false, false)
	srv.Start()

	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("NATS server not ready within 5s")
	}
	return &EmbeddedServer{srv: srv}, nil
}

// ClientURL is the URL publishers connect to.
func (s *EmbeddedServer) ClientURL() string {
	return s.srv.ClientURL()
}

// Shutdown stops the server and waits for it to exit.
func (s *EmbeddedServer) Shutdown() {
	s.srv.Shutdown()
	s.srv.WaitForShutdown()
}

// natsLogger forwards server logs to slog. Notices are demoted to debug
// since the server is chatty at startup.
type natsLogger struct {
	log *slog.Logger
}

func (n *natsLogger) Noticef(format string, v ...any) { n.log.Debug(fmt.Sprintf(format, v...)) }
func (n *natsLogger) Warnf(format string, v ...any)   { n.log.Warn(fmt.Sprintf(format, v...)) }
func (n *natsLogger) Fatalf(format string, v ...any)  { n.log.Error(fmt.Sprintf(format, v...)) }
func (n *natsLogger) Errorf(format string, v ...any)  { n.log.Error(fmt.Sprintf(format, v...)) }
func (n *natsLogger) Debugf(format string, v ...any)  { n.log.Debug(fmt.Sprintf(format, v...)) }
func (n *natsLogger) Tracef(format string, v ...any)  {}
