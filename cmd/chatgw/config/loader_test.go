// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/ChatGateway/pkg/logging"
	"github.com/AleutianAI/ChatGateway/services/gateway/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatgw.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	cfg, err := load("", env(nil))

	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "auto", cfg.Log.Format)
	assert.Equal(t, "http://localhost:12230", cfg.Client.URL)
	assert.Zero(t, cfg.Port, "gateway defaults are applied by the gateway")
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
port: 9000
data_dir: /var/lib/chatgw
heartbeat: 5s
store:
  driver: sqlite
  sqlite:
    path: /tmp/chat.db
streaming:
  default_provider: claude
rate_limit:
  requests_per_second: 2
  burst: 4
  redis_addr: redis:6379
events:
  nats:
    url: nats://nats:4222
retention:
  max_age: 720h
providers:
  - name: gemini
    kind: scripted
    fragments: ["a", "b"]
log:
  level: debug
client:
  url: http://gateway:8080
`)

	cfg, err := load(path, env(nil))

	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "/var/lib/chatgw", cfg.DataDir)
	assert.Equal(t, 5*time.Second, cfg.Heartbeat)
	assert.Equal(t, store.DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "/tmp/chat.db", cfg.Store.SQLite.Path)
	assert.Equal(t, "claude", cfg.Streaming.DefaultProvider)
	assert.Equal(t, 2.0, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, 4, cfg.RateLimit.Burst)
	assert.Equal(t, "redis:6379", cfg.RateLimit.RedisAddr)
	assert.Equal(t, "nats://nats:4222", cfg.Events.NATS.URL)
	assert.Equal(t, 720*time.Hour, cfg.Retention.MaxAge)
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, []string{"a", "b"}, cfg.Providers[0].Fragments)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "http://gateway:8080", cfg.Client.URL)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "port: 9000\nstore:\n  driver: sqlite\n")

	cfg, err := load(path, env(map[string]string{
		"CHATGW_PORT":            "9100",
		"CHATGW_STORE_DRIVER":    "postgres",
		"CHATGW_POSTGRES_DSN":    "postgres://localhost/chat",
		"CHATGW_NATS_URL":        "nats://localhost:4222",
		"CHATGW_EMBEDDED_NATS":   "true",
		"CHATGW_ALLOWED_ORIGINS": "https://a.example, ,https://b.example",
		"CHATGW_HEARTBEAT":       "30s",
		"CHATGW_LOG_LEVEL":       "warn",
		"CHATGW_DATA_DIR":        "  ",
	}))

	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, store.DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/chat", cfg.Store.Postgres.DSN)
	assert.Equal(t, "nats://localhost:4222", cfg.Events.NATS.URL)
	assert.True(t, cfg.Events.Embedded.Enabled)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 30*time.Second, cfg.Heartbeat)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Empty(t, cfg.DataDir)
}

func TestLoad_PathFromEnv(t *testing.T) {
	path := writeFile(t, "port: 7000\n")

	cfg, err := load("", env(map[string]string{EnvConfigPath: path}))

	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Port)
}

func TestLoad_Errors(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "missing.yaml"), env(nil))
	assert.ErrorContains(t, err, "not found")

	_, err = load(writeFile(t, "port: [\n"), env(nil))
	assert.ErrorContains(t, err, "failed to parse")

	_, err = load("", env(map[string]string{
		"CHATGW_PORT":      "eighty",
		"CHATGW_HEARTBEAT": "soon",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHATGW_PORT")
	assert.Contains(t, err.Error(), "CHATGW_HEARTBEAT")
}

func TestWriteDefault_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "chatgw.yaml")

	require.NoError(t, WriteDefault(path))
	assert.Error(t, WriteDefault(path), "existing files are not overwritten")

	cfg, err := load(path, env(nil))
	require.NoError(t, err)
	assert.Equal(t, 12230, cfg.Port)
	assert.Equal(t, store.DriverBadger, cfg.Store.Driver)
	assert.Equal(t, 15*time.Second, cfg.Heartbeat)
	assert.Equal(t, "gemini-pro", cfg.Sessions.Model)
	assert.NotEmpty(t, cfg.Providers)
}

func TestLogConfig_LoggingConfig(t *testing.T) {
	lc, err := LogConfig{Level: "debug", Format: "json", Dir: "/tmp/logs"}.LoggingConfig("chatgw")
	require.NoError(t, err)
	assert.Equal(t, logging.LevelDebug, lc.Level)
	assert.Equal(t, logging.FormatJSON, lc.Format)
	assert.Equal(t, "chatgw", lc.Service)

	_, err = LogConfig{Level: "loud"}.LoggingConfig("chatgw")
	assert.Error(t, err)
}
