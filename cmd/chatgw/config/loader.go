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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/ChatGateway/pkg/client"
	"github.com/AleutianAI/ChatGateway/services/gateway"
	"github.com/AleutianAI/ChatGateway/services/gateway/store"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the config file when --config is not given.
const EnvConfigPath = "CHATGW_CONFIG"

// LookupFunc reads an environment variable.
type LookupFunc func(key string) (string, bool)

// Load reads the YAML file at path, if any, and applies CHATGW_*
// environment overrides on top. An empty path falls back to
// $CHATGW_CONFIG; with neither set only the environment and built-in
// defaults apply.
//
// Gateway defaults are left to the gateway itself, so that an overridden
// data directory still moves the store files.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup LookupFunc) (*Config, error) {
	if path == "" {
		path, _ = lookup(EnvConfigPath)
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file %s not found, create one with 'chatgw config init %s'", path, path)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read the config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "auto"
	}
	if cfg.Client.URL == "" {
		cfg.Client.URL = client.DefaultBaseURL
	}
}

// WriteDefault writes a fully populated default configuration to path,
// creating parent directories. An existing file is left untouched and
// reported as an error.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create the config directory: %w", err)
		}
	}

	cfg := Config{Config: gateway.DefaultConfig()}
	applyDefaults(&cfg)
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Marshal encodes cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return data, nil
}

// =============================================================================
// Environment overrides
// =============================================================================

type envOverride struct {
	key   string
	apply func(cfg *Config, value string) error
}

// envOverrides lists every supported variable. Empty values are ignored.
var envOverrides = []envOverride{
	{"CHATGW_HOST", func(c *Config, v string) error { c.Host = v; return nil }},
	{"CHATGW_PORT", func(c *Config, v string) error { return setInt(&c.Port, v) }},
	{"CHATGW_GIN_MODE", func(c *Config, v string) error { c.GinMode = v; return nil }},
	{"CHATGW_DATA_DIR", func(c *Config, v string) error { c.DataDir = v; return nil }},

	{"CHATGW_STORE_DRIVER", func(c *Config, v string) error { c.Store.Driver = store.Driver(v); return nil }},
	{"CHATGW_BADGER_PATH", func(c *Config, v string) error { c.Store.Badger.Path = v; return nil }},
	{"CHATGW_SQLITE_PATH", func(c *Config, v string) error { c.Store.SQLite.Path = v; return nil }},
	{"CHATGW_POSTGRES_DSN", func(c *Config, v string) error { c.Store.Postgres.DSN = v; return nil }},
	{"CHATGW_REDIS_ADDR", func(c *Config, v string) error { c.Store.Redis.Addr = v; return nil }},

	{"CHATGW_DEFAULT_PROVIDER", func(c *Config, v string) error { c.Streaming.DefaultProvider = v; return nil }},
	{"CHATGW_DEFAULT_MODEL", func(c *Config, v string) error { c.Streaming.DefaultModel = v; return nil }},
	{"CHATGW_HEARTBEAT", func(c *Config, v string) error { return setDuration(&c.Heartbeat, v) }},
	{"CHATGW_ALLOWED_ORIGINS", func(c *Config, v string) error { c.AllowedOrigins = splitList(v); return nil }},

	{"CHATGW_RATE_LIMIT_RPS", func(c *Config, v string) error { return setFloat(&c.RateLimit.RequestsPerSecond, v) }},
	{"CHATGW_RATE_LIMIT_BURST", func(c *Config, v string) error { return setInt(&c.RateLimit.Burst, v) }},
	{"CHATGW_RATE_LIMIT_REDIS_ADDR", func(c *Config, v string) error { c.RateLimit.RedisAddr = v; return nil }},

	{"CHATGW_NATS_URL", func(c *Config, v string) error { c.Events.NATS.URL = v; return nil }},
	{"CHATGW_EMBEDDED_NATS", func(c *Config, v string) error { return setBool(&c.Events.Embedded.Enabled, v) }},

	{"CHATGW_RETENTION_MAX_AGE", func(c *Config, v string) error { return setDuration(&c.Retention.MaxAge, v) }},

	{"CHATGW_LOG_LEVEL", func(c *Config, v string) error { c.Log.Level = v; return nil }},
	{"CHATGW_LOG_FORMAT", func(c *Config, v string) error { c.Log.Format = v; return nil }},
	{"CHATGW_LOG_DIR", func(c *Config, v string) error { c.Log.Dir = v; return nil }},
	{"CHATGW_URL", func(c *Config, v string) error { c.Client.URL = v; return nil }},
}

func applyEnv(cfg *Config, lookup LookupFunc) error {
	var errs []error
	for _, o := range envOverrides {
		value, ok := lookup(o.key)
		value = strings.TrimSpace(value)
		if !ok || value == "" {
			continue
		}
		if err := o.apply(cfg, value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.key, err))
		}
	}
	return errors.Join(errs...)
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid integer %q", v)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, v string) error {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q", v)
	}
	*dst = f
	return nil
}

func setBool(dst *bool, v string) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid boolean %q", v)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, v string) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid duration %q", v)
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
