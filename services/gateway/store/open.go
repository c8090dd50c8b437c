// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/ChatGateway/services/gateway/store/badgerdb"
)

// Driver names a storage backend.
type Driver string

const (
	DriverMemory   Driver = "memory"
	DriverBadger   Driver = "badger"
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
	DriverRedis    Driver = "redis"
)

// Config selects and configures the backend.
type Config struct {
	Driver   Driver          `yaml:"driver"`
	Badger   badgerdb.Config `yaml:"badger"`
	SQLite   SQLiteConfig    `yaml:"sqlite"`
	Postgres PostgresConfig  `yaml:"postgres"`
	Redis    RedisConfig     `yaml:"redis"`
}

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// DefaultConfig stores data in Badger under dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{
		Driver: DriverBadger,
		Badger: badgerdb.DefaultConfig(dataDir + "/badger"),
		SQLite: SQLiteConfig{Path: dataDir + "/chatgw.db"},
	}
}

// Open builds the backend named by cfg.Driver.
//
// # Description
//
// An empty driver selects Badger. SQLite and Postgres apply their schema
// migrations before returning; Redis and Postgres are pinged so that a bad
// address fails here and not on the first turn.
//
// # Inputs
//
//   - ctx: Bounds connection setup and migrations.
//   - cfg: Driver plus the settings block for that driver. Other blocks are
//     ignored.
//   - logger: Used by backends that log. Nil means slog.Default().
//
// # Outputs
//
//   - Store: The caller owns it and must Close it.
//   - error: An unknown driver or a failure to open the backend.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	driver := Driver(strings.ToLower(string(cfg.Driver)))

	var (
		s   Store
		err error
	)
	switch driver {
	case DriverMemory:
		s = NewMemoryStore()
	case DriverBadger, "":
		bcfg := cfg.Badger
		if bcfg.Logger == nil {
			bcfg.Logger = logger.With("component", "badger")
		}
		s, err = OpenBadgerStore(bcfg)
	case DriverSQLite:
		s, err = OpenSQLiteStore(ctx, cfg.SQLite.Path)
	case DriverPostgres:
		s, err = OpenPostgresStore(ctx, cfg.Postgres, logger.With("component", "postgres"))
	case DriverRedis:
		s, err = OpenRedisStore(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if driver == "" {
		driver = DriverBadger
	}
	logger.Info("session store opened", "driver", string(driver))
	return s, nil
}
