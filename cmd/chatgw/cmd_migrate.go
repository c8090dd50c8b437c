// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/AleutianAI/ChatGateway/pkg/ux"
	"github.com/AleutianAI/ChatGateway/services/gateway/store"
	"github.com/spf13/cobra"
)

// migrateTimeout bounds connecting and applying migrations.
const migrateTimeout = 2 * time.Minute

// runMigrate opens the configured store, which applies pending schema
// migrations for SQL backends, and checks that it answers.
func runMigrate(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), migrateTimeout)
	defer cancel()

	storeCfg := appConfig.Config.WithDefaults().Store
	if err := migrateStore(ctx, storeCfg); err != nil {
		return err
	}

	p := ux.NewPrinter(cmd.OutOrStdout())
	switch storeCfg.Driver {
	case store.DriverSQLite, store.DriverPostgres:
		p.Success(fmt.Sprintf("%s schema is up to date", storeCfg.Driver))
	default:
		p.Success(fmt.Sprintf("%s store is reachable; it has no schema to migrate", storeCfg.Driver))
	}
	return nil
}

func migrateStore(ctx context.Context, cfg store.Config) error {
	st, err := store.Open(ctx, cfg, appLogger.Slog())
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}
	defer st.Close()

	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("ping %s store: %w", cfg.Driver, err)
	}
	return nil
}
