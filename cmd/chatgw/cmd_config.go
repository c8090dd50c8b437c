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
	"fmt"

	"github.com/AleutianAI/ChatGateway/cmd/chatgw/config"
	"github.com/AleutianAI/ChatGateway/pkg/ux"
	"github.com/AleutianAI/ChatGateway/services/llm"
	"github.com/spf13/cobra"
)

const redacted = "REDACTED"

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := "chatgw.yaml"
	if len(args) == 1 {
		path = args[0]
	}
	if err := config.WriteDefault(path); err != nil {
		return err
	}
	ux.NewPrinter(cmd.OutOrStdout()).Success("wrote " + path)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	data, err := config.Marshal(redact(*appConfig))
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(cmd.OutOrStdout(), string(data))
	return err
}

// redact fills defaults and masks credentials. Providers are copied so
// the loaded config is not modified.
func redact(cfg config.Config) config.Config {
	cfg.Config = cfg.Config.WithDefaults()

	providers := make([]llm.ProviderConfig, len(cfg.Providers))
	copy(providers, cfg.Providers)
	for i := range providers {
		if providers[i].APIKey != "" {
			providers[i].APIKey = redacted
		}
	}
	cfg.Providers = providers

	if cfg.Store.Postgres.DSN != "" {
		cfg.Store.Postgres.DSN = redacted
	}
	if cfg.Store.Redis.Password != "" {
		cfg.Store.Redis.Password = redacted
	}
	return cfg
}
