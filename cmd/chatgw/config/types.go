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
	"github.com/AleutianAI/ChatGateway/pkg/logging"
	"github.com/AleutianAI/ChatGateway/services/gateway"
)

// Config is the chatgw configuration file. Server settings sit at the top
// level; log and client settings are nested.
type Config struct {
	gateway.Config `yaml:",inline"`

	Log    LogConfig    `yaml:"log"`
	Client ClientConfig `yaml:"client"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is auto, json or text.
	Format string `yaml:"format"`

	// Dir adds a daily JSON log file when set.
	Dir string `yaml:"dir"`
}

// ClientConfig is used by the chat and sessions commands.
type ClientConfig struct {
	// URL of a running gateway.
	URL string `yaml:"url"`
}

// LoggingConfig converts c into the logger configuration.
func (c LogConfig) LoggingConfig(service string) (logging.Config, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return logging.Config{}, err
	}
	return logging.Config{
		Level:   level,
		Format:  logging.Format(c.Format),
		LogDir:  c.Dir,
		Service: service,
	}, nil
}
