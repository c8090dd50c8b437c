// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// secretsDir is where container runtimes mount secrets.
var secretsDir = "/run/secrets"

// resolveAPIKey returns the key for cfg from, in order, the literal config
// value, the environment variable, and the secret file. The secret file
// defaults to /run/secrets/<lowercased env var name>.
func resolveAPIKey(cfg ProviderConfig) (string, error) {
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		return key, nil
	}
	if cfg.APIKeyEnv != "" {
		if key := strings.TrimSpace(os.Getenv(cfg.APIKeyEnv)); key != "" {
			return key, nil
		}
	}

	secretPath := cfg.SecretFile
	if secretPath == "" && cfg.APIKeyEnv != "" {
		secretPath = filepath.Join(secretsDir, strings.ToLower(cfg.APIKeyEnv))
	}
	if secretPath != "" {
		if data, err := os.ReadFile(secretPath); err == nil {
			if key := strings.TrimSpace(string(data)); key != "" {
				return key, nil
			}
		}
	}

	return "", fmt.Errorf("%w for provider %s (env %s)", ErrMissingAPIKey, cfg.Name, cfg.APIKeyEnv)
}
