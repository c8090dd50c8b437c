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
	"log/slog"

	"github.com/AleutianAI/ChatGateway/cmd/chatgw/config"
	"github.com/AleutianAI/ChatGateway/pkg/logging"
	"github.com/spf13/cobra"
)

// Set through -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

// --- Global Command Variables ---
var (
	configPath string
	logLevel   string
	serverURL  string

	servePort int

	chatSession  string
	chatProvider string
	chatModel    string

	sessionsJSON bool
	sessionTitle string
	sessionProv  string
	sessionModel string

	appConfig *config.Config
	appLogger *logging.Logger

	rootCmd = &cobra.Command{
		Use:   "chatgw",
		Short: "Streaming chat gateway for LLM providers",
		Long: `chatgw serves chat sessions over Server-Sent Events and WebSocket,
streaming completions from OpenAI, Anthropic, Gemini or Ollama and
persisting every turn.`,
		SilenceUsage:       true,
		SilenceErrors:      true,
		PersistentPreRunE:  loadConfig,
		PersistentPostRunE: closeLogger,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	chatCmd = &cobra.Command{
		Use:   "chat [prompt...]",
		Short: "Stream a prompt through a running gateway",
		Long: `Sends the prompt to /api/stream and prints fragments as they arrive.
Without arguments, prompts are read line by line from stdin and sent as
consecutive turns of the same session.`,
		RunE: runChat,
	}

	sessionsCmd = &cobra.Command{
		Use:     "sessions",
		Short:   "List chat sessions",
		Aliases: []string{"session", "s"},
		Args:    cobra.NoArgs,
		RunE:    runSessionsList,
	}
	sessionsCreateCmd = &cobra.Command{
		Use:   "create",
		Short: "Create an empty session",
		Args:  cobra.NoArgs,
		RunE:  runSessionsCreate,
	}
	sessionsMessagesCmd = &cobra.Command{
		Use:   "messages <session-id>",
		Short: "Print the transcript of a session",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionsMessages,
	}
	sessionsDeleteCmd = &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and its messages",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionsDelete,
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the session store schema",
		Args:  cobra.NoArgs,
		RunE:  runMigrate,
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Inspect or create configuration files",
	}
	configInitCmd = &cobra.Command{
		Use:         "init [path]",
		Short:       "Write a default configuration file (default chatgw.yaml)",
		Args:        cobra.MaximumNArgs(1),
		RunE:        runConfigInit,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
	}
	configShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the chatgw version",
		Args:  cobra.NoArgs,
		Run:   runVersion,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config file (default $CHATGW_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port, overriding the config file")

	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&serverURL, "url", "", "Gateway URL (default client.url from config)")
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "", "Session id to continue (default: a new session)")
	chatCmd.Flags().StringVar(&chatProvider, "provider", "", "Provider name, e.g. openai, claude, gemini")
	chatCmd.Flags().StringVarP(&chatModel, "model", "m", "", "Model id passed to the provider")

	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.PersistentFlags().StringVar(&serverURL, "url", "", "Gateway URL (default client.url from config)")
	sessionsCmd.PersistentFlags().BoolVar(&sessionsJSON, "json", false, "Print JSON instead of a table")
	sessionsCmd.AddCommand(sessionsCreateCmd)
	sessionsCreateCmd.Flags().StringVar(&sessionTitle, "title", "", "Session title")
	sessionsCreateCmd.Flags().StringVar(&sessionProv, "provider", "", "Default provider of the session")
	sessionsCreateCmd.Flags().StringVar(&sessionModel, "model", "", "Default model of the session")
	sessionsCmd.AddCommand(sessionsMessagesCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)

	rootCmd.AddCommand(migrateCmd)

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	rootCmd.AddCommand(versionCmd)
}

// skipConfigAnnotation marks commands that must work without a readable
// config file.
const skipConfigAnnotation = "chatgw/skip-config"

// loadConfig runs before every command.
func loadConfig(cmd *cobra.Command, args []string) error {
	if cmd.Annotations[skipConfigAnnotation] == "true" {
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	lc, err := cfg.Log.LoggingConfig("chatgw")
	if err != nil {
		return fmt.Errorf("log config: %w", err)
	}
	lc.Output = cmd.ErrOrStderr()
	appConfig = cfg
	appLogger = logging.New(lc)
	slog.SetDefault(appLogger.Slog())
	return nil
}

func closeLogger(cmd *cobra.Command, args []string) error {
	if appLogger == nil {
		return nil
	}
	return appLogger.Close()
}

// gatewayURL resolves --url, then the config file.
func gatewayURL() string {
	if serverURL != "" {
		return serverURL
	}
	return appConfig.Client.URL
}
