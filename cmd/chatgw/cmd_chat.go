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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/AleutianAI/ChatGateway/pkg/client"
	"github.com/AleutianAI/ChatGateway/pkg/ux"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// TurnError is a terminal error event sent by the gateway.
type TurnError struct {
	Message string
}

func (e *TurnError) Error() string { return e.Message }

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionID := uuid.New()
	if chatSession != "" {
		id, err := uuid.Parse(chatSession)
		if err != nil {
			return fmt.Errorf("invalid --session %q: %w", chatSession, err)
		}
		sessionID = id
	}

	s := &chatSessionRunner{
		client:   client.New(gatewayURL(), nil),
		out:      ux.NewPrinter(cmd.OutOrStdout()),
		status:   ux.NewPrinter(cmd.ErrOrStderr()),
		session:  sessionID,
		provider: chatProvider,
		model:    chatModel,
	}

	if len(args) > 0 {
		return s.send(ctx, strings.Join(args, " "))
	}

	in := cmd.InOrStdin()
	if !isTerminal(in) {
		data, err := io.ReadAll(in)
		if err != nil {
			return fmt.Errorf("read prompt: %w", err)
		}
		prompt := strings.TrimSpace(string(data))
		if prompt == "" {
			return errors.New("no prompt given")
		}
		return s.send(ctx, prompt)
	}
	return s.loop(ctx, in, cmd.ErrOrStderr())
}

// chatSessionRunner sends turns of one session.
type chatSessionRunner struct {
	client   *client.Client
	out      *ux.Printer
	status   *ux.Printer
	session  uuid.UUID
	provider string
	model    string
}

// send streams one prompt to out. A gateway error event is returned as a
// *TurnError.
func (s *chatSessionRunner) send(ctx context.Context, prompt string) error {
	result, err := s.client.Stream(ctx, client.StreamRequest{
		SessionID: s.session,
		Prompt:    prompt,
		Provider:  s.provider,
		Model:     s.model,
	}, func(event ux.StreamEvent) error {
		if event.Type == ux.StreamEventDelta {
			s.out.Fragment(event.Delta)
		}
		return nil
	})
	if result != nil && result.Fragments > 0 {
		s.out.Fragment("\n")
	}
	if err != nil {
		return err
	}
	if result.HasError() {
		return &TurnError{Message: result.Error}
	}
	s.status.Muted(fmt.Sprintf("session %s · %d fragments in %s", s.session, result.Fragments, result.Duration.Round(time.Millisecond)))
	return nil
}

// loop reads prompts line by line until EOF or /exit. Gateway errors are
// printed and the loop continues.
func (s *chatSessionRunner) loop(ctx context.Context, in io.Reader, prompt io.Writer) error {
	s.status.Muted(fmt.Sprintf("session %s, /exit or Ctrl-D to quit", s.session))

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(prompt, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(prompt)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		}

		err := s.send(ctx, line)
		var turnErr *TurnError
		switch {
		case err == nil:
		case errors.As(err, &turnErr):
			s.status.Error(turnErr.Message)
		default:
			return err
		}
	}
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
