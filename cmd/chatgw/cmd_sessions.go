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
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/AleutianAI/ChatGateway/pkg/client"
	"github.com/AleutianAI/ChatGateway/pkg/ux"
	"github.com/AleutianAI/ChatGateway/services/gateway/datatypes"
	"github.com/AleutianAI/ChatGateway/services/gateway/store"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func runSessionsList(cmd *cobra.Command, args []string) error {
	sessions, err := client.New(gatewayURL(), nil).ListSessions(cmd.Context())
	if err != nil {
		return err
	}
	if sessionsJSON {
		return writeJSON(cmd.OutOrStdout(), sessions)
	}

	p := ux.NewPrinter(cmd.OutOrStdout())
	if len(sessions) == 0 {
		p.Muted("no sessions")
		return nil
	}
	p.Table([]string{"ID", "TITLE", "PROVIDER", "MODEL", "UPDATED"}, sessionRows(sessions))
	return nil
}

func sessionRows(sessions []store.Session) [][]string {
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, []string{
			s.ID.String(),
			s.Title,
			s.Provider,
			s.Model,
			s.UpdatedAt.Local().Format(time.DateTime),
		})
	}
	return rows
}

func runSessionsCreate(cmd *cobra.Command, args []string) error {
	session, err := client.New(gatewayURL(), nil).CreateSession(cmd.Context(), datatypes.CreateSessionRequest{
		Title:    sessionTitle,
		Provider: sessionProv,
		Model:    sessionModel,
	})
	if err != nil {
		return err
	}
	if sessionsJSON {
		return writeJSON(cmd.OutOrStdout(), session)
	}
	ux.NewPrinter(cmd.OutOrStdout()).Success(fmt.Sprintf("created %s (%s)", session.ID, session.Title))
	return nil
}

func runSessionsMessages(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid session id %q", args[0])
	}
	msgs, err := client.New(gatewayURL(), nil).ListMessages(cmd.Context(), id)
	if client.IsNotFound(err) {
		return fmt.Errorf("session %s not found", id)
	}
	if err != nil {
		return err
	}
	if sessionsJSON {
		return writeJSON(cmd.OutOrStdout(), msgs)
	}

	p := ux.NewPrinter(cmd.OutOrStdout())
	for _, m := range msgs {
		header := string(m.Role)
		if m.Role == store.RoleAssistant {
			header += " (" + m.Provider + "/" + m.Model + ")"
		}
		p.Title("#" + strconv.FormatInt(m.ID, 10) + " " + header)
		p.Fragment(m.Content + "\n\n")
	}
	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid session id %q", args[0])
	}
	err = client.New(gatewayURL(), nil).DeleteSession(cmd.Context(), id)
	if client.IsNotFound(err) {
		return fmt.Errorf("session %s not found", id)
	}
	if err != nil {
		return err
	}
	ux.NewPrinter(cmd.OutOrStdout()).Success("deleted " + id.String())
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
