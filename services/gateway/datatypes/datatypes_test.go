// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoginRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		email   string
		wantErr bool
	}{
		{"valid", "ada@example.com", false},
		{"padded", "  ada@example.com ", false},
		{"empty", "", true},
		{"no at", "ada.example.com", true},
		{"too long", strings.Repeat("a", 250) + "@example.com", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := LoginRequest{Email: tt.email}
			req.Normalize()
			err := req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStreamQuery_Validate(t *testing.T) {
	ok := StreamQuery{SessionID: "anything", Provider: "gemini", Prompt: ""}
	assert.NoError(t, ok.Validate(), "empty prompt is allowed")

	big := StreamQuery{Prompt: strings.Repeat("x", MaxPromptBytes+1)}
	assert.Error(t, big.Validate())

	// Unknown providers of any length are reported in-stream.
	longProvider := StreamQuery{Provider: strings.Repeat("p", 65)}
	assert.NoError(t, longProvider.Validate())

	longModel := StreamQuery{Model: strings.Repeat("m", 129)}
	assert.Error(t, longModel.Validate())
}

func TestWSStreamRequest_Validate(t *testing.T) {
	empty := ""
	assert.NoError(t, (&WSStreamRequest{Prompt: &empty}).Validate())
	assert.ErrorIs(t, (&WSStreamRequest{}).Validate(), ErrPromptMissing)

	big := strings.Repeat("x", MaxPromptBytes+1)
	assert.Error(t, (&WSStreamRequest{Prompt: &big}).Validate())
}

func TestCreateSessionRequest_Validate(t *testing.T) {
	assert.NoError(t, (&CreateSessionRequest{}).Validate())
	assert.Error(t, (&CreateSessionRequest{Title: strings.Repeat("t", 201)}).Validate())
}
