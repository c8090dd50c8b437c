// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package streaming

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestState_String(t *testing.T) {
	assert.Equal(t, "ValidatingInput", StateValidatingInput.String())
	assert.Equal(t, "PersistingAssistantMessage", StatePersistingAssistantMessage.String())
	assert.Equal(t, "Aborted", StateAborted.String())
	assert.Equal(t, "Unknown", State(42).String())
}

func TestState_Terminal(t *testing.T) {
	for s := StateValidatingInput; s <= StateAborted; s++ {
		assert.Equal(t, s == StateCompleted || s == StateAborted, s.Terminal(), s.String())
	}
}

func TestEvent_Payload(t *testing.T) {
	assert.Equal(t, "[DONE]", Event{Kind: EventDone}.Payload())
	assert.Equal(t, "tok", Event{Kind: EventDelta, Delta: "tok"}.Payload())
	assert.True(t, Event{Kind: EventError, Delta: "x"}.Terminal())
	assert.False(t, Event{Kind: EventDelta}.Terminal())
	assert.Equal(t, "error", EventError.String())
}
