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

// State is a step of a streaming turn.
type State int

const (
	StateValidatingInput State = iota
	StateResolvingSession
	StatePersistingUserMessage
	StateSelectingProvider
	StateStreaming
	StatePersistingAssistantMessage
	StateCompleted
	StateAborted
)

var stateNames = [...]string{
	StateValidatingInput:            "ValidatingInput",
	StateResolvingSession:           "ResolvingSession",
	StatePersistingUserMessage:      "PersistingUserMessage",
	StateSelectingProvider:          "SelectingProvider",
	StateStreaming:                  "Streaming",
	StatePersistingAssistantMessage: "PersistingAssistantMessage",
	StateCompleted:                  "Completed",
	StateAborted:                    "Aborted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}
