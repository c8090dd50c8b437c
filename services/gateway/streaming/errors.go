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
	"errors"
	"fmt"
)

var (
	// ErrClientDisconnected is the cause of turns aborted because the client
	// went away or its context was cancelled.
	ErrClientDisconnected = errors.New("client disconnected")

	// ErrAccumulatorOverflow is returned once a response outgrows the
	// accumulator's capacity.
	ErrAccumulatorOverflow = errors.New("response exceeds accumulator capacity")

	// ErrAccumulatorDestroyed is returned by any use after Finalize or Destroy.
	ErrAccumulatorDestroyed = errors.New("accumulator already destroyed")

	// ErrInsufficientMlock is returned when locked memory was required but
	// RLIMIT_MEMLOCK is too small and insecure fallback is not allowed.
	ErrInsufficientMlock = errors.New("mlock limit insufficient for locked accumulator")
)

// InvalidInputError reports a request field that failed validation.
type InvalidInputError struct {
	Field string
	Value string
	Err   error
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *InvalidInputError) Unwrap() error {
	return e.Err
}

// Client-visible messages. Raw causes are logged, never sent.
const (
	msgInvalidSessionID = "Invalid session_id"
	msgInternal         = "Internal server error"
	msgGeneration       = "An error occurred while generating the response"
	msgTooLarge         = "The response exceeded the maximum supported length"
)

func unsupportedProviderMessage(name string) string {
	return fmt.Sprintf("Unsupported provider '%s'", name)
}
