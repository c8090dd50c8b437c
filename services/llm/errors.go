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
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedProvider matches every *UnsupportedProviderError.
	ErrUnsupportedProvider = errors.New("unsupported provider")

	// ErrMissingAPIKey is returned by constructors when no key source is set.
	ErrMissingAPIKey = errors.New("missing API key")

	// errTruncated is wrapped in a *StreamError when the upstream body ends
	// before the backend signalled the end of the completion.
	errTruncated = errors.New("upstream stream ended before completion")
)

// UnsupportedProviderError reports a provider name outside the registry.
type UnsupportedProviderError struct {
	Name string
}

func (e *UnsupportedProviderError) Error() string {
	return fmt.Sprintf("unsupported provider '%s'", e.Name)
}

func (e *UnsupportedProviderError) Is(target error) bool {
	return target == ErrUnsupportedProvider
}

// StreamError is a backend or network failure while opening or consuming a
// completion stream.
type StreamError struct {
	Provider string
	Err      error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("provider %s stream failed: %v", e.Provider, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

func streamErr(provider string, err error) error {
	if err == nil {
		return nil
	}
	var se *StreamError
	if errors.As(err, &se) {
		return err
	}
	return &StreamError{Provider: provider, Err: err}
}
