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
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferAccumulator_ConcatenatesInOrder(t *testing.T) {
	acc := newBufferAccumulator(0)
	for _, f := range []string{"he", "llo", " ", "wörld"} {
		require.NoError(t, acc.Write(f))
	}
	assert.Equal(t, len("hello wörld"), acc.Len())

	text, digest, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "hello wörld", text)
	assert.Equal(t, sha("hello wörld"), digest)
}

func TestBufferAccumulator_Unbounded(t *testing.T) {
	acc := newBufferAccumulator(0)
	big := strings.Repeat("x", 64*1024)
	for i := 0; i < 16; i++ {
		require.NoError(t, acc.Write(big))
	}
	text, _, err := acc.Finalize()
	require.NoError(t, err)
	assert.Len(t, text, 16*64*1024)
}

func TestBufferAccumulator_Overflow(t *testing.T) {
	acc := newBufferAccumulator(4)
	require.NoError(t, acc.Write("abc"))

	err := acc.Write("de")
	assert.ErrorIs(t, err, ErrAccumulatorOverflow)
	assert.ErrorIs(t, acc.Write("f"), ErrAccumulatorOverflow, "overflow is sticky")

	_, _, err = acc.Finalize()
	assert.ErrorIs(t, err, ErrAccumulatorOverflow)
}

func TestBufferAccumulator_UseAfterFinalize(t *testing.T) {
	acc := newBufferAccumulator(0)
	require.NoError(t, acc.Write("x"))
	_, _, err := acc.Finalize()
	require.NoError(t, err)

	assert.ErrorIs(t, acc.Write("y"), ErrAccumulatorDestroyed)
	_, _, err = acc.Finalize()
	assert.ErrorIs(t, err, ErrAccumulatorDestroyed)
	assert.NotPanics(t, acc.Destroy)
}

func TestBufferAccumulator_ConcurrentWrites(t *testing.T) {
	acc := newBufferAccumulator(0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = acc.Write("ab")
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, acc.Len())
}

func TestNewAccumulatorFactory_Plain(t *testing.T) {
	factory := NewAccumulatorFactory(AccumulatorConfig{MaxBytes: 10}, quietLogger())
	acc, err := factory()
	require.NoError(t, err)
	defer acc.Destroy()

	_, ok := acc.(*bufferAccumulator)
	assert.True(t, ok)
}

// requireLockedMemory skips unless locked-memory tests were asked for;
// memguard panics when mlock itself is refused by the sandbox.
func requireLockedMemory(t *testing.T) {
	t.Helper()
	if os.Getenv("CHATGW_TEST_LOCKED_MEMORY") == "" {
		t.Skip("set CHATGW_TEST_LOCKED_MEMORY=1 to exercise mlock'd accumulators")
	}
}

func TestNewAccumulatorFactory_Locked(t *testing.T) {
	requireLockedMemory(t)
	factory := NewAccumulatorFactory(AccumulatorConfig{Locked: true, MaxBytes: 4096}, quietLogger())
	acc, err := factory()
	if errors.Is(err, ErrInsufficientMlock) {
		t.Skip("RLIMIT_MEMLOCK too small for locked memory on this host")
	}
	require.NoError(t, err)

	locked, ok := acc.(*lockedAccumulator)
	if !ok {
		acc.Destroy()
		t.Skip("locked memory unavailable on this host")
	}
	require.NoError(t, locked.Write("secret "))
	require.NoError(t, locked.Write("reply"))
	assert.ErrorIs(t, locked.Write(strings.Repeat("z", 5000)), ErrAccumulatorOverflow)
	locked.Destroy()

	acc, err = factory()
	require.NoError(t, err)
	require.NoError(t, acc.Write("secret reply"))
	text, digest, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "secret reply", text)
	assert.Equal(t, sha("secret reply"), digest)
	assert.NotPanics(t, acc.Destroy)
}

func TestNewAccumulatorFactory_LockedFallback(t *testing.T) {
	requireLockedMemory(t)
	factory := NewAccumulatorFactory(AccumulatorConfig{Locked: true, MaxBytes: 1024, AllowUnlockedFallback: true}, quietLogger())
	acc, err := factory()
	require.NoError(t, err, "fallback never fails")
	require.NoError(t, acc.Write("ok"))
	text, _, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
}
