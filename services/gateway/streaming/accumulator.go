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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// DefaultLockedBufferSize is the capacity of a locked accumulator when no
	// MaxBytes is configured.
	DefaultLockedBufferSize = 512 * 1024

	// initialBufferCap is the starting capacity of an unlocked accumulator.
	initialBufferCap = 4 * 1024
)

// =============================================================================
// Interface
// =============================================================================

// Accumulator buffers the fragments of one response until it is persisted.
//
// # Description
//
// Write appends a fragment. Finalize returns the concatenation of every
// written fragment with its SHA-256 digest and releases the buffer. Destroy
// wipes the buffer without returning it and is safe to call after Finalize.
//
// # Thread Safety
//
// Implementations are safe for concurrent use.
type Accumulator interface {
	Write(fragment string) error
	Len() int
	Finalize() (text string, digest string, err error)
	Destroy()
}

// AccumulatorConfig selects the accumulator used for each turn.
type AccumulatorConfig struct {
	// MaxBytes caps a response. Zero means unbounded for the plain
	// accumulator and DefaultLockedBufferSize for the locked one.
	MaxBytes int `yaml:"max_bytes"`

	// Locked keeps the response in mlock'd, guarded memory.
	Locked bool `yaml:"locked"`

	// AllowUnlockedFallback uses the plain accumulator when the mlock limit
	// is too small instead of failing the turn.
	AllowUnlockedFallback bool `yaml:"allow_unlocked_fallback"`
}

// AccumulatorFactory creates one accumulator per turn.
type AccumulatorFactory func() (Accumulator, error)

// NewAccumulatorFactory returns the factory described by cfg.
func NewAccumulatorFactory(cfg AccumulatorConfig, logger *slog.Logger) AccumulatorFactory {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Locked {
		return func() (Accumulator, error) {
			return newBufferAccumulator(cfg.MaxBytes), nil
		}
	}

	size := cfg.MaxBytes
	if size <= 0 {
		size = DefaultLockedBufferSize
	}
	return func() (Accumulator, error) {
		if ok, limitKB := reserveLocked(logger, size); !ok {
			if !cfg.AllowUnlockedFallback {
				return nil, fmt.Errorf("%w: limit %d KB, need %d KB", ErrInsufficientMlock, limitKB, size/1024)
			}
			return newBufferAccumulator(size), nil
		}
		return newLockedAccumulator(size), nil
	}
}

// =============================================================================
// Plain accumulator
// =============================================================================

type bufferAccumulator struct {
	mu        sync.Mutex
	data      []byte
	max       int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func newBufferAccumulator(max int) *bufferAccumulator {
	capacity := initialBufferCap
	if max > 0 && max < capacity {
		capacity = max
	}
	return &bufferAccumulator{
		data:   make([]byte, 0, capacity),
		max:    max,
		hasher: sha256.New(),
	}
}

func (a *bufferAccumulator) Write(fragment string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return ErrAccumulatorDestroyed
	}
	if a.overflow {
		return ErrAccumulatorOverflow
	}
	if a.max > 0 && len(a.data)+len(fragment) > a.max {
		a.overflow = true
		return fmt.Errorf("%w: need %d bytes, have %d remaining",
			ErrAccumulatorOverflow, len(fragment), a.max-len(a.data))
	}
	a.data = append(a.data, fragment...)
	a.hasher.Write([]byte(fragment))
	return nil
}

func (a *bufferAccumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.data)
}

func (a *bufferAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", ErrAccumulatorDestroyed
	}
	if a.overflow {
		a.wipe()
		return "", "", ErrAccumulatorOverflow
	}
	text := string(a.data)
	digest := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()
	return text, digest, nil
}

func (a *bufferAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.destroyed {
		a.wipe()
	}
}

func (a *bufferAccumulator) wipe() {
	clear(a.data)
	a.data = nil
	a.destroyed = true
}

// =============================================================================
// Locked accumulator
// =============================================================================

// lockedAccumulator keeps the response in a memguard LockedBuffer: the pages
// are mlock'd so they never reach swap, guarded, and wiped on release.
type lockedAccumulator struct {
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

// newLockedAccumulator expects size bytes already reserved by reserveLocked.
func newLockedAccumulator(size int) *lockedAccumulator {
	return &lockedAccumulator{
		buffer: memguard.NewBuffer(size),
		hasher: sha256.New(),
	}
}

func (a *lockedAccumulator) Write(fragment string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return ErrAccumulatorDestroyed
	}
	if a.overflow {
		return ErrAccumulatorOverflow
	}
	if a.offset+len(fragment) > a.buffer.Size() {
		a.overflow = true
		return fmt.Errorf("%w: need %d bytes, have %d remaining",
			ErrAccumulatorOverflow, len(fragment), a.buffer.Size()-a.offset)
	}
	copy(a.buffer.Bytes()[a.offset:], fragment)
	a.offset += len(fragment)
	a.hasher.Write([]byte(fragment))
	return nil
}

func (a *lockedAccumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.offset
}

func (a *lockedAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", ErrAccumulatorDestroyed
	}
	if a.overflow {
		a.wipe()
		return "", "", ErrAccumulatorOverflow
	}
	// string() copies out of the locked pages before they are destroyed.
	text := string(a.buffer.Bytes()[:a.offset])
	digest := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()
	return text, digest, nil
}

func (a *lockedAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.destroyed {
		a.wipe()
	}
}

func (a *lockedAccumulator) wipe() {
	lockedInUse.Add(-int64(a.buffer.Size()))
	a.buffer.Destroy()
	a.destroyed = true
}

// =============================================================================
// mlock limit
// =============================================================================

var (
	mlockOnce      sync.Once
	mlockLimitKB   int64
	mlockUnlimited bool

	// lockedInUse is the number of bytes held by live locked accumulators.
	// memguard panics when mlock fails, so every buffer is reserved against
	// RLIMIT_MEMLOCK before it is allocated.
	lockedInUse atomic.Int64
)

// reserveLocked reserves size bytes of locked memory, reporting false when
// RLIMIT_MEMLOCK has no room left. The limit is read once per process.
func reserveLocked(logger *slog.Logger, size int) (bool, int64) {
	mlockOnce.Do(func() {
		var rlimit unix.Rlimit
		if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
			logger.Warn("Could not determine mlock limit", "error", err)
			mlockUnlimited = true
			mlockLimitKB = -1
			return
		}
		if rlimit.Cur == unix.RLIM_INFINITY {
			mlockUnlimited = true
			mlockLimitKB = -1
			return
		}
		mlockLimitKB = int64(rlimit.Cur / 1024)
		logger.Info("Locked accumulator memory limit", "mlock_limit_kb", mlockLimitKB)
	})
	if mlockUnlimited {
		lockedInUse.Add(int64(size))
		return true, -1
	}
	limit := mlockLimitKB * 1024
	for {
		inUse := lockedInUse.Load()
		if inUse+int64(size) > limit {
			logger.Warn("mlock limit insufficient for locked accumulator",
				"mlock_limit_kb", mlockLimitKB,
				"in_use_kb", inUse/1024,
				"required_kb", size/1024,
			)
			return false, mlockLimitKB
		}
		if lockedInUse.CompareAndSwap(inUse, inUse+int64(size)) {
			return true, mlockLimitKB
		}
	}
}
