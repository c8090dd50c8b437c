// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides gin middleware for the chat gateway.
//
// # Rate Limiting
//
// RateLimit keeps one token bucket per client IP. A request that finds its
// bucket empty is rejected with 429 before any handler runs, so a flood of
// stream requests never reaches the providers.
//
//	Request
//	   │
//	   ▼
//	RateLimit ──► bucket empty? ──► 429 + Retry-After
//	   │
//	   ▼
//	Handler
//
// Buckets idle for longer than IdleTTL are evicted lazily on access.
package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/AleutianAI/ChatGateway/services/gateway/datatypes"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig configures RateLimit. A non-positive RequestsPerSecond
// disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	IdleTTL           time.Duration `yaml:"idle_ttl"`
}

// DefaultRateLimitConfig allows 5 requests per second with bursts of 20.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 5,
		Burst:             20,
		IdleTTL:           10 * time.Minute,
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPLimiter hands out one limiter per key.
type IPLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// NewIPLimiter creates an IPLimiter from cfg.
func NewIPLimiter(cfg RateLimitConfig) *IPLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = int(math.Max(1, math.Ceil(cfg.RequestsPerSecond)))
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultRateLimitConfig().IdleTTL
	}
	return &IPLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(cfg.RequestsPerSecond),
		burst:    cfg.Burst,
		idleTTL:  cfg.IdleTTL,
		now:      time.Now,
	}
}

// Reserve takes a token for key. It reports false together with the time
// the caller should wait when the bucket is empty.
func (l *IPLimiter) Reserve(key string) (bool, time.Duration) {
	now := l.now()

	l.mu.Lock()
	l.evictIdle(now)
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	l.mu.Unlock()

	r := v.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Len reports how many keys are tracked.
func (l *IPLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// evictIdle drops stale visitors at most once per idleTTL. Caller holds mu.
func (l *IPLimiter) evictIdle(now time.Time) {
	if now.Sub(l.lastSweep) < l.idleTTL {
		return
	}
	l.lastSweep = now
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.idleTTL {
			delete(l.visitors, key)
		}
	}
}

// RateLimit returns middleware that limits requests per client IP.
func RateLimit(cfg RateLimitConfig) gin.HandlerFunc {
	if cfg.RequestsPerSecond <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	limiter := NewIPLimiter(cfg)
	return func(c *gin.Context) {
		ok, wait := limiter.Reserve(c.ClientIP())
		if !ok {
			seconds := int(math.Ceil(wait.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, datatypes.ErrorResponse{Error: "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
