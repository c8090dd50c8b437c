// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/AleutianAI/ChatGateway/services/gateway/datatypes"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// tokenBucket refills KEYS[1] at ARGV[2] tokens per second up to ARGV[1]
// and takes one token. Returns {allowed, remaining, retry_after_ms}.
var tokenBucket = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local bucket = redis.call('HMGET', KEYS[1], 'tokens', 'updated_at')
local tokens = tonumber(bucket[1])
local updated = tonumber(bucket[2])
if tokens == nil or updated == nil then
  tokens = capacity
  updated = now
end

tokens = math.min(capacity, tokens + math.max(0, now - updated) * rate)
local allowed = 0
local retry = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  retry = math.ceil((1 - tokens) / rate * 1000)
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'updated_at', now)
redis.call('EXPIRE', KEYS[1], ttl)
return {allowed, math.floor(tokens), retry}
`)

// RedisLimiter is a token bucket per key shared by every gateway replica.
type RedisLimiter struct {
	client redis.Scripter
	prefix string
	cfg    RateLimitConfig
	now    func() time.Time
}

// NewRedisLimiter creates a limiter storing buckets under prefix.
func NewRedisLimiter(client redis.Scripter, prefix string, cfg RateLimitConfig) *RedisLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = int(math.Max(1, math.Ceil(cfg.RequestsPerSecond)))
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultRateLimitConfig().IdleTTL
	}
	if prefix == "" {
		prefix = "chatgw"
	}
	return &RedisLimiter{client: client, prefix: prefix, cfg: cfg, now: time.Now}
}

// Reserve takes a token for key.
func (l *RedisLimiter) Reserve(ctx context.Context, key string) (ok bool, remaining int, wait time.Duration, err error) {
	now := float64(l.now().UnixNano()) / 1e9
	ttl := int(math.Ceil(l.cfg.IdleTTL.Seconds()))
	res, err := tokenBucket.Run(ctx, l.client,
		[]string{l.prefix + ":ratelimit:" + key},
		l.cfg.Burst, l.cfg.RequestsPerSecond, now, ttl,
	).Int64Slice()
	if err != nil {
		return false, 0, 0, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) < 3 {
		return false, 0, 0, fmt.Errorf("rate limit script returned %d values", len(res))
	}
	return res[0] == 1, int(res[1]), time.Duration(res[2]) * time.Millisecond, nil
}

// RedisRateLimit limits requests per client IP through l. When Redis is
// unreachable requests are let through and the failure is logged.
func RedisRateLimit(l *RedisLimiter, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	limit := strconv.Itoa(l.cfg.Burst)
	return func(c *gin.Context) {
		ok, remaining, wait, err := l.Reserve(c.Request.Context(), c.ClientIP())
		if err != nil {
			logger.Warn("Rate limiter unavailable, allowing request", "error", err)
			c.Next()
			return
		}
		c.Header("X-RateLimit-Limit", limit)
		if !ok {
			seconds := int(math.Ceil(wait.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, datatypes.ErrorResponse{Error: "rate limit exceeded"})
			return
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Next()
	}
}
