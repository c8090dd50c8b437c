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
	"io"
	"log/slog"
	"net/http"
	"os"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisRateLimit(t *testing.T) {
	addr := os.Getenv("CHATGW_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CHATGW_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	l := NewRedisLimiter(client, "chatgw-test-"+uuid.NewString(), RateLimitConfig{RequestsPerSecond: 0.01, Burst: 2})
	r := gin.New()
	r.Use(RedisRateLimit(l, slog.New(slog.NewTextHandler(io.Discard, nil))))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, hit(r, "10.1.0.1:1").Code)
	w := hit(r, "10.1.0.1:2")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w = hit(r, "10.1.0.1:3")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestRedisRateLimit_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	t.Cleanup(func() { client.Close() })

	l := NewRedisLimiter(client, "", RateLimitConfig{RequestsPerSecond: 1})
	r := gin.New()
	r.Use(RedisRateLimit(l, slog.New(slog.NewTextHandler(io.Discard, nil))))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, hit(r, "10.1.0.1:1").Code)
}
