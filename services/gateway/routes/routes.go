// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"

	"github.com/AleutianAI/ChatGateway/services/gateway/handlers"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers bundles everything SetupRoutes mounts.
type Handlers struct {
	Stream    *handlers.StreamHandler
	WebSocket *handlers.WebSocketHandler
	Sessions  *handlers.SessionHandler
	Login     *handlers.LoginHandler
	Health    gin.HandlerFunc

	// Gatherer backs GET /metrics. Nil serves the default registry.
	Gatherer prometheus.Gatherer

	// APIMiddleware runs on every /api route, e.g. rate limiting.
	APIMiddleware []gin.HandlerFunc
}

// SetupRoutes registers the gateway API on router.
func SetupRoutes(router *gin.Engine, h Handlers) {
	router.GET("/healthz", h.Health)

	gatherer := h.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api", h.APIMiddleware...)
	{
		api.GET("/stream", h.Stream.HandleStream)
		api.GET("/chat/stream", h.Stream.HandleStream)
		api.GET("/ws", h.WebSocket.HandleWebSocket)
		api.POST("/login", h.Login.HandleLogin)

		sessions := api.Group("/sessions")
		{
			sessions.GET("", h.Sessions.ListSessions)
			sessions.POST("", h.Sessions.CreateSession)
			sessions.GET("/:id/messages", h.Sessions.ListMessages)
			sessions.DELETE("/:id", h.Sessions.DeleteSession)
		}

		// Older clients fetch history here.
		api.GET("/messages/:id", h.Sessions.ListMessages)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
}
