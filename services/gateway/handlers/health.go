// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/AleutianAI/ChatGateway/services/gateway/store"
	"github.com/gin-gonic/gin"
)

// HealthCheck returns a handler that reports 200 while the store answers a
// ping within two seconds and 503 otherwise.
func HealthCheck(st store.Store, providers func() []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		body := gin.H{"status": "ok"}
		if providers != nil {
			body["providers"] = providers()
		}
		if err := st.Ping(ctx); err != nil {
			body["status"] = "unavailable"
			body["store"] = "unreachable"
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		body["store"] = "ok"
		c.JSON(http.StatusOK, body)
	}
}
