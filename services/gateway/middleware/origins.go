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
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// OriginPolicy decides which browser origins may call the gateway.
//
// Entries are hosts with an optional port ("app.example.com",
// "localhost:5173"). "*" allows every origin. Requests without an Origin
// header (CLI tools, server-to-server) and same-host requests are always
// allowed.
type OriginPolicy struct {
	hosts map[string]struct{}
	any   bool
}

// NewOriginPolicy builds a policy from allowed hosts. Full origins such as
// "https://app.example.com" are accepted and reduced to their host.
func NewOriginPolicy(allowed []string) *OriginPolicy {
	p := &OriginPolicy{hosts: make(map[string]struct{}, len(allowed))}
	for _, entry := range allowed {
		entry = strings.ToLower(strings.TrimSpace(entry))
		switch {
		case entry == "":
			continue
		case entry == "*":
			p.any = true
			continue
		case strings.Contains(entry, "://"):
			if u, err := url.Parse(entry); err == nil && u.Host != "" {
				entry = u.Host
			}
		}
		p.hosts[entry] = struct{}{}
	}
	return p
}

// Allows reports whether r's Origin is acceptable.
func (p *OriginPolicy) Allows(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || p.any {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Host)
	if _, ok := p.hosts[host]; ok {
		return true
	}
	return strings.EqualFold(host, r.Host)
}

// CORS enforces p on cross-origin requests and answers preflights.
func CORS(p *OriginPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}
		if !p.Allows(c.Request) {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Vary", "Origin")
		if c.Request.Method == http.MethodOptions {
			c.Header("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type,Last-Event-ID")
			c.Header("Access-Control-Max-Age", "600")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
