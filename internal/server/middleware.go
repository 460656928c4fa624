package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/cliproxyctl/internal/metrics"
)

// cors sets the permissive CORS headers on every response and answers
// preflight requests directly.
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.Header("Content-Type", "application/json")
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

// requestLog logs each request and counts it by matched route.
func requestLog(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		code := c.Writer.Status()
		metrics.IncHTTPRequest(c.Request.Method, route, code)

		level := slog.LevelDebug
		if c.Request.Method == http.MethodPost {
			level = slog.LevelInfo
		}
		if code >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		log.Log(c.Request.Context(), level, "request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", code,
			"duration", time.Since(start),
		)
	}
}
