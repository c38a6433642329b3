// Package middleware contains gin middleware shared by all routes.
package middleware

import (
	"time"

	"github.com/doppelhq/doppel/internal/log"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// LoggingMiddleware adds trace IDs and structured request logging.
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader("X-Trace-ID")
		if traceID == "" {
			traceID = uuid.New().String()
		}

		c.Set("trace_id", traceID)
		c.Header("X-Trace-ID", traceID)

		// Store trace_id in the request context for downstream handlers
		ctx := log.WithTraceID(c.Request.Context(), traceID)
		c.Request = c.Request.WithContext(ctx)

		startTime := time.Now()
		logger := log.WithContext(ctx)
		logger.Debug("Request started",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"user_agent", c.Request.UserAgent(),
			"remote_addr", c.ClientIP(),
		)

		c.Next()

		duration := time.Since(startTime)
		logger.Info("Request completed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_seconds", duration.Seconds(),
		)
	}
}
