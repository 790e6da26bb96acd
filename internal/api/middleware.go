package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"pulsewatch/internal/logger"
)

const traceHeader = "X-Trace-ID"

// traceMiddleware attaches a trace id to the request context, reusing the
// caller's X-Trace-ID when present.
func traceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(traceHeader)
		if id == "" {
			id = logger.NewTraceID("req")
		}
		c.Request = c.Request.WithContext(logger.WithTraceID(c.Request.Context(), id))
		c.Header(traceHeader, id)
		c.Next()
	}
}

func logMiddleware(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		attrs := append([]any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		}, logger.LogWithTrace(c.Request.Context())...)
		if len(c.Errors) > 0 {
			attrs = append(attrs, "error", c.Errors.String())
		}
		log.Info("http request", attrs...)
	}
}
