package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"

	"cdr.dev/slog/v3"
)

// requestLogger logs one line per request, skipping noisy probe paths.
func requestLogger(logger slog.Logger, skip ...string) gin.HandlerFunc {
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if _, ok := skipped[c.Request.URL.Path]; ok {
			return
		}
		fields := []slog.Field{
			slog.F("method", c.Request.Method),
			slog.F("path", c.FullPath()),
			slog.F("status", c.Writer.Status()),
			slog.F("duration", time.Since(start)),
			slog.F("client_ip", c.ClientIP()),
		}
		if c.Writer.Status() >= 500 {
			logger.Warn(c.Request.Context(), "http request", fields...)
			return
		}
		logger.Debug(c.Request.Context(), "http request", fields...)
	}
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}
