package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"taskrelay.app/relay/common/logger"
)

// Logger writes one access line per request. Webhook requests get their
// provider and webhook id attached to the request context first, so every
// line logged while ingesting them carries both. Health checks log at debug.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		if provider := c.Param("provider"); provider != "" {
			fields := logger.LogFields{Provider: &provider, Component: "relay.http"}
			if webhookID := c.Param("webhook_id"); webhookID != "" {
				fields.WebhookID = &webhookID
			}
			c.Request = c.Request.WithContext(logger.WithLogFields(c.Request.Context(), fields))
		}

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"route", c.FullPath(),
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"bytes", c.Writer.Size(),
			"client_ip", c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}

		ctx := c.Request.Context()
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		case c.FullPath() == "/health":
			level = slog.LevelDebug
		}
		slog.Log(ctx, level, "http request", attrs...)
	}
}
