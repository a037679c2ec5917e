package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"taskrelay.app/relay/common/logger"
)

// Recovery turns a handler panic into a 500. A panic after the response has
// started (a task output stream) can only be logged.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if r == http.ErrAbortHandler {
				panic(r)
			}
			ctx := c.Request.Context()
			slog.ErrorContext(ctx, "handler panicked",
				"panic", fmt.Sprint(r),
				"route", c.FullPath(),
				"stack", logger.Truncate(string(debug.Stack()), 8<<10),
			)
			if c.Writer.Written() {
				c.Abort()
				return
			}
			body := gin.H{"error": "internal server error"}
			if traceID := logger.TraceID(ctx); traceID != "" {
				body["trace_id"] = traceID
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, body)
		}()
		c.Next()
	}
}
