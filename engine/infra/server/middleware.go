package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/reqforge/reqforge/pkg/logger"
)

const requestIDHeader = "X-Request-ID"

// requestLogger tags every request with an id, plants a scoped logger in the
// request context, and emits one access line per request.
func requestLogger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Writer.Header().Set(requestIDHeader, requestID)

		scoped := log.With("request_id", requestID)
		ctx := logger.ContextWithLogger(c.Request.Context(), scoped)
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		scoped.Info("Request handled",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
