package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aquaops/aquaops/pkg/telemetry"
)

const requestIDHeader = "X-Request-ID"

// RequestID propagates the caller's request ID or assigns a new one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}

// Logger logs one line per request. Server errors log at error level and
// client errors at warn.
func Logger(logger *telemetry.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		log := logger.WithFields(map[string]interface{}{
			"status":      status,
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"latency_ms":  time.Since(start).Milliseconds(),
			"request_id":  c.GetString("request_id"),
			"remote_addr": c.ClientIP(),
		})
		if len(c.Errors) > 0 {
			log = log.WithField("errors", c.Errors.String())
		}

		switch {
		case status >= 500:
			log.Error("Server error")
		case status >= 400:
			log.Warn("Client error")
		default:
			log.Debug("Request")
		}
	}
}
