package metrics

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hupe1980/servicebus/logging"
)

// RequestLogger logs every request at a level derived from its status.
func RequestLogger(logger logging.Logger) gin.HandlerFunc {
	logger = logging.OrNoOp(logger)
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		args := []any{
			"method", c.Request.Method,
			"path", routePath(c),
			"status", status,
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
			"bytes", c.Writer.Size(),
		}
		switch {
		case status >= 500:
			logger.Error("http_request", args...)
		case status >= 400:
			logger.Warn("http_request", args...)
		default:
			logger.Info("http_request", args...)
		}
	}
}

// RequestMetrics records request counts and durations labelled with server.
func (m *Metrics) RequestMetrics(server string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		m.RecordHTTPRequest(server, c.Request.Method, routePath(c), c.Writer.Status(), time.Since(start))
	}
}

func routePath(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return c.Request.URL.Path
}
