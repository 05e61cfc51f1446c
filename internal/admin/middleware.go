package admin

import (
	"time"

	"github.com/danmuck/cvdrelay/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// observe logs and counts each admin request. Log lines carry the node name
// and the readiness of src at completion; a 503 while not ready is a warning,
// not an error.
func observe(node string, src Source, logger zerolog.Logger) gin.HandlerFunc {
	logger = logger.With().Str("node", node).Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordHTTPRequest(node, c.Request.Method, route, status, elapsed)

		ready := src != nil && src.Ready()
		var event *zerolog.Event
		switch {
		case status >= 500 && !(status == 503 && !ready):
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		default:
			event = logger.Debug()
		}
		event.
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Bool("ready", ready).
			Dur("duration", elapsed).
			Str("client_ip", c.ClientIP()).
			Msg("admin_request")
	}
}
