// Package middleware: structured per-request access logging via zerolog,
// replacing the teacher's standard-library `log` calls so the admin shell's
// request logs share the same structured sink as the rest of the dispatcher
// (internal/logger).
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chatdispatch/dispatcher/internal/logger"
)

// StructuredLogger logs every request with method, path, status, duration,
// and request id; 5xx logs at error level, 4xx at warn, everything else at info.
func StructuredLogger() gin.HandlerFunc {
	return StructuredLoggerWithConfig(DefaultStructuredLoggerConfig())
}

// StructuredLoggerConfig allows customization of structured logging.
type StructuredLoggerConfig struct {
	SkipPaths       []string
	SkipHealthCheck bool
	LogQuery        bool
}

func DefaultStructuredLoggerConfig() StructuredLoggerConfig {
	return StructuredLoggerConfig{SkipHealthCheck: true, LogQuery: true}
}

func StructuredLoggerWithConfig(config StructuredLoggerConfig) gin.HandlerFunc {
	skip := make(map[string]bool, len(config.SkipPaths))
	for _, p := range config.SkipPaths {
		skip[p] = true
	}
	if config.SkipHealthCheck {
		skip["/health"] = true
	}

	log := logger.HTTP()

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if skip[path] {
			c.Next()
			return
		}

		start := time.Now()
		raw := c.Request.URL.RawQuery
		c.Next()
		duration := time.Since(start)
		status := c.Writer.Status()

		evt := log.Info()
		switch {
		case status >= 500:
			evt = log.Error()
		case status >= 400:
			evt = log.Warn()
		}

		evt = evt.
			Str("request_id", GetRequestID(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", duration).
			Str("client_ip", c.ClientIP())
		if config.LogQuery && raw != "" {
			evt = evt.Str("query", raw)
		}
		if agentID, ok := c.Get("agent_id"); ok {
			evt = evt.Interface("agent_id", agentID)
		}
		if len(c.Errors) > 0 {
			evt = evt.Str("errors", c.Errors.String())
		}
		evt.Msg("request handled")
	}
}
