package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stwalsh4118/atlas/listings/internal/logger"
)

// LoggerKey is the gin context key of the request-scoped logger.
const LoggerKey = "logger"

// Logger stores a request-scoped logger in the context and writes one
// structured line per request once the handler chain has finished.
// Session routes also carry the session id.
func Logger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := log.WithRequestID(GetRequestID(c))
		if sessionID := c.Param("id"); sessionID != "" && isSessionRoute(c.FullPath()) {
			requestLogger = requestLogger.WithSessionID(sessionID)
		}
		c.Set(LoggerKey, requestLogger)

		c.Next()

		status := c.Writer.Status()
		fields := map[string]interface{}{
			"method":      c.Request.Method,
			"route":       routeLabel(c),
			"path":        c.Request.URL.Path,
			"status":      status,
			"duration_ms": time.Since(start).Milliseconds(),
			"ip":          c.ClientIP(),
			"bytes":       c.Writer.Size(),
		}
		if len(c.Errors) > 0 {
			fields["errors"] = c.Errors.String()
		}

		switch {
		case status >= 500:
			requestLogger.Error("Request completed with server error", nil, fields)
		case status >= 400:
			requestLogger.Warn("Request completed with client error", fields)
		case c.Request.URL.Path == "/metrics" || c.Request.URL.Path == "/health":
			requestLogger.Debug("Request completed", fields)
		default:
			requestLogger.Info("Request completed", fields)
		}
	}
}

// GetLogger returns the request-scoped logger, or nil outside the middleware.
func GetLogger(c *gin.Context) *logger.Logger {
	if v, ok := c.Get(LoggerKey); ok {
		if l, ok := v.(*logger.Logger); ok {
			return l
		}
	}
	return nil
}

func isSessionRoute(route string) bool {
	return strings.HasPrefix(route, "/api/v1/sessions/:id")
}

// routeLabel is the matched route template, which keeps listing and
// session ids out of metric labels.
func routeLabel(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return "unmatched"
}
