package middleware

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/stwalsh4118/atlas/listings/internal/monitoring"
)

// Metrics counts requests by method, route template and status.
func Metrics(m *monitoring.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		m.IncHTTPRequest(c.Request.Method, routeLabel(c), strconv.Itoa(c.Writer.Status()))
	}
}
