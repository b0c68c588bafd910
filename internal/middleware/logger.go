package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-classroom/livepoll/internal/metrics"
)

// Logger returns a zap-based request logging middleware that also counts requests.
func Logger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		clientIP := c.ClientIP()
		method := c.Request.Method

		c.Next()

		// Route template, not the raw path, keeps metric labels bounded.
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.IncRequest(method, route, status)

		logger.Info("request",
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("method", method),
			zap.String("path", c.Request.URL.Path),
			zap.String("client_ip", clientIP),
		)
	}
}
