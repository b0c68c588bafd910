package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Origins is a parsed CORS allow list. Empty or containing "*" allows any origin.
type Origins map[string]bool

// ParseOrigins reads "*" or a comma-separated list of origins.
func ParseOrigins(s string) Origins {
	m := make(Origins)
	for _, o := range strings.Split(strings.TrimSpace(s), ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			m[o] = true
		}
	}
	return m
}

// Allow returns the Access-Control-Allow-Origin value for origin, or "" when it is not allowed.
func (o Origins) Allow(origin string) string {
	if len(o) == 0 || o["*"] {
		return "*"
	}
	if origin != "" && o[origin] {
		return origin
	}
	return ""
}

// CheckOrigin adapts the allow list to a WebSocket upgrader. Requests without an Origin header
// are not from a browser and pass.
func (o Origins) CheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || o.Allow(origin) != ""
}

// CORS returns a middleware that sets CORS headers for cross-origin requests.
func CORS(origins Origins) gin.HandlerFunc {
	return func(c *gin.Context) {
		if allowOrigin := origins.Allow(c.GetHeader("Origin")); allowOrigin != "" {
			c.Header("Access-Control-Allow-Origin", allowOrigin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Max-Age", "86400")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
