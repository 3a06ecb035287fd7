// Package middleware: CORS handling, extracted from the teacher's inline
// corsMiddleware() in cmd/main.go into its own file and parameterized on
// internal/config's CORSOrigins instead of re-reading the environment.
package middleware

import (
	"github.com/gin-gonic/gin"
)

// CORS allows the configured origins, including the headers WebSocket
// upgrades require (SessionGateway is fronted by the same origin policy as
// the admin shell).
func CORS(allowedOrigins []string) gin.HandlerFunc {
	wildcard := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := wildcard
		if !allowed {
			for _, o := range allowedOrigins {
				if origin == o {
					allowed = true
					break
				}
			}
		}

		if allowed && origin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		} else if wildcard {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		}

		// Allow standard HTTP headers plus WebSocket upgrade headers; the
		// streaming gateway shares this CORS policy with the admin shell.
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Extensions, Sec-WebSocket-Protocol")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, PATCH, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
