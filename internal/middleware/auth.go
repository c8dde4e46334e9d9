package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"tiflis-relay-lite/internal/auth"
)

const deviceIDContextKey = "deviceID"

func DeviceIDFromContext(c *gin.Context) (string, bool) {
	v, ok := c.Get(deviceIDContextKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}

// RequireAuth gates REST routes behind a bearer token obtained from
// POST /v1/auth. The websocket path authenticates separately with the
// device auth key.
func RequireAuth(cfg auth.TokenConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing bearer token"})
			return
		}

		claims, err := cfg.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}

		c.Set(deviceIDContextKey, claims.DeviceID)
		c.Next()
	}
}
