package middlewares

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// CronSecret guards the tick endpoint. The secret comes as ?key= or as a
// bearer token. An empty secret leaves the endpoint open.
func CronSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		key := c.Query("key")
		if key == "" {
			key = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if !equal(key, secret) {
			c.JSON(http.StatusUnauthorized, gin.H{
				"err": "unauthorized",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// APIKey requires the X-API-Key header on operator routes when key is set.
func APIKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}
		if !equal(c.GetHeader("X-API-Key"), key) {
			c.JSON(http.StatusUnauthorized, gin.H{
				"err": "unauthorized",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
