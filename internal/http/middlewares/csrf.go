package middlewares

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const CSRFHeader = "X-CSRF-Token"

// RequireCSRF checks the per-session CSRF token on mutating routes that
// ride on the session cookie. Anonymous requests pass through untouched;
// login/signup/reset protect themselves by not trusting the cookie at all.
func RequireCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := CurrentSession(c)

		if !ok {
			c.Next()
			return
		}

		presented := c.GetHeader(CSRFHeader)

		if presented == "" ||
			subtle.ConstantTimeCompare([]byte(presented), []byte(sess.CSRFToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": gin.H{
					"code":    "invalid_csrf",
					"message": "Missing or invalid CSRF token",
				},
			})
			return
		}

		c.Next()
	}
}
