package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const identityKey = "supportline.identity"

// Middleware rejects requests without a valid token and stores the
// verified username on the context. Websocket upgrades may pass the token
// as the "token" query parameter since browsers cannot set headers there.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}

		username, err := v.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": err.Error(),
				"kind":  "unauthenticated",
			})
			return
		}

		c.Set(identityKey, username)
		c.Next()
	}
}

// Identity returns the username set by Middleware. ok is false when
// authentication is disabled for the route.
func Identity(c *gin.Context) (string, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
