// README: Bearer auth middleware and role guards.
package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"delivtrack/internal/auth"
	"delivtrack/internal/types"
)

const identityKey = "caller_identity"

type Verifier interface {
	Verify(ctx context.Context, credential string) (auth.Identity, error)
}

// Auth verifies the bearer credential and stores the caller identity on the
// context. Requests without a valid credential stop here with 401.
func Auth(verifier Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		credential, err := auth.FromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": auth.ReasonCode(err)})
			return
		}
		identity, err := verifier.Verify(c.Request.Context(), credential)
		if err != nil {
			code := auth.ReasonCode(err)
			status := http.StatusUnauthorized
			if code == "authentication_error" {
				status = http.StatusServiceUnavailable
			}
			c.AbortWithStatusJSON(status, gin.H{"error": code})
			return
		}
		c.Set(identityKey, identity)
		c.Next()
	}
}

// RequireRole lets the request through only for the listed roles.
func RequireRole(roles ...types.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := CallerRole(c)
		for _, r := range roles {
			if r == role {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access denied"})
	}
}

func CallerIdentity(c *gin.Context) (auth.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return auth.Identity{}, false
	}
	id, ok := v.(auth.Identity)
	return id, ok
}

func CallerUID(c *gin.Context) types.ID {
	id, _ := CallerIdentity(c)
	return id.ID
}

func CallerRole(c *gin.Context) types.Role {
	id, _ := CallerIdentity(c)
	return id.Role
}
