package middleware

import (
	"github.com/gin-gonic/gin"

	appErrors "github.com/thehive/identity-service/pkg/errors"
	"github.com/thehive/identity-service/pkg/response"
)

// RequireRoles enforces role-based access control. It must run after JWT.
func RequireRoles(allowed ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := CurrentPrincipal(c)
		if principal == nil {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		for _, role := range allowed {
			if principal.HasRole(role) {
				c.Next()
				return
			}
		}

		response.Error(c, appErrors.ErrForbidden)
		c.Abort()
	}
}
