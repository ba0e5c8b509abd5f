package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/thehive/identity-service/internal/models"
	"github.com/thehive/identity-service/internal/token"
	appErrors "github.com/thehive/identity-service/pkg/errors"
	"github.com/thehive/identity-service/pkg/response"
)

// ContextPrincipalKey is the gin context key storing the authenticated
// principal.
const ContextPrincipalKey = "currentPrincipal"

// rolePrefix is stripped from authority claims so handlers deal in plain
// role names.
const rolePrefix = "ROLE_"

// JWT protects routes by requiring a valid, non-revoked access token. The
// denylist is consulted before signature verification; a revoked token is
// rejected even while cryptographically valid.
func JWT(signer *token.Signer, denylist *token.Denylist) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "invalid authorization header"))
			c.Abort()
			return
		}
		raw := parts[1]

		if denylist.IsRevoked(raw) {
			response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "token has been revoked"))
			c.Abort()
			return
		}

		claims, err := signer.Parse(raw)
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}

		principal, err := principalFromClaims(claims)
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}

		c.Set(ContextPrincipalKey, principal)
		c.Next()
	}
}

// CurrentPrincipal returns the principal set by JWT, or nil when the route
// is unauthenticated.
func CurrentPrincipal(c *gin.Context) *models.Principal {
	value, exists := c.Get(ContextPrincipalKey)
	if !exists {
		return nil
	}
	principal, ok := value.(*models.Principal)
	if !ok {
		return nil
	}
	return principal
}

func principalFromClaims(claims map[string]any) (*models.Principal, error) {
	rawID, ok := claims["id"]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrTokenInvalid, "token has no id claim")
	}
	var userID int64
	switch v := rawID.(type) {
	case float64:
		userID = int64(v)
	case int64:
		userID = v
	default:
		return nil, appErrors.Clone(appErrors.ErrTokenInvalid, "token id claim is not numeric")
	}

	email, _ := claims["sub"].(string)

	var roles []string
	if rawRoles, ok := claims["roles"].([]any); ok {
		for _, r := range rawRoles {
			if name, ok := r.(string); ok {
				roles = append(roles, strings.TrimPrefix(name, rolePrefix))
			}
		}
	}

	return &models.Principal{UserID: userID, Email: email, Roles: roles}, nil
}
