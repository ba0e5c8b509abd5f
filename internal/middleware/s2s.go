package middleware

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/thehive/identity-service/internal/token"
	appErrors "github.com/thehive/identity-service/pkg/errors"
	"github.com/thehive/identity-service/pkg/response"
)

// Service-to-service authentication headers.
const (
	HeaderServiceID        = "X-Internal-Service-ID"
	HeaderServiceSignature = "X-Service-Signature"
	HeaderServiceTimestamp = "X-Service-Timestamp"
)

// ContextServiceKey is the gin context key storing the calling service id.
const ContextServiceKey = "callingService"

// S2S authenticates internal callers by HMAC signature. Stale timestamps and
// bad signatures both fail closed with the same forbidden response.
func S2S(validator *token.S2SValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		serviceID := c.GetHeader(HeaderServiceID)
		signature := c.GetHeader(HeaderServiceSignature)
		rawTimestamp := c.GetHeader(HeaderServiceTimestamp)
		if serviceID == "" || signature == "" || rawTimestamp == "" {
			response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "missing service authentication headers"))
			c.Abort()
			return
		}

		timestamp, err := strconv.ParseInt(rawTimestamp, 10, 64)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "service timestamp must be epoch seconds"))
			c.Abort()
			return
		}

		if !validator.Validate(signature, serviceID, timestamp) {
			response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "invalid service signature"))
			c.Abort()
			return
		}

		c.Set(ContextServiceKey, serviceID)
		c.Next()
	}
}
