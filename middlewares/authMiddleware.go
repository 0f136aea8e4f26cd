package middlewares

import (
	"net/http"
	"strings"

	"bitbucket.org/mmdatafocus/sellerops_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const correlationHeader = "X-Correlation-Id"

// AuthMiddleware verifies the bearer token and puts the owning user id into the request context.
// Every route behind it is owner scoped, so a missing token is rejected too.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.Request.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		validate, err := utils.JwtValidate(token)
		if err != nil || !validate.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		claim, ok := validate.Claims.(*utils.JwtCustomClaim)
		if !ok || claim.UserId == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		correlationId := c.Request.Header.Get(correlationHeader)
		if correlationId == "" {
			correlationId = uuid.NewString()
		}
		c.Header(correlationHeader, correlationId)

		ctx := utils.SetUserIdInContext(c.Request.Context(), claim.UserId)
		ctx = utils.SetCorrelationIdInContext(ctx, correlationId)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
