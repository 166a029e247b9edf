package adminapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const contextKeyUserID = "adminapi_user_id"

// authMiddleware validates the Bearer token on every route but
// /api/login and /api/health, matching koshedutech's Middleware
// extract-validate-set-context shape.
func authMiddleware(jwtManager *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")
		claims, err := jwtManager.Validate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(contextKeyUserID, claims.UserID)
		c.Next()
	}
}

func userIDFromContext(c *gin.Context) string {
	v, _ := c.Get(contextKeyUserID)
	uid, _ := v.(string)
	return uid
}
