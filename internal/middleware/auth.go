package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "teamcall-backend/pkg/errors"
	"teamcall-backend/pkg/jwt"
	"teamcall-backend/pkg/response"
)

// AuthMiddleware validates a relay token and sets user_id and display_name
// in the Gin context. The token is read from the Authorization header, or
// from the token query parameter since WebSocket clients in browsers cannot
// set headers.
func AuthMiddleware(jwtManager *jwt.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.Query("token")
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				response.FromError(c, apperrors.UnauthorizedError("Invalid authorization header format"))
				c.Abort()
				return
			}
			tokenString = parts[1]
		}
		if tokenString == "" {
			response.FromError(c, apperrors.UnauthorizedError("Authorization required"))
			c.Abort()
			return
		}

		claims, err := jwtManager.ValidateToken(tokenString)
		if err != nil {
			response.FromError(c, apperrors.InvalidTokenError("Invalid token"))
			c.Abort()
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("display_name", claims.DisplayName)
		c.Next()
	}
}
