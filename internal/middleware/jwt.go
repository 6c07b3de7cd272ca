package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/weave-vtt/backend/internal/auth"
	"github.com/weave-vtt/backend/pkg/response"
)

const (
	// ContextUserID is the key for user ID (token subject) in gin context.
	ContextUserID = "user_id"
	// ContextUserRole is the key for the campaign role in gin context.
	ContextUserRole = "user_role"
	// ContextUserEmail is the key for user email in gin context.
	ContextUserEmail = "user_email"
	// ContextCampaignID is the key for the campaign the token is bound to.
	ContextCampaignID = "campaign_id"
)

// BearerToken returns the token of an "Authorization: Bearer <token>" header.
func BearerToken(c *gin.Context) (string, bool) {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// JWT returns a middleware that validates JWT and sets user claims in context.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		token, ok := BearerToken(c)
		if !ok {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		claims, err := jwtService.Validate(token)
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextUserID, claims.Subject)
		c.Set(ContextUserRole, claims.Role)
		c.Set(ContextUserEmail, claims.Email)
		c.Set(ContextCampaignID, claims.CampaignID)
		c.Next()
	}
}
