package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/weave-vtt/backend/internal/models"
	"github.com/weave-vtt/backend/pkg/response"
)

// RequireRole returns a middleware that allows only the given roles.
func RequireRole(roles ...models.Role) gin.HandlerFunc {
	allowed := make(map[models.Role]struct{})
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		roleVal, ok := c.Get(ContextUserRole)
		if !ok {
			response.Unauthorized(c, "missing user context")
			c.Abort()
			return
		}
		role, _ := roleVal.(string)
		if _, ok := allowed[models.Role(role)]; !ok {
			response.Forbidden(c, "insufficient permissions")
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireCampaign allows only tokens bound to the campaign named by the given path param.
func RequireCampaign(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		bound := c.GetString(ContextCampaignID)
		if bound == "" || bound != c.Param(param) {
			response.Forbidden(c, "token is not bound to this campaign")
			c.Abort()
			return
		}
		c.Next()
	}
}
