package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/rostersync/internal/models"
	appErrors "github.com/noah-isme/rostersync/pkg/errors"
	"github.com/noah-isme/rostersync/pkg/response"
)

// RoleSelf is a pseudo role for RequireRoles: it admits the account whose id
// matches the :id route parameter regardless of its real role.
const RoleSelf = "self"

// RequireRoles restricts a route to the given roles, RoleSelf included.
func RequireRoles(allowed ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		allowSelf := false
		roles := make(map[models.Role]struct{}, len(allowed))
		for _, a := range allowed {
			if a == RoleSelf {
				allowSelf = true
				continue
			}
			roles[models.Role(a)] = struct{}{}
		}

		if _, ok := roles[claims.Role]; ok {
			c.Next()
			return
		}
		if allowSelf {
			if targetID := c.Param("id"); targetID != "" && targetID == claims.AccountID {
				c.Next()
				return
			}
		}

		response.Error(c, appErrors.ErrPermission)
		c.Abort()
	}
}

// RequireAdmin restricts a route to admin accounts.
func RequireAdmin() gin.HandlerFunc {
	return RequireRoles(string(models.RoleAdmin))
}
