// Package identity extracts the pre-authenticated caller from request
// headers. Authentication itself happens upstream (API gateway / session
// service); this engine only performs authorization against the identity it
// is handed.
package identity

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	userIDKey   = "identity.userID"
	userRoleKey = "identity.userRole"
)

// Roles the engine distinguishes.
const (
	RoleBuyer    = "buyer"
	RoleProvider = "provider"
	RoleAdmin    = "admin"
)

// Middleware reads X-User-ID and X-User-Role into the request context.
// Requests without an identity are rejected; the gateway never forwards
// unauthenticated traffic to this service.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthenticated",
				"message": "missing X-User-ID header",
			})
			return
		}
		c.Set(userIDKey, userID)
		c.Set(userRoleKey, c.GetHeader("X-User-Role"))
		c.Next()
	}
}

// UserID returns the authenticated caller's ID.
func UserID(c *gin.Context) string { return c.GetString(userIDKey) }

// Role returns the caller's role, empty if none was forwarded.
func Role(c *gin.Context) string { return c.GetString(userRoleKey) }

// IsAdmin reports whether the caller has the admin role.
func IsAdmin(c *gin.Context) bool { return Role(c) == RoleAdmin }

// RequireAdmin aborts non-admin requests.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAdmin(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "admin role required",
			})
			return
		}
		c.Next()
	}
}
