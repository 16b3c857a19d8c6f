package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/MeteredGateway/internal/models"
)

// superAdminRoutes lists the routes only super admins may call. Every other admin route is open
// to both admin roles.
var superAdminRoutes = routeSet(
	permissionKey(http.MethodPut, "/api/admin/settings"),
	permissionKey(http.MethodPut, "/api/admin/users/:id/role"),
	permissionKey(http.MethodPost, "/api/admin/users/:id/balance"),
)

func routeSet(keys ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		out[key] = struct{}{}
	}
	return out
}

// permissionKey builds the lookup key for a route.
func permissionKey(method, path string) string {
	return method + " " + path
}

// adminPermissionMiddleware enforces role checks for admin routes. It runs after the JWT
// middleware has loaded the user's role.
func adminPermissionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		path := c.FullPath()
		if path == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "permission denied", "code": "forbidden"})
			return
		}

		role, ok := readRoleFromContext(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin not found", "code": "unauthorized"})
			return
		}

		switch role {
		case models.UserRoleSuperAdmin:
			c.Next()
		case models.UserRoleAdmin:
			if _, restricted := superAdminRoutes[permissionKey(c.Request.Method, path)]; restricted {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "super admin required", "code": "forbidden"})
				return
			}
			c.Next()
		default:
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "permission denied", "code": "forbidden"})
		}
	}
}

// readRoleFromContext extracts the role set by the JWT middleware.
func readRoleFromContext(c *gin.Context) (models.UserRole, bool) {
	value, ok := c.Get("userRole")
	if !ok {
		return "", false
	}
	role, ok := value.(string)
	return models.UserRole(role), ok
}
