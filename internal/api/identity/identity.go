package identity

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Header names the fronting auth layer sets on every request. The service
// trusts these values; it never derives identity itself.
const (
	TenantHeader = "X-Tenant-ID"
	UserHeader   = "X-User-ID"
)

const (
	tenantKey = "identity.tenant_id"
	userKey   = "identity.user_id"
)

// Middleware extracts the caller identity from the trusted headers.
// A request without a tenant id cannot be billed or scoped and is rejected.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetHeader(TenantHeader)
		if tenantID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "Missing tenant id",
			})
			return
		}

		c.Set(tenantKey, tenantID)
		c.Set(userKey, c.GetHeader(UserHeader))
		c.Next()
	}
}

// TenantID returns the caller's tenant id set by Middleware
func TenantID(c *gin.Context) string {
	return c.GetString(tenantKey)
}

// UserID returns the caller's user id set by Middleware
func UserID(c *gin.Context) string {
	return c.GetString(userKey)
}
