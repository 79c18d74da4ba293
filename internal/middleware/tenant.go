package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-certify/internal/response"
)

const (
	// HeaderTenantID carries the calling tenant.
	HeaderTenantID = "X-Tenant-ID"

	// ContextKeyTenantID is the Gin context key for the tenant id.
	ContextKeyTenantID = "tenant_id"
)

// RequireTenant rejects requests that do not name their tenant. The
// tenant_id query parameter is accepted for WebSocket upgrades, which cannot
// send headers from a browser.
func RequireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := strings.TrimSpace(c.GetHeader(HeaderTenantID))
		if tenantID == "" {
			tenantID = strings.TrimSpace(c.Query("tenant_id"))
		}
		if tenantID == "" {
			response.AbortFail(c, http.StatusBadRequest, response.ErrTenantRequired)
			return
		}
		c.Set(ContextKeyTenantID, tenantID)
		c.Next()
	}
}

// GetTenantID returns the tenant set by RequireTenant.
func GetTenantID(c *gin.Context) string {
	return c.GetString(ContextKeyTenantID)
}
