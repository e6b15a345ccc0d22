package auth

import (
	"github.com/gin-gonic/gin"

	"github.com/p402/facilitator/internal/apperr"
	"github.com/p402/facilitator/internal/logging"
)

const (
	// ContextKeyAPIKey is the key for storing API key in gin context
	ContextKeyAPIKey = "apiKey"
	// ContextKeyTenant is the key for storing the authenticated tenant
	ContextKeyTenant = "tenantID"
)

// RequireAPIKey rejects requests without a valid bearer key. On success the
// key and tenant are stored in the gin context and the tenant is attached
// to the request logger.
func RequireAPIKey(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if raw == "" {
			raw = c.GetHeader("X-API-Key")
		}

		key, err := m.ValidateKey(c.Request.Context(), raw)
		if err != nil {
			if apperr.HasKind(err, apperr.StoreUnavailable) {
				logging.L(c.Request.Context()).Error("API key lookup failed", "error", err)
			}
			c.AbortWithStatusJSON(apperr.HTTPStatus(err), apperr.ResponseFor(err))
			return
		}

		c.Set(ContextKeyAPIKey, key)
		c.Set(ContextKeyTenant, key.TenantID)
		c.Request = c.Request.WithContext(logging.WithTenant(c.Request.Context(), key.TenantID))
		c.Next()
	}
}

// GetAPIKey returns the API key from context (if authenticated)
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	v, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	key, ok := v.(*APIKey)
	return key, ok
}

// TenantID returns the authenticated tenant, or "" when the request is
// unauthenticated.
func TenantID(c *gin.Context) string {
	return c.GetString(ContextKeyTenant)
}
