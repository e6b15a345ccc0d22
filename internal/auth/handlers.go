package auth

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/p402/facilitator/internal/apperr"
	"github.com/p402/facilitator/internal/logging"
	"github.com/p402/facilitator/internal/validation"
)

// Handler provides HTTP endpoints for a tenant's own keys.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes mounts the key endpoints. r must already run RequireAPIKey.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/keys", h.ListKeys)
	r.POST("/keys", h.CreateKey)
	r.DELETE("/keys/:keyId", h.RevokeKey)
}

type keyView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"createdAt"`
	LastUsed  string `json:"lastUsed,omitempty"`
	ExpiresAt string `json:"expiresAt,omitempty"`
	Revoked   bool   `json:"revoked"`
}

func viewOf(k *APIKey) keyView {
	v := keyView{
		ID:        k.ID,
		Name:      k.Name,
		CreatedAt: k.CreatedAt.UTC().Format(time.RFC3339),
		Revoked:   k.Revoked,
	}
	if !k.LastUsed.IsZero() {
		v.LastUsed = k.LastUsed.UTC().Format(time.RFC3339)
	}
	if k.ExpiresAt != nil {
		v.ExpiresAt = k.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return v
}

// ListKeys returns the authenticated tenant's keys. Hashes are never exposed.
func (h *Handler) ListKeys(c *gin.Context) {
	ctx := c.Request.Context()
	keys, err := h.manager.ListKeys(ctx, TenantID(c))
	if err != nil {
		logging.L(ctx).Error("failed to list API keys", "error", err)
		fail(c, apperr.Wrap(apperr.Internal, "Failed to list keys", err))
		return
	}

	views := make([]keyView, len(keys))
	for i, k := range keys {
		views[i] = viewOf(k)
	}
	c.JSON(http.StatusOK, gin.H{"keys": views, "count": len(views)})
}

// CreateKeyRequest is the request body for creating a key
type CreateKeyRequest struct {
	Name string `json:"name"`
}

// CreateKey issues an additional key for the authenticated tenant.
func (h *Handler) CreateKey(c *gin.Context) {
	ctx := c.Request.Context()

	var req CreateKeyRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, apperr.New(apperr.InvalidPayload, "Invalid request body"))
			return
		}
	}
	req.Name = validation.SanitizeString(req.Name, 255)
	if req.Name == "" {
		req.Name = "Additional key"
	}

	rawKey, key, err := h.manager.GenerateKey(ctx, TenantID(c), req.Name, 0)
	if err != nil {
		logging.L(ctx).Error("failed to create API key", "error", err)
		fail(c, apperr.Wrap(apperr.Internal, "Failed to create API key", err))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"key":     viewOf(key),
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// RevokeKey revokes one of the tenant's keys other than the one in use.
func (h *Handler) RevokeKey(c *gin.Context) {
	ctx := c.Request.Context()
	keyID := c.Param("keyId")

	if current, ok := GetAPIKey(c); ok && current.ID == keyID {
		fail(c, apperr.New(apperr.InvalidPayload, "Cannot revoke the key you are using"))
		return
	}

	if err := h.manager.RevokeKey(ctx, keyID, TenantID(c)); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "Key not found or already revoked",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "keyId": keyID})
}

func fail(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), apperr.ResponseFor(err))
}
