package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/cipherscore/internal/logging"
	"github.com/mbd888/cipherscore/internal/validation"
)

const (
	maxKeyNameLen = 64
	keyWarning    = "Store this key securely. It will not be shown again."
)

// Handler provides HTTP endpoints for auth management
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up key management routes. The group must run
// Middleware and RequireAuth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/me", withKey(h.GetCurrentWallet))
	r.GET("/keys", withKey(h.ListKeys))
	r.POST("/keys", withKey(h.CreateKey))
	r.DELETE("/keys/:keyId", withKey(h.RevokeKey))
	r.GET("/keys/usage", withKey(h.GetUsage))
}

// RegisterAdminRoutes sets up operator routes behind RequireAdmin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/keys", h.IssueKey)
}

// withKey adapts a handler that needs the caller's key. RequireAuth runs
// first, so a missing key here means the route was mounted wrong.
func withKey(fn func(*gin.Context, *APIKey)) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := GetAPIKey(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		fn(c, key)
	}
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":      "api_key",
		"header":    "Authorization: Bearer sk_...",
		"altHeader": "X-API-Key: sk_...",
		"note":      "Keys are issued per wallet by the operator. Store them securely.",
		"tiers": gin.H{
			string(TierNormal):  TierNormal.Limit(),
			string(TierPremium): TierPremium.Limit(),
		},
		"quotaWindow": QuotaWindow.String(),
		"publicEndpoints": []string{
			"GET /v1/cluster",
			"GET /v1/auth/info",
		},
		"protectedEndpoints": []string{
			"GET /v1/wallets/:wallet/status",
			"POST /v1/wallets/:wallet/score",
			"POST /v1/wallets/:wallet/score/plain",
			"POST /v1/wallets/:wallet/share",
			"GET /v1/computations/:offset",
			"GET /v1/stream",
		},
	})
}

// KeyResponse is returned once, when a key is created.
type KeyResponse struct {
	APIKey  string  `json:"apiKey"`
	Key     *APIKey `json:"key"`
	Warning string  `json:"warning"`
}

// ListKeys returns the caller's wallet keys, revoked ones included.
func (h *Handler) ListKeys(c *gin.Context, key *APIKey) {
	keys, err := h.manager.ListKeys(c.Request.Context(), key.Wallet)
	if err != nil {
		logging.L(c.Request.Context()).Error("list keys failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list keys"})
		return
	}
	if keys == nil {
		keys = []*APIKey{}
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// CreateKeyRequest is the request body for creating a key
type CreateKeyRequest struct {
	Name string `json:"name"`
}

// CreateKey creates an additional key for the caller's wallet at the
// caller's tier. The body is optional.
func (h *Handler) CreateKey(c *gin.Context, key *APIKey) {
	var req CreateKeyRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return
		}
	}
	if !validName(c, req.Name) {
		return
	}
	if req.Name == "" {
		req.Name = "Additional key"
	}

	rawKey, newKey, err := h.manager.GenerateKey(c.Request.Context(), key.Wallet, req.Name, key.Tier)
	if err != nil {
		h.keyError(c, err)
		return
	}
	c.JSON(http.StatusCreated, KeyResponse{APIKey: rawKey, Key: newKey, Warning: keyWarning})
}

// IssueKeyRequest is the admin request body for issuing a key.
type IssueKeyRequest struct {
	Wallet string `json:"wallet"`
	Name   string `json:"name"`
	Tier   Tier   `json:"tier"`
}

// IssueKey handles POST /v1/admin/keys
func (h *Handler) IssueKey(c *gin.Context) {
	var req IssueKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.Required("wallet", req.Wallet),
		validation.MaxLength("name", req.Name, maxKeyNameLen),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}
	if req.Name == "" {
		req.Name = "Primary key"
	}

	rawKey, key, err := h.manager.GenerateKey(c.Request.Context(), req.Wallet, req.Name, req.Tier)
	if err != nil {
		h.keyError(c, err)
		return
	}
	logging.L(c.Request.Context()).Info("api key issued", "wallet", key.Wallet, "keyId", key.ID, "tier", string(key.Tier))
	c.JSON(http.StatusCreated, KeyResponse{APIKey: rawKey, Key: key, Warning: keyWarning})
}

// RevokeKey revokes one of the caller's other keys.
func (h *Handler) RevokeKey(c *gin.Context, key *APIKey) {
	keyID := c.Param("keyId")
	if keyID == key.ID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you're using",
		})
		return
	}

	err := h.manager.RevokeKey(c.Request.Context(), keyID, key.Wallet)
	switch {
	case errors.Is(err, ErrKeyNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "key_not_found", "message": "Key not found or already revoked"})
	case err != nil:
		logging.L(c.Request.Context()).Error("revoke key failed", "keyId", keyID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to revoke key"})
	default:
		c.JSON(http.StatusOK, gin.H{"message": "Key revoked", "keyId": keyID})
	}
}

// GetUsage handles GET /v1/keys/usage
func (h *Handler) GetUsage(c *gin.Context, key *APIKey) {
	usage, err := h.manager.Usage(c.Request.Context(), key)
	if err != nil {
		logging.L(c.Request.Context()).Error("read usage failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to read usage"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": usage})
}

// GetCurrentWallet describes the key making the request.
func (h *Handler) GetCurrentWallet(c *gin.Context, key *APIKey) {
	c.JSON(http.StatusOK, gin.H{
		"wallet":    key.Wallet,
		"keyId":     key.ID,
		"keyName":   key.Name,
		"tier":      key.Tier,
		"createdAt": key.CreatedAt,
		"lastUsed":  key.LastUsed,
	})
}

func validName(c *gin.Context, name string) bool {
	if errs := validation.Validate(validation.MaxLength("name", name, maxKeyNameLen)); len(errs) > 0 {
		validationFailed(c, errs)
		return false
	}
	return true
}

func validationFailed(c *gin.Context, errs validation.Errors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_failed",
		"message": errs.Error(),
		"details": errs,
	})
}

func (h *Handler) keyError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidWallet), errors.Is(err, ErrInvalidTier):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrTooManyKeys):
		c.JSON(http.StatusConflict, gin.H{"error": "key_limit_reached", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("api key creation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to create API key"})
	}
}
