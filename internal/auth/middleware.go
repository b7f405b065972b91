package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/cipherscore/internal/logging"
	"github.com/mbd888/cipherscore/internal/metrics"
)

const (
	// ContextKeyAPIKey is the key for storing API key in gin context
	ContextKeyAPIKey = "apiKey"
	// ContextKeyWallet is the key for storing the authenticated wallet
	ContextKeyWallet = "authWallet"
)

// Middleware extracts and validates API key from request
// Sets apiKey and authWallet in context if valid
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Get API key from header
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}

		if apiKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), apiKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyWallet, key.Wallet)
			}
		}

		c.Next()
	}
}

// RequireAuth middleware rejects requests without valid auth
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			abortUnauthorized(c, "API key required. Include 'Authorization: Bearer sk_...' header.")
			return
		}
		c.Next()
	}
}

// RequireOwnership middleware requires auth AND that the key is bound to
// the wallet in paramName.
func RequireOwnership(paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := GetAPIKey(c)
		if !ok {
			abortUnauthorized(c, "API key required.")
			return
		}

		// Base58 is case-sensitive: exact match only.
		if key.Wallet != c.Param(paramName) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": ErrNotOwner.Error(),
			})
			return
		}

		c.Next()
	}
}

// RequireQuota rejects the request when the key's wallet has used its
// tier's computations for the window, and records one use of operation
// when the handler answers 200 or 202. Rejected and failed submissions do
// not count.
func RequireQuota(m *Manager, operation string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := GetAPIKey(c)
		if !ok {
			abortUnauthorized(c, "API key required.")
			return
		}

		usage, err := m.CheckQuota(c.Request.Context(), key)
		switch {
		case errors.Is(err, ErrQuotaExceeded):
			metrics.QuotaRejectionsTotal.WithLabelValues(string(key.Tier)).Inc()
			if usage.ResetsAt != nil {
				retry := usage.ResetsAt.Sub(m.clock.Now())
				c.Header("Retry-After", strconv.FormatInt(int64(max(retry, time.Second)/time.Second), 10))
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "quota_exceeded",
				"message": err.Error(),
				"usage":   usage,
			})
			return
		case err != nil:
			logging.L(c.Request.Context()).Error("quota check failed", "wallet", key.Wallet, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to check quota",
			})
			return
		}

		c.Next()

		if s := c.Writer.Status(); s == http.StatusOK || s == http.StatusAccepted {
			if err := m.RecordUsage(c.Request.Context(), key.Wallet, operation); err != nil {
				logging.L(c.Request.Context()).Error("usage record failed", "wallet", key.Wallet, "operation", operation, "error", err)
			}
		}
	}
}

// RequireAdmin guards operator endpoints with the X-Admin-Secret header.
// An empty secret leaves the routes open; config.Validate refuses that in
// production.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		given := c.GetHeader("X-Admin-Secret")
		if given == "" {
			abortUnauthorized(c, "X-Admin-Secret header required.")
			return
		}
		if subtle.ConstantTimeCompare([]byte(given), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret.",
			})
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the API key from context (if authenticated)
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	k, ok := key.(*APIKey)
	return k, ok
}

// GetAuthenticatedWallet returns the authenticated wallet
func GetAuthenticatedWallet(c *gin.Context) string {
	return c.GetString(ContextKeyWallet)
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyAPIKey)
	return exists
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": msg})
}
