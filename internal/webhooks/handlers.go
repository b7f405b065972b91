package webhooks

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/cipherscore/internal/events"
	"github.com/mbd888/cipherscore/internal/idgen"
	"github.com/mbd888/cipherscore/internal/validation"
)

// MaxPerWallet caps subscriptions per wallet.
const MaxPerWallet = 10

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store      Store
	dispatcher *Dispatcher
}

// NewHandler creates a new webhook handler
func NewHandler(store Store, dispatcher *Dispatcher) *Handler {
	return &Handler{
		store:      store,
		dispatcher: dispatcher,
	}
}

// RegisterRoutes sets up webhook routes. The group must run auth
// middleware that sets "authWallet".
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallets/:wallet/webhooks", h.CreateWebhook)
	r.GET("/wallets/:wallet/webhooks", h.ListWebhooks)
	r.DELETE("/wallets/:wallet/webhooks/:webhookId", h.DeleteWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required"`
}

// CreateWebhook handles POST /wallets/:wallet/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	wallet, ok := ownWallet(c)
	if !ok {
		return
	}

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("url", req.URL),
		validation.MaxLength("url", req.URL, 2048),
		validation.AbsoluteURL("url", req.URL),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	types, err := parseEventTypes(req.Events)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_events",
			"message": err.Error(),
		})
		return
	}

	if err := h.dispatcher.urlValidator(c.Request.Context(), req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	existing, err := h.store.GetByWallet(c.Request.Context(), wallet)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}
	if len(existing) >= MaxPerWallet {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "limit_reached",
			"message": "Webhook limit reached for this wallet",
		})
		return
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		Wallet:    wallet,
		URL:       req.URL,
		Secret:    secret,
		Events:    types,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // Only shown once!
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(payload, secret)",
			"header":    HeaderSignature,
		},
	})
}

// ListWebhooks handles GET /wallets/:wallet/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	wallet, ok := ownWallet(c)
	if !ok {
		return
	}

	subs, err := h.store.GetByWallet(c.Request.Context(), wallet)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhooks",
		})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}

	// Secret is tagged json:"-".
	c.JSON(http.StatusOK, gin.H{
		"webhooks": subs,
	})
}

// DeleteWebhook handles DELETE /wallets/:wallet/webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	wallet, ok := ownWallet(c)
	if !ok {
		return
	}
	webhookID := c.Param("webhookId")

	sub, err := h.store.Get(c.Request.Context(), webhookID)
	if errors.Is(err, ErrNotFound) || (err == nil && sub.Wallet != wallet) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Webhook not found",
		})
		return
	}
	if err == nil {
		err = h.store.Delete(c.Request.Context(), webhookID)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"message": "Webhook deleted",
	})
}

func parseEventTypes(raw []string) ([]events.Type, error) {
	if len(raw) == 0 {
		return nil, errors.New("at least one event type is required")
	}
	out := make([]events.Type, 0, len(raw))
	for _, r := range raw {
		t := events.Type(r)
		if !t.Valid() {
			return nil, errors.New("unknown event type: " + r)
		}
		out = append(out, t)
	}
	return out, nil
}

func ownWallet(c *gin.Context) (string, bool) {
	wallet := c.Param("wallet")
	if !validation.IsValidWallet(wallet) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_wallet",
			"message": "wallet must be a base58 Solana public key",
		})
		return "", false
	}
	if c.GetString("authWallet") != wallet {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "API key is not bound to this wallet",
		})
		return "", false
	}
	return wallet, true
}
