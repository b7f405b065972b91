package credit

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/cipherscore/internal/mpc"
	"github.com/mbd888/cipherscore/internal/scoring"
	"github.com/mbd888/cipherscore/internal/sealed"
)

// MaxWait bounds the ?wait= parameter.
const MaxWait = 60 * time.Second

// Handler provides HTTP endpoints for credit operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new credit handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) credit routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/cluster", h.ClusterInfo)
}

// RegisterProtectedRoutes sets up routes that need an API key. quota is
// applied to the routes that start a score computation.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup, quota gin.HandlerFunc) {
	r.GET("/wallets/:wallet/status", h.GetStatus)
	r.POST("/wallets/:wallet/score", quota, h.SubmitScore)
	r.POST("/wallets/:wallet/score/plain", quota, h.SubmitPlainScore)
	r.POST("/wallets/:wallet/share", h.ShareScore)
	r.GET("/computations/:offset", h.GetComputation)
}

// RegisterAdminRoutes sets up admin-only credit routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/records", h.ListRecords)
}

// ClusterInfo handles GET /v1/cluster
func (h *Handler) ClusterInfo(c *gin.Context) {
	key := h.service.ClusterKey()
	c.JSON(http.StatusOK, gin.H{
		"publicKey":       key,
		"publicKeyBase58": key.Base58(),
		"ready":           h.service.compute.Ready(),
		"circuits":        mpc.Circuits,
	})
}

// GetStatus handles GET /v1/wallets/:wallet/status
func (h *Handler) GetStatus(c *gin.Context) {
	wallet, ok := walletParam(c)
	if !ok {
		return
	}

	st, err := h.service.Status(c.Request.Context(), wallet)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": st})
}

type submitBody struct {
	Offset           string                        `json:"offset"`
	SenderKey        sealed.PublicKey              `json:"senderKey"`
	Nonce            sealed.Nonce                  `json:"nonce"`
	EncryptedMetrics sealed.EncryptedWalletMetrics `json:"encryptedMetrics"`
}

// SubmitScore handles POST /v1/wallets/:wallet/score
func (h *Handler) SubmitScore(c *gin.Context) {
	wallet, ok := ownedWallet(c)
	if !ok {
		return
	}

	var req submitBody
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	offset, err := parseOffset(req.Offset)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	comp, err := h.service.Submit(c.Request.Context(), SubmitRequest{
		Wallet:    wallet,
		Offset:    offset,
		SenderKey: req.SenderKey,
		Nonce:     req.Nonce,
		Metrics:   req.EncryptedMetrics,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"computation": comp})
}

type plainBody struct {
	Offset  string                 `json:"offset"`
	Metrics *scoring.WalletMetrics `json:"metrics"`
}

// SubmitPlainScore handles POST /v1/wallets/:wallet/score/plain. Without a
// metrics object the metrics are derived from chain data.
func (h *Handler) SubmitPlainScore(c *gin.Context) {
	wallet, ok := ownedWallet(c)
	if !ok {
		return
	}

	var req plainBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	offset, err := parseOffset(req.Offset)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	wait, err := parseWait(c.Query("wait"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	var sub *PlainSubmission
	if req.Metrics != nil {
		sub, err = h.service.SubmitPlain(ctx, wallet, offset, *req.Metrics)
	} else {
		sub, err = h.service.SubmitWallet(ctx, wallet, offset)
	}
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusAccepted
	if wait > 0 {
		if done, ok := h.await(ctx, sub.Computation.Offset, wait); ok {
			sub.Computation = done
			status = http.StatusOK
		}
	}
	c.JSON(status, sub)
}

type shareBody struct {
	Offset        string           `json:"offset"`
	ReceiverKey   sealed.PublicKey `json:"receiverKey"`
	ReceiverNonce sealed.Nonce     `json:"receiverNonce"`
	SenderKey     sealed.PublicKey `json:"senderKey"`
	SenderNonce   sealed.Nonce     `json:"senderNonce"`
}

// ShareScore handles POST /v1/wallets/:wallet/share
func (h *Handler) ShareScore(c *gin.Context) {
	wallet, ok := ownedWallet(c)
	if !ok {
		return
	}

	var req shareBody
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	offset, err := parseOffset(req.Offset)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	comp, err := h.service.Share(c.Request.Context(), ShareRequest{
		Wallet:        wallet,
		Offset:        offset,
		ReceiverKey:   req.ReceiverKey,
		ReceiverNonce: req.ReceiverNonce,
		SenderKey:     req.SenderKey,
		SenderNonce:   req.SenderNonce,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"computation": comp})
}

// GetComputation handles GET /v1/computations/:offset
func (h *Handler) GetComputation(c *gin.Context) {
	offset, err := strconv.ParseUint(c.Param("offset"), 10, 64)
	if err != nil || offset == 0 {
		badRequest(c, "offset must be a positive integer")
		return
	}
	wait, err := parseWait(c.Query("wait"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	comp, err := h.service.Computation(offset)
	if err != nil {
		writeError(c, err)
		return
	}
	if caller := c.GetString("authWallet"); caller != "" && caller != comp.Wallet.String() {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": ErrComputationNotFound.Error(),
		})
		return
	}
	if comp.Status == ComputationPending && wait > 0 {
		if done, ok := h.await(c.Request.Context(), offset, wait); ok {
			comp = done
		}
	}
	c.JSON(http.StatusOK, gin.H{"computation": comp})
}

// ListRecords handles GET /v1/admin/records
func (h *Handler) ListRecords(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records, err := h.service.List(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"count":   len(records),
	})
}

func (h *Handler) await(ctx context.Context, offset uint64, wait time.Duration) (*Computation, bool) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	comp, err := h.service.AwaitComputation(ctx, offset)
	if err != nil {
		return nil, false
	}
	return comp, true
}

func walletParam(c *gin.Context) (solana.PublicKey, bool) {
	wallet, err := ParseWallet(c.Param("wallet"))
	if err != nil {
		badRequest(c, err.Error())
		return solana.PublicKey{}, false
	}
	return wallet, true
}

// ownedWallet parses :wallet and checks it is the wallet the API key is
// bound to.
func ownedWallet(c *gin.Context) (solana.PublicKey, bool) {
	wallet, ok := walletParam(c)
	if !ok {
		return wallet, false
	}
	if c.GetString("authWallet") != wallet.String() {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "API key is not bound to this wallet",
		})
		return wallet, false
	}
	return wallet, true
}

func parseOffset(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	off, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.New("offset must be an unsigned 64-bit decimal")
	}
	return off, nil
}

func parseWait(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, errors.New("wait must be a non-negative duration such as 30s")
	}
	return min(d, MaxWait), nil
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": msg,
	})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"

	var cd *CooldownError
	switch {
	case errors.As(err, &cd):
		status = http.StatusTooManyRequests
		code = "cooldown_active"
		c.Header("Retry-After", strconv.FormatInt(int64(cd.RetryAfter/time.Second), 10))
	case errors.Is(err, ErrScoreExpired):
		status = http.StatusConflict
		code = "score_expired"
	case errors.Is(err, ErrRecordNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrComputationNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrDuplicateComputation):
		status = http.StatusConflict
		code = "duplicate_offset"
	case errors.Is(err, ErrClusterNotSet), errors.Is(err, ErrComputeUnavailable):
		status = http.StatusServiceUnavailable
		code = "compute_unavailable"
	case errors.Is(err, ErrWalletDataDisabled):
		status = http.StatusServiceUnavailable
		code = "wallet_data_unavailable"
	case errors.Is(err, ErrInvalidWallet), errors.Is(err, ErrInvalidKey):
		status = http.StatusBadRequest
		code = "invalid_request"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
