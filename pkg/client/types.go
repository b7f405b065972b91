package client

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mbd888/cipherscore/internal/scoring"
	"github.com/mbd888/cipherscore/internal/sealed"
)

// ClusterInfo describes the compute cluster clients encrypt to.
type ClusterInfo struct {
	PublicKey       sealed.PublicKey `json:"publicKey"`
	PublicKeyBase58 string           `json:"publicKeyBase58"`
	Ready           bool             `json:"ready"`
	Circuits        []string         `json:"circuits"`
}

// WalletStatus is the cooldown and freshness view of a wallet's record.
type WalletStatus struct {
	Wallet           string            `json:"wallet"`
	Exists           bool              `json:"exists"`
	HasMetrics       bool              `json:"hasMetrics"`
	CurrentScore     uint16            `json:"currentScore"`
	RiskLevel        scoring.RiskLevel `json:"riskLevel"`
	ScoreTimestamp   int64             `json:"scoreTimestamp"`
	LastUpdated      int64             `json:"lastUpdated"`
	CanSubmit        bool              `json:"canSubmit"`
	NextSubmissionAt int64             `json:"nextSubmissionAt,omitempty"`
	ScoreFresh       bool              `json:"scoreFresh"`
	FreshUntil       int64             `json:"freshUntil,omitempty"`
}

// Computation statuses.
const (
	StatusPending   = "pending"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Computation is one dispatched score or disclosure request.
type Computation struct {
	Offset     uint64                  `json:"offset,string"`
	Circuit    string                  `json:"circuit"`
	Wallet     string                  `json:"wallet"`
	Receiver   *sealed.PublicKey       `json:"receiver,omitempty"`
	Status     string                  `json:"status"`
	Score      *uint16                 `json:"score,omitempty"`
	Report     *sealed.EncryptedReport `json:"report,omitempty"`
	Error      string                  `json:"error,omitempty"`
	CreatedAt  time.Time               `json:"createdAt"`
	ResolvedAt *time.Time              `json:"resolvedAt,omitempty"`
}

// Done reports whether the computation reached a terminal state.
func (c *Computation) Done() bool { return c.Status != StatusPending }

// Submission is a started score computation plus the sender key and nonce
// a later Share must present.
type Submission struct {
	Computation *Computation     `json:"computation"`
	SenderKey   sealed.PublicKey `json:"senderKey"`
	Nonce       sealed.Nonce     `json:"nonce"`
}

// EncryptedSubmission carries metrics the caller already encrypted.
type EncryptedSubmission struct {
	Offset           uint64                        `json:"offset,string,omitempty"`
	SenderKey        sealed.PublicKey              `json:"senderKey"`
	Nonce            sealed.Nonce                  `json:"nonce"`
	EncryptedMetrics sealed.EncryptedWalletMetrics `json:"encryptedMetrics"`
}

// ShareRequest discloses the current score to ReceiverKey.
type ShareRequest struct {
	Offset        uint64           `json:"offset,string,omitempty"`
	ReceiverKey   sealed.PublicKey `json:"receiverKey"`
	ReceiverNonce sealed.Nonce     `json:"receiverNonce"`
	SenderKey     sealed.PublicKey `json:"senderKey"`
	SenderNonce   sealed.Nonce     `json:"senderNonce"`
}

// Usage is the caller's quota for the rolling window.
type Usage struct {
	Tier      string     `json:"tier"`
	Limit     int        `json:"limit"`
	Used      int        `json:"used"`
	Remaining int        `json:"remaining"`
	ResetsAt  *time.Time `json:"resetsAt,omitempty"`
}

// Error is a non-2xx API response.
type Error struct {
	Status     int           `json:"-"`
	Code       string        `json:"error"`
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"-"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("API error (%d): %s", e.Status, e.Code)
	}
	return fmt.Sprintf("API error (%d): %s: %s", e.Status, e.Code, e.Message)
}

// Error codes returned by the API.
const (
	CodeCooldown      = "cooldown_active"
	CodeScoreExpired  = "score_expired"
	CodeQuotaExceeded = "quota_exceeded"
	CodeRateLimited   = "rate_limit_exceeded"
)

// IsCooldown reports whether err is a rejected submission inside the
// cooldown window.
func IsCooldown(err error) bool { return hasCode(err, CodeCooldown) }

// IsScoreExpired reports whether err is a share refused for a stale score.
func IsScoreExpired(err error) bool { return hasCode(err, CodeScoreExpired) }

// IsQuotaExceeded reports whether err is an exhausted API key quota.
func IsQuotaExceeded(err error) bool { return hasCode(err, CodeQuotaExceeded) }

// IsNotFound reports whether err is a 404.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

func hasCode(err error, code string) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}
