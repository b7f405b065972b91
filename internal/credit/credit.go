// Package credit implements confidential credit scoring for Solana wallets.
//
// A wallet owner submits encrypted activity metrics. The service checks the
// submission cooldown, dispatches the ciphertexts to the compute cluster and
// records them; the cluster later calls back with the score, which is
// reconciled into the wallet's CreditRecord. A fresh score can be disclosed
// to a third party, in which case the cluster seals a CreditReport for the
// receiver's key and nothing is persisted.
package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/mbd888/cipherscore/internal/scoring"
	"github.com/mbd888/cipherscore/internal/sealed"
)

var (
	ErrRecordNotFound       = errors.New("credit record not found")
	ErrCooldownActive       = errors.New("submission cooldown active")
	ErrScoreExpired         = errors.New("score expired")
	ErrCalculationFailed    = errors.New("score calculation failed")
	ErrSharingFailed        = errors.New("score sharing failed")
	ErrClusterNotSet        = errors.New("compute cluster not set")
	ErrComputeUnavailable   = errors.New("compute service unavailable")
	ErrDuplicateComputation = errors.New("computation offset already in use")
	ErrComputationNotFound  = errors.New("computation not found")
	ErrUnexpectedCallback   = errors.New("unexpected callback")
	ErrInvalidWallet        = errors.New("invalid wallet address")
	ErrInvalidKey           = errors.New("invalid public key")
	ErrWalletDataDisabled   = errors.New("wallet-only submissions are not configured")
)

// CooldownError is returned when a wallet submits again inside the cooldown
// window. It matches ErrCooldownActive with errors.Is.
type CooldownError struct {
	RetryAfter  time.Duration
	NextAllowed int64 // unix seconds
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s: retry in %s", ErrCooldownActive, e.RetryAfter)
}

func (e *CooldownError) Is(target error) bool { return target == ErrCooldownActive }

// CreditRecord is the durable per-wallet state. Timestamps are unix seconds;
// zero means never.
type CreditRecord struct {
	Wallet           solana.PublicKey              `json:"wallet"`
	EncryptedMetrics sealed.EncryptedWalletMetrics `json:"encryptedMetrics"`
	CurrentScore     uint16                        `json:"currentScore"`
	RiskLevel        scoring.RiskLevel             `json:"riskLevel"`
	ScoreTimestamp   int64                         `json:"scoreTimestamp"`
	LastUpdated      int64                         `json:"lastUpdated"`
}

// NewRecord returns the zero-valued record for wallet. The risk level is the
// tier of score 0.
func NewRecord(wallet solana.PublicKey) *CreditRecord {
	return &CreditRecord{Wallet: wallet, RiskLevel: scoring.RiskFor(0)}
}

// Scored reports whether a score has ever been reconciled.
func (r *CreditRecord) Scored() bool { return r.ScoreTimestamp > 0 }

// CheckCooldown rejects a submission at now when the previous one was less
// than cooldown seconds ago.
func CheckCooldown(r *CreditRecord, now, cooldown int64) error {
	if r == nil || r.LastUpdated == 0 {
		return nil
	}
	if elapsed := now - r.LastUpdated; elapsed < cooldown {
		return &CooldownError{
			RetryAfter:  time.Duration(cooldown-elapsed) * time.Second,
			NextAllowed: r.LastUpdated + cooldown,
		}
	}
	return nil
}

// CheckFreshness rejects a disclosure at now when the score is window
// seconds old or older. A record that was never scored is always expired.
func CheckFreshness(r *CreditRecord, now, window int64) error {
	if now-r.ScoreTimestamp >= window {
		return ErrScoreExpired
	}
	return nil
}

// Store persists credit records. Every method is atomic per wallet.
type Store interface {
	Get(ctx context.Context, wallet solana.PublicKey) (*CreditRecord, error)
	GetOrCreate(ctx context.Context, wallet solana.PublicKey) (*CreditRecord, error)
	// ApplySubmission overwrites the encrypted metrics and sets LastUpdated
	// to now, unless the cooldown is active, in which case nothing changes
	// and a *CooldownError is returned.
	ApplySubmission(ctx context.Context, wallet solana.PublicKey, metrics sealed.EncryptedWalletMetrics, now, cooldown int64) (*CreditRecord, error)
	// ApplyScore sets the score, its risk tier and ScoreTimestamp = now.
	ApplyScore(ctx context.Context, wallet solana.PublicKey, score uint16, now int64) (*CreditRecord, error)
	List(ctx context.Context, limit int) ([]*CreditRecord, error)
}

// WalletMetricsSource derives plaintext metrics for a wallet from public
// chain data.
type WalletMetricsSource interface {
	FetchMetrics(ctx context.Context, wallet solana.PublicKey) (scoring.WalletMetrics, error)
}

// ParseWallet decodes a base58 wallet address.
func ParseWallet(s string) (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidWallet, err)
	}
	if pk.IsZero() {
		return solana.PublicKey{}, fmt.Errorf("%w: zero key", ErrInvalidWallet)
	}
	return pk, nil
}
