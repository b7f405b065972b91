// Package auth provides API key authentication and score quotas.
//
// Authentication model:
//   - Public endpoints (cluster info, health): no auth
//   - Wallet endpoints and the wallet's event stream: an API key bound to
//     that wallet
//   - Score computations: additionally limited per wallet by the key's tier
//     over a rolling 30-day window
//   - Admin endpoints (issuing keys, listing records, the operator
//     stream): X-Admin-Secret
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mbd888/cipherscore/internal/validation"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or revoked API key")
	ErrNotOwner      = errors.New("not authorized for this resource")
	ErrKeyNotFound   = errors.New("API key not found")
	ErrTooManyKeys   = errors.New("active API key limit reached for this wallet")
	ErrQuotaExceeded = errors.New("monthly score quota exhausted")
	ErrInvalidTier   = errors.New("unknown tier")
	ErrInvalidWallet = errors.New("wallet must be a base58 Solana public key")
)

// Tier selects the monthly score quota.
type Tier string

const (
	TierNormal  Tier = "normal"
	TierPremium Tier = "premium"
)

// Limit returns the number of score computations allowed per window.
func (t Tier) Limit() int {
	switch t {
	case TierPremium:
		return 15
	default:
		return 5
	}
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierNormal || t == TierPremium
}

const (
	// QuotaWindow is the rolling window quotas are counted over.
	QuotaWindow = 30 * 24 * time.Hour
	// MaxKeysPerWallet caps active (unrevoked) keys per wallet.
	MaxKeysPerWallet = 5
)

// APIKey represents an API key
type APIKey struct {
	ID        string    `json:"id"`
	Hash      string    `json:"-"`      // SHA256 hash of key (stored)
	Wallet    string    `json:"wallet"` // The wallet this key acts for
	Name      string    `json:"name"`   // Friendly name
	Tier      Tier      `json:"tier"`
	CreatedAt time.Time `json:"createdAt"`
	LastUsed  time.Time `json:"lastUsed,omitempty"`
	Revoked   bool      `json:"revoked"`
}

// Usage is a wallet's quota position.
type Usage struct {
	Tier      Tier       `json:"tier"`
	Limit     int        `json:"limit"`
	Used      int        `json:"used"`
	Remaining int        `json:"remaining"`
	ResetsAt  *time.Time `json:"resetsAt,omitempty"` // when the oldest counted use leaves the window
}

// Store persists API keys and usage records
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByWallet(ctx context.Context, wallet string) ([]*APIKey, error)
	// Update writes LastUsed and Revoked only. Revocation is sticky.
	Update(ctx context.Context, key *APIKey) error

	RecordUsage(ctx context.Context, wallet, operation string, at time.Time) error
	// UsageSince returns usage timestamps for wallet at or after since, oldest first.
	UsageSince(ctx context.Context, wallet string, since time.Time) ([]time.Time, error)
}

// Manager handles authentication
type Manager struct {
	store Store
	clock clockwork.Clock
}

// NewManager creates a new auth manager
func NewManager(store Store) *Manager {
	return NewManagerWithClock(store, clockwork.NewRealClock())
}

// NewManagerWithClock is NewManager with an injected clock.
func NewManagerWithClock(store Store, clock clockwork.Clock) *Manager {
	return &Manager{store: store, clock: clock}
}

// GenerateKey creates a new API key for a wallet
// Returns the raw key (shown once) and the stored metadata
func (m *Manager) GenerateKey(ctx context.Context, wallet, name string, tier Tier) (rawKey string, key *APIKey, err error) {
	if !validation.IsValidWallet(wallet) {
		return "", nil, ErrInvalidWallet
	}
	if tier == "" {
		tier = TierNormal
	}
	if !tier.Valid() {
		return "", nil, fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}

	existing, err := m.store.GetByWallet(ctx, wallet)
	if err != nil {
		return "", nil, err
	}
	active := 0
	for _, k := range existing {
		if !k.Revoked {
			active++
		}
	}
	if active >= MaxKeysPerWallet {
		return "", nil, ErrTooManyKeys
	}

	// Generate 32 random bytes
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}

	// Create raw key with prefix
	rawKey = "sk_" + hex.EncodeToString(b)

	key = &APIKey{
		ID:        "ak_" + hex.EncodeToString(b[:8]),
		Hash:      hashKey(rawKey),
		Wallet:    wallet,
		Name:      name,
		Tier:      tier,
		CreatedAt: m.clock.Now().UTC(),
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}

	return rawKey, key, nil
}

// ValidateKey validates an API key and returns the key metadata
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	// Clean the key
	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)

	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil || key.Revoked {
		return nil, ErrInvalidAPIKey
	}

	// Update last used on a copy (fire and forget)
	touched := *key
	touched.LastUsed = m.clock.Now().UTC()
	go func() { _ = m.store.Update(context.WithoutCancel(ctx), &touched) }()

	return key, nil
}

// ListKeys returns all keys for a wallet
func (m *Manager) ListKeys(ctx context.Context, wallet string) ([]*APIKey, error) {
	return m.store.GetByWallet(ctx, wallet)
}

// RevokeKey revokes an API key
func (m *Manager) RevokeKey(ctx context.Context, keyID, wallet string) error {
	keys, err := m.store.GetByWallet(ctx, wallet)
	if err != nil {
		return err
	}

	for _, k := range keys {
		if k.ID == keyID && !k.Revoked {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}

	return ErrKeyNotFound
}

// Usage reports the quota position of key's wallet under key's tier.
func (m *Manager) Usage(ctx context.Context, key *APIKey) (Usage, error) {
	now := m.clock.Now()
	uses, err := m.store.UsageSince(ctx, key.Wallet, now.Add(-QuotaWindow))
	if err != nil {
		return Usage{}, err
	}
	u := Usage{
		Tier:  key.Tier,
		Limit: key.Tier.Limit(),
		Used:  len(uses),
	}
	u.Remaining = max(0, u.Limit-u.Used)
	if len(uses) > 0 {
		resets := uses[0].Add(QuotaWindow).UTC()
		u.ResetsAt = &resets
	}
	return u, nil
}

// CheckQuota returns ErrQuotaExceeded when key's wallet has no
// computations left in the window.
func (m *Manager) CheckQuota(ctx context.Context, key *APIKey) (Usage, error) {
	u, err := m.Usage(ctx, key)
	if err != nil {
		return u, err
	}
	if u.Remaining == 0 {
		return u, ErrQuotaExceeded
	}
	return u, nil
}

// RecordUsage counts one operation against the wallet's quota.
func (m *Manager) RecordUsage(ctx context.Context, wallet, operation string) error {
	return m.store.RecordUsage(ctx, wallet, operation, m.clock.Now().UTC())
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
