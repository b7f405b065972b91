package credit

import (
	"context"
	"sort"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/mbd888/cipherscore/internal/scoring"
	"github.com/mbd888/cipherscore/internal/sealed"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory credit store for demo/development mode.
type MemoryStore struct {
	records map[solana.PublicKey]*CreditRecord
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory credit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[solana.PublicKey]*CreditRecord),
	}
}

func (m *MemoryStore) Get(ctx context.Context, wallet solana.PublicKey) (*CreditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[wallet]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, wallet solana.PublicKey) (*CreditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *m.getOrCreateLocked(wallet)
	return &cp, nil
}

func (m *MemoryStore) ApplySubmission(ctx context.Context, wallet solana.PublicKey, metrics sealed.EncryptedWalletMetrics, now, cooldown int64) (*CreditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[wallet]; ok {
		if err := CheckCooldown(existing, now, cooldown); err != nil {
			return nil, err
		}
	}

	rec := m.getOrCreateLocked(wallet)
	rec.EncryptedMetrics = metrics
	rec.LastUpdated = now
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) ApplyScore(ctx context.Context, wallet solana.PublicKey, score uint16, now int64) (*CreditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.getOrCreateLocked(wallet)
	rec.CurrentScore = score
	rec.RiskLevel = scoring.RiskFor(score)
	rec.ScoreTimestamp = now
	cp := *rec
	return &cp, nil
}

// List returns records ordered by most recent submission first.
func (m *MemoryStore) List(ctx context.Context, limit int) ([]*CreditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*CreditRecord, 0, len(m.records))
	for _, rec := range m.records {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastUpdated != out[j].LastUpdated {
			return out[i].LastUpdated > out[j].LastUpdated
		}
		return out[i].Wallet.String() < out[j].Wallet.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) getOrCreateLocked(wallet solana.PublicKey) *CreditRecord {
	rec, ok := m.records[wallet]
	if !ok {
		rec = NewRecord(wallet)
		m.records[wallet] = rec
	}
	return rec
}
