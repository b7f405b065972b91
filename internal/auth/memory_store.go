package auth

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*APIKey
	byHash map[string]string // hash -> id
	usage  map[string][]time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*APIKey),
		byHash: make(map[string]string),
		usage:  make(map[string][]time.Time),
	}
}

func (s *MemoryStore) Create(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.byID[key.ID] = &cp
	s.byHash[key.Hash] = key.ID
	return nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.byID[s.byHash[hash]]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := *k
	return &cp, nil
}

// GetByWallet returns newest first, ties broken by ID.
func (s *MemoryStore) GetByWallet(_ context.Context, wallet string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*APIKey
	for _, k := range s.byID {
		if k.Wallet == wallet {
			cp := *k
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *APIKey) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.byID[key.ID]
	if !ok {
		return ErrKeyNotFound
	}
	k.Revoked = k.Revoked || key.Revoked
	if key.LastUsed.After(k.LastUsed) {
		k.LastUsed = key.LastUsed
	}
	return nil
}

func (s *MemoryStore) RecordUsage(_ context.Context, wallet, _ string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	uses := append(s.usage[wallet], at)
	slices.SortFunc(uses, time.Time.Compare)
	s.usage[wallet] = uses
	return nil
}

func (s *MemoryStore) UsageSince(_ context.Context, wallet string, since time.Time) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	uses := s.usage[wallet]
	i, _ := slices.BinarySearchFunc(uses, since, time.Time.Compare)
	return slices.Clone(uses[i:]), nil
}
