package credit

import (
	"context"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/mbd888/cipherscore/internal/mpc"
	"github.com/mbd888/cipherscore/internal/sealed"
)

// ComputationStatus tracks a dispatched computation.
type ComputationStatus string

const (
	ComputationPending   ComputationStatus = "pending"
	ComputationSucceeded ComputationStatus = "succeeded"
	ComputationFailed    ComputationStatus = "failed"
)

// Computation is the bookkeeping for one queued request, keyed by its
// offset. Entries live in process memory only.
type Computation struct {
	Offset     uint64                  `json:"offset,string"`
	Circuit    mpc.Circuit             `json:"circuit"`
	Wallet     solana.PublicKey        `json:"wallet"`
	Receiver   *sealed.PublicKey       `json:"receiver,omitempty"`
	Status     ComputationStatus       `json:"status"`
	Score      *uint16                 `json:"score,omitempty"`
	Report     *sealed.EncryptedReport `json:"report,omitempty"`
	Error      string                  `json:"error,omitempty"`
	CreatedAt  time.Time               `json:"createdAt"`
	ResolvedAt *time.Time              `json:"resolvedAt,omitempty"`

	done chan struct{}
}

func (c *Computation) snapshot() *Computation {
	cp := *c
	cp.done = nil
	return &cp
}

// Resolution is the terminal state applied to a pending computation.
type Resolution struct {
	Status ComputationStatus
	Score  *uint16
	Report *sealed.EncryptedReport
	Error  string
}

// PendingRegistry indexes in-flight and recently resolved computations.
type PendingRegistry struct {
	mu      sync.Mutex
	entries map[uint64]*Computation
}

// NewPendingRegistry creates an empty registry.
func NewPendingRegistry() *PendingRegistry {
	return &PendingRegistry{entries: make(map[uint64]*Computation)}
}

// Register adds a pending computation. An offset can be used once.
func (r *PendingRegistry) Register(c *Computation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[c.Offset]; ok {
		return ErrDuplicateComputation
	}
	c.Status = ComputationPending
	c.done = make(chan struct{})
	r.entries[c.Offset] = c
	return nil
}

// Get returns a snapshot of the computation at offset.
func (r *PendingRegistry) Get(offset uint64) (*Computation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.entries[offset]
	if !ok {
		return nil, false
	}
	return c.snapshot(), true
}

// Resolve moves a pending computation to its terminal state and wakes
// waiters. It fails with ErrComputationNotFound for an unknown offset and
// ErrUnexpectedCallback when the computation already resolved.
func (r *PendingRegistry) Resolve(offset uint64, res Resolution, at time.Time) (*Computation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.entries[offset]
	if !ok {
		return nil, ErrComputationNotFound
	}
	if c.Status != ComputationPending {
		return nil, ErrUnexpectedCallback
	}
	c.Status = res.Status
	c.Score = res.Score
	c.Report = res.Report
	c.Error = res.Error
	c.ResolvedAt = &at
	close(c.done)
	return c.snapshot(), nil
}

// Discard forgets a computation that was never queued.
func (r *PendingRegistry) Discard(offset uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.entries[offset]; ok && c.Status == ComputationPending {
		delete(r.entries, offset)
		close(c.done)
	}
}

// Await blocks until the computation resolves or ctx is done.
func (r *PendingRegistry) Await(ctx context.Context, offset uint64) (*Computation, error) {
	r.mu.Lock()
	c, ok := r.entries[offset]
	r.mu.Unlock()
	if !ok {
		return nil, ErrComputationNotFound
	}

	select {
	case <-c.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	got, ok := r.Get(offset)
	if !ok {
		return nil, ErrComputationNotFound
	}
	return got, nil
}

// Pending counts computations still waiting for a callback.
func (r *PendingRegistry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, c := range r.entries {
		if c.Status == ComputationPending {
			n++
		}
	}
	return n
}

// Stale returns pending computations created before cutoff.
func (r *PendingRegistry) Stale(cutoff time.Time) []*Computation {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Computation
	for _, c := range r.entries {
		if c.Status == ComputationPending && c.CreatedAt.Before(cutoff) {
			out = append(out, c.snapshot())
		}
	}
	return out
}

// Prune drops resolved computations that resolved before cutoff.
func (r *PendingRegistry) Prune(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for off, c := range r.entries {
		if c.ResolvedAt != nil && c.ResolvedAt.Before(cutoff) {
			delete(r.entries, off)
			n++
		}
	}
	return n
}
