package credit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/cipherscore/internal/mpc"
)

func TestPendingRegistry_RegisterAndResolve(t *testing.T) {
	r := NewPendingRegistry()
	w := newWallet()
	t0 := time.Unix(1_700_000_000, 0)

	if err := r.Register(&Computation{Offset: 7, Circuit: mpc.CircuitCalculateScore, Wallet: w, CreatedAt: t0}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(&Computation{Offset: 7, Circuit: mpc.CircuitShareScore, Wallet: w}); !errors.Is(err, ErrDuplicateComputation) {
		t.Fatalf("expected ErrDuplicateComputation, got %v", err)
	}
	if r.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", r.Pending())
	}

	score := uint16(640)
	got, err := r.Resolve(7, Resolution{Status: ComputationSucceeded, Score: &score}, t0.Add(time.Second))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Status != ComputationSucceeded || got.Score == nil || *got.Score != 640 {
		t.Errorf("unexpected resolved computation: %+v", got)
	}
	if got.ResolvedAt == nil || !got.ResolvedAt.Equal(t0.Add(time.Second)) {
		t.Errorf("ResolvedAt = %v", got.ResolvedAt)
	}
	if r.Pending() != 0 {
		t.Errorf("Pending() = %d after resolve", r.Pending())
	}

	if _, err := r.Resolve(7, Resolution{Status: ComputationFailed}, t0); !errors.Is(err, ErrUnexpectedCallback) {
		t.Errorf("second resolve: expected ErrUnexpectedCallback, got %v", err)
	}
	if _, err := r.Resolve(8, Resolution{Status: ComputationFailed}, t0); !errors.Is(err, ErrComputationNotFound) {
		t.Errorf("unknown offset: expected ErrComputationNotFound, got %v", err)
	}
}

func TestPendingRegistry_GetReturnsSnapshot(t *testing.T) {
	r := NewPendingRegistry()
	_ = r.Register(&Computation{Offset: 1, Wallet: newWallet()})

	snap, ok := r.Get(1)
	if !ok {
		t.Fatal("expected computation")
	}
	snap.Status = ComputationSucceeded

	again, _ := r.Get(1)
	if again.Status != ComputationPending {
		t.Error("mutating a snapshot changed the registry")
	}
}

func TestPendingRegistry_Discard(t *testing.T) {
	r := NewPendingRegistry()
	_ = r.Register(&Computation{Offset: 3, Wallet: newWallet()})
	r.Discard(3)

	if _, ok := r.Get(3); ok {
		t.Fatal("discarded computation still present")
	}
	// The offset can be reused once discarded.
	if err := r.Register(&Computation{Offset: 3, Wallet: newWallet()}); err != nil {
		t.Fatalf("re-register after discard: %v", err)
	}
}

func TestPendingRegistry_Await(t *testing.T) {
	r := NewPendingRegistry()
	_ = r.Register(&Computation{Offset: 11, Wallet: newWallet()})

	var wg sync.WaitGroup
	var got *Computation
	var awaitErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		got, awaitErr = r.Await(context.Background(), 11)
	}()

	time.Sleep(10 * time.Millisecond)
	if _, err := r.Resolve(11, Resolution{Status: ComputationFailed, Error: "boom"}, time.Now()); err != nil {
		t.Fatal(err)
	}
	wg.Wait()

	if awaitErr != nil {
		t.Fatalf("Await: %v", awaitErr)
	}
	if got.Status != ComputationFailed || got.Error != "boom" {
		t.Errorf("unexpected awaited computation: %+v", got)
	}
}

func TestPendingRegistry_AwaitContextCancelled(t *testing.T) {
	r := NewPendingRegistry()
	_ = r.Register(&Computation{Offset: 12, Wallet: newWallet()})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.Await(ctx, 12); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if _, err := r.Await(context.Background(), 99); !errors.Is(err, ErrComputationNotFound) {
		t.Fatalf("expected ErrComputationNotFound, got %v", err)
	}
}

func TestPendingRegistry_StaleAndPrune(t *testing.T) {
	r := NewPendingRegistry()
	t0 := time.Unix(1_700_000_000, 0)
	w := newWallet()

	_ = r.Register(&Computation{Offset: 1, Wallet: w, CreatedAt: t0})
	_ = r.Register(&Computation{Offset: 2, Wallet: w, CreatedAt: t0.Add(time.Hour)})
	_ = r.Register(&Computation{Offset: 3, Wallet: w, CreatedAt: t0})
	_, _ = r.Resolve(3, Resolution{Status: ComputationSucceeded}, t0.Add(time.Minute))

	stale := r.Stale(t0.Add(30 * time.Minute))
	if len(stale) != 1 || stale[0].Offset != 1 {
		t.Fatalf("expected only offset 1 stale, got %+v", stale)
	}

	if n := r.Prune(t0); n != 0 {
		t.Errorf("nothing resolved before t0, pruned %d", n)
	}
	if n := r.Prune(t0.Add(time.Hour)); n != 1 {
		t.Errorf("expected 1 pruned, got %d", n)
	}
	if _, ok := r.Get(3); ok {
		t.Error("pruned computation still present")
	}
	if _, ok := r.Get(1); !ok {
		t.Error("pending computations must never be pruned")
	}
}
