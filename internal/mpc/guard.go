package mpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mbd888/cipherscore/internal/circuitbreaker"
	"github.com/mbd888/cipherscore/internal/sealed"
)

// Guard trips a circuit breaker when the wrapped service keeps refusing
// work, so callers fail fast with ErrUnavailable instead of piling up.
// Rejected requests do not count against the service.
type Guard struct {
	next    Service
	breaker *circuitbreaker.Breaker
}

var _ Service = (*Guard)(nil)

// NewGuard wraps next. The breaker opens after threshold consecutive
// outages and tries again after cooldown.
func NewGuard(next Service, threshold int, cooldown time.Duration, clock clockwork.Clock) *Guard {
	return &Guard{
		next: next,
		breaker: circuitbreaker.New("compute", threshold, cooldown,
			circuitbreaker.WithClock(clock),
			circuitbreaker.WithFailureFilter(IsOutage)),
	}
}

// IsOutage reports whether err means the compute service could not take
// work, as opposed to rejecting this particular request.
func IsOutage(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrClusterNotSet)
}

func (g *Guard) Queue(ctx context.Context, req Request) error {
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		return g.next.Queue(ctx, req)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (g *Guard) PublicKey() sealed.PublicKey { return g.next.PublicKey() }

func (g *Guard) Ready() bool {
	return g.breaker.State() != circuitbreaker.StateOpen && g.next.Ready()
}

// State reports the breaker state, for health output.
func (g *Guard) State() circuitbreaker.State { return g.breaker.State() }
