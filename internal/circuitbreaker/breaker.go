// Package circuitbreaker guards the calls that leave the process (compute
// dispatch and Solana RPC). A Breaker protects one named dependency and moves
// closed → open → half-open as calls fail and the cooldown passes.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do without calling fn while the circuit is open or
// a half-open trial call is already in flight.
var ErrOpen = errors.New("circuit open")

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	stateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cipherscore",
		Subsystem: "dependency",
		Name:      "circuit_state",
		Help:      "Circuit state per outbound dependency (0 closed, 1 open, 2 half-open).",
	}, []string{"dependency"})

	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cipherscore",
		Subsystem: "dependency",
		Name:      "circuit_transitions_total",
		Help:      "Circuit state changes per outbound dependency.",
	}, []string{"dependency", "to_state"})
)

func init() {
	prometheus.MustRegister(stateGauge, transitions)
}

// Breaker protects a single dependency.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	clock     clockwork.Clock
	isFailure func(error) bool

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces the wall clock, for tests.
func WithClock(c clockwork.Clock) Option {
	return func(b *Breaker) { b.clock = c }
}

// WithFailureFilter decides which errors from fn count against the
// dependency. Errors it rejects are returned to the caller but treated as a
// healthy response.
func WithFailureFilter(fn func(error) bool) Option {
	return func(b *Breaker) { b.isFailure = fn }
}

// New returns a closed breaker that opens after threshold consecutive
// failures and tries again after cooldown.
func New(name string, threshold int, cooldown time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	b := &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clockwork.NewRealClock(),
		isFailure: defaultFailure,
	}
	for _, opt := range opts {
		opt(b)
	}
	stateGauge.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// Caller cancellation says nothing about the dependency.
func defaultFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Name returns the dependency label.
func (b *Breaker) Name() string { return b.name }

// Do runs fn unless the circuit is open.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if !b.admit() {
		return fmt.Errorf("%s: %w", b.name, ErrOpen)
	}
	err := fn(ctx)
	b.record(err != nil && b.isFailure(err))
	return err
}

// State returns the current position. An open circuit whose cooldown has
// passed reports half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.clock.Since(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		if b.clock.Since(b.openedAt) < b.cooldown {
			return false
		}
		b.setState(StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

func (b *Breaker) record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !failed {
		b.failures = 0
		b.setState(StateClosed)
		return
	}
	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.threshold {
		b.openedAt = b.clock.Now()
		b.setState(StateOpen)
	}
}

// setState requires b.mu.
func (b *Breaker) setState(to State) {
	if b.state == to {
		return
	}
	b.state = to
	stateGauge.WithLabelValues(b.name).Set(float64(to))
	transitions.WithLabelValues(b.name, to.String()).Inc()
}
