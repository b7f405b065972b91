// Package health runs named dependency checks for the /health endpoints.
//
// Critical checks (database, compute cluster) decide whether the service is
// healthy. Non-critical ones (the optional Solana RPC) only mark it degraded.
package health

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/cipherscore/internal/circuitbreaker"
)

// CheckTimeout bounds a single check.
const CheckTimeout = 2 * time.Second

// Checker returns nil when the dependency is usable. The error text becomes
// the status detail.
type Checker func(ctx context.Context) error

// Status is one check's result.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Critical  bool   `json:"critical"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Report aggregates a run. Healthy is false if any critical check failed;
// Degraded is true if any check failed.
type Report struct {
	Healthy  bool
	Degraded bool
	Checks   []Status
}

type entry struct {
	name     string
	check    Checker
	critical bool
}

// Registry holds checks in registration order.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a critical check.
func (r *Registry) Register(name string, check Checker) {
	r.add(entry{name: name, check: check, critical: true})
}

// RegisterOptional adds a check whose failure degrades but does not fail
// the service.
func (r *Registry) RegisterOptional(name string, check Checker) {
	r.add(entry{name: name, check: check})
}

func (r *Registry) add(e entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

// CheckAll runs every check concurrently, each under CheckTimeout.
func (r *Registry) CheckAll(ctx context.Context) Report {
	r.mu.RLock()
	entries := append([]entry(nil), r.entries...)
	r.mu.RUnlock()

	statuses := make([]Status, len(entries))
	var g errgroup.Group
	for i, e := range entries {
		g.Go(func() error {
			statuses[i] = run(ctx, e)
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Healthy: true, Checks: statuses}
	for _, st := range statuses {
		if st.Healthy {
			continue
		}
		rep.Degraded = true
		if st.Critical {
			rep.Healthy = false
		}
	}
	return rep
}

func run(ctx context.Context, e entry) Status {
	ctx, cancel := context.WithTimeout(ctx, CheckTimeout)
	defer cancel()

	start := time.Now()
	err := e.check(ctx)
	st := Status{
		Name:      e.name,
		Healthy:   err == nil,
		Critical:  e.critical,
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		st.Detail = err.Error()
	}
	return st
}

// DB pings db and fails when every pooled connection is busy.
func DB(db *sql.DB) Checker {
	return func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		st := db.Stats()
		if st.MaxOpenConnections > 0 && st.InUse >= st.MaxOpenConnections {
			return fmt.Errorf("connection pool exhausted (%d in use)", st.InUse)
		}
		return nil
	}
}

// Ready adapts a readiness flag. msg is the failure detail.
func Ready(ready func() bool, msg string) Checker {
	err := errors.New(msg)
	return func(context.Context) error {
		if ready() {
			return nil
		}
		return err
	}
}

// Breaker fails while b is open.
func Breaker(b *circuitbreaker.Breaker) Checker {
	return func(context.Context) error {
		if st := b.State(); st == circuitbreaker.StateOpen {
			return fmt.Errorf("%s circuit %s", b.Name(), st)
		}
		return nil
	}
}
