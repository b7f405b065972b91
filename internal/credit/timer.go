package credit

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Timer periodically sweeps the pending registry. Stale computations are
// only reported; nothing in flight is ever aborted.
type Timer struct {
	service    *Service
	interval   time.Duration
	staleAfter time.Duration
	retention  time.Duration
	clock      clockwork.Clock
	logger     *slog.Logger
	stop       chan struct{}
}

// NewTimer creates a new pending-computation sweeper.
func NewTimer(service *Service, staleAfter, retention time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		service:    service,
		interval:   1 * time.Minute,
		staleAfter: staleAfter,
		retention:  retention,
		clock:      service.clock,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	ticker := t.clock.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.Chan():
			t.sweep()
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) sweep() {
	now := t.clock.Now()
	for _, c := range t.service.pending.Stale(now.Add(-t.staleAfter)) {
		t.logger.Warn("computation still pending",
			"offset", c.Offset, "circuit", string(c.Circuit),
			"wallet", c.Wallet.String(), "age", now.Sub(c.CreatedAt).Round(time.Second))
	}
	if n := t.service.pending.Prune(now.Add(-t.retention)); n > 0 {
		t.logger.Debug("pruned resolved computations", "count", n)
	}
	t.service.updatePendingGauge()
}
