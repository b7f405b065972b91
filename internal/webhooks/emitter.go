package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/cipherscore/internal/events"
)

var emitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cipherscore",
	Subsystem: "webhook",
	Name:      "emit_total",
	Help:      "Protocol events handed to the webhook emitter, by event type and result.",
}, []string{"event_type", "result"})

func init() {
	prometheus.MustRegister(emitTotal)
}

const (
	// DefaultEmitQueue is the backlog an Emitter holds before dropping.
	DefaultEmitQueue = 1024

	lookupTimeout = 2 * time.Second
	drainTimeout  = 5 * time.Second
)

// Emitter adapts a Dispatcher to events.Emitter. Emit only enqueues; a
// single Run loop looks up subscriptions in emit order, so events for one
// wallet leave in protocol order and a slow store never stalls the caller.
// When the queue is full the event is dropped and counted.
type Emitter struct {
	d       *Dispatcher
	logger  *slog.Logger
	queue   chan events.Event
	drained chan struct{}
}

var _ events.Emitter = (*Emitter)(nil)

// NewEmitter creates an emitter with a backlog of size events.
func NewEmitter(d *Dispatcher, logger *slog.Logger, size int) *Emitter {
	if size <= 0 {
		size = DefaultEmitQueue
	}
	return &Emitter{
		d:       d,
		logger:  logger,
		queue:   make(chan events.Event, size),
		drained: make(chan struct{}),
	}
}

// Emit queues event for its wallet's subscriptions.
func (e *Emitter) Emit(_ context.Context, event events.Event) {
	if e == nil || e.d == nil || event.Wallet == "" {
		return
	}
	select {
	case e.queue <- event:
	default:
		emitTotal.WithLabelValues(string(event.Type), "dropped").Inc()
		e.logger.Warn("webhook emit queue full, event dropped",
			"event", string(event.Type), "wallet", event.Wallet, "offset", event.Offset)
	}
}

// Run dispatches queued events until ctx is done, then flushes what is
// already queued within a bounded time.
func (e *Emitter) Run(ctx context.Context) {
	defer close(e.drained)
	for {
		select {
		case ev := <-e.queue:
			e.dispatch(ctx, ev)
		case <-ctx.Done():
			e.flush()
			return
		}
	}
}

// Drained is closed once Run has returned.
func (e *Emitter) Drained() <-chan struct{} { return e.drained }

func (e *Emitter) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case ev := <-e.queue:
			e.dispatch(ctx, ev)
		default:
			return
		}
	}
}

func (e *Emitter) dispatch(ctx context.Context, ev events.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
	defer cancel()
	if err := e.d.DispatchToWallet(ctx, ev); err != nil {
		emitTotal.WithLabelValues(string(ev.Type), "error").Inc()
		e.logger.Warn("webhook emit failed", "event", string(ev.Type), "wallet", ev.Wallet, "error", err)
		return
	}
	emitTotal.WithLabelValues(string(ev.Type), "queued").Inc()
}
