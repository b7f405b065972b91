// Package events defines the observable protocol events and the emitters
// that fan them out to websocket subscribers, webhooks and the log.
//
// Delivery is informational. Emitters never return errors to the protocol
// and a slow or failing subscriber never blocks a state transition.
package events

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/mbd888/cipherscore/internal/idgen"
)

// Type is the event name on the wire.
type Type string

const (
	SubmissionStarted   Type = "score.submitted"
	ScoreComputed       Type = "score.computed"
	ScoreFailed         Type = "score.failed"
	DisclosureStarted   Type = "disclosure.started"
	DisclosureCompleted Type = "disclosure.completed"
	DisclosureFailed    Type = "disclosure.failed"
)

// All lists every event type.
var All = []Type{
	SubmissionStarted, ScoreComputed, ScoreFailed,
	DisclosureStarted, DisclosureCompleted, DisclosureFailed,
}

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	for _, known := range All {
		if t == known {
			return true
		}
	}
	return false
}

// Event is one protocol event. Wallet is the base58 wallet the event
// belongs to; events for one wallet are emitted in protocol order.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Wallet    string         `json:"wallet"`
	Offset    string         `json:"offset"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// New builds an event with a fresh ID.
func New(t Type, wallet string, offset uint64, at time.Time, data map[string]any) Event {
	return Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      t,
		Wallet:    wallet,
		Offset:    strconv.FormatUint(offset, 10),
		Timestamp: at.UTC(),
		Data:      data,
	}
}

// Emitter receives events.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, e Event)

func (f EmitterFunc) Emit(ctx context.Context, e Event) { f(ctx, e) }

// Fanout emits to every member in order. Nil members are skipped.
type Fanout []Emitter

func (f Fanout) Emit(ctx context.Context, e Event) {
	for _, em := range f {
		if em != nil {
			em.Emit(ctx, e)
		}
	}
}

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(context.Context, Event) {})

// LogEmitter writes each event as a structured log line.
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter creates a LogEmitter.
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

func (l *LogEmitter) Emit(ctx context.Context, e Event) {
	l.logger.LogAttrs(ctx, slog.LevelInfo, "event",
		slog.String("type", string(e.Type)),
		slog.String("wallet", e.Wallet),
		slog.String("offset", e.Offset),
		slog.String("id", e.ID),
	)
}
