/*
events.go - Post-settlement events

When an obligation reaches a paid state the engine publishes an
ObligationSettled event instead of generating the next obligation inline.
The handler that generates it runs after the settlement has committed, and
its failures are logged and counted but never reach the settling caller.

  Settle ──persist──▶ Publish(ObligationSettled) ──▶ EventBus worker
                                                     └─▶ Generator.EnsureNext

EventBus is an in-process, buffered, single-worker bus. Publishing never
blocks: a full buffer drops the event with ErrEventBusFull, which is safe
because the next EnsureNext call regenerates lazily anyway.
*/
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEventBusFull   = errors.New("event bus full")
	ErrEventBusClosed = errors.New("event bus closed")
)

// ObligationSettled is published once an obligation is paid in full.
// It carries the config snapshot the settlement ran with.
type ObligationSettled struct {
	EventID      string
	ObligationID ObligationID
	UnitID       UnitID
	Period       Period
	State        State
	Actor        string
	Config       BillingConfig
	OccurredAt   time.Time
}

func newSettledEvent(ob *Obligation, actor string, cfg BillingConfig, at time.Time) ObligationSettled {
	return ObligationSettled{
		EventID:      uuid.NewString(),
		ObligationID: ob.ID,
		UnitID:       ob.UnitID,
		Period:       ob.Period,
		State:        ob.State,
		Actor:        actor,
		Config:       cfg,
		OccurredAt:   at,
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev ObligationSettled) error
}

type Handler func(ctx context.Context, ev ObligationSettled) error

// InlinePublisher runs a handler synchronously. Handler errors are logged
// and swallowed, matching the bus.
type InlinePublisher struct {
	Handler Handler
	Logger  *slog.Logger
}

func (p InlinePublisher) Publish(ctx context.Context, ev ObligationSettled) error {
	if p.Handler == nil {
		return nil
	}
	if err := p.Handler(ctx, ev); err != nil {
		logger := p.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("post-settlement handler failed",
			"event_id", ev.EventID, "obligation_id", ev.ObligationID, "error", err)
	}
	return nil
}

// =============================================================================
// EVENT BUS
// =============================================================================

type EventBus struct {
	Logger         *slog.Logger
	HandlerTimeout time.Duration

	events   chan ObligationSettled
	handlers []Handler

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

func NewEventBus(buffer int, logger *slog.Logger) *EventBus {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		Logger:         logger,
		HandlerTimeout: 30 * time.Second,
		events:         make(chan ObligationSettled, buffer),
	}
}

// Subscribe registers a handler. Call before Start.
func (b *EventBus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Start launches the worker goroutine.
func (b *EventBus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true
	b.wg.Add(1)
	go b.run()
}

func (b *EventBus) Publish(_ context.Context, ev ObligationSettled) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrEventBusClosed
	}
	select {
	case b.events <- ev:
		return nil
	default:
		return ErrEventBusFull
	}
}

// Close stops accepting events and waits for queued ones to be handled.
func (b *EventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.events)
	started := b.started
	b.mu.Unlock()

	if started {
		b.wg.Wait()
	}
}

func (b *EventBus) run() {
	defer b.wg.Done()
	for ev := range b.events {
		b.dispatch(ev)
	}
}

func (b *EventBus) dispatch(ev ObligationSettled) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers...)
	b.mu.RUnlock()

	for _, h := range handlers {
		ctx, cancel := context.WithTimeout(context.Background(), b.HandlerTimeout)
		err := h(ctx, ev)
		cancel()
		if err != nil {
			b.Logger.Warn("event handler failed",
				"event_id", ev.EventID, "obligation_id", ev.ObligationID, "unit_id", ev.UnitID, "error", err)
		}
	}
}

// NextObligationHandler generates the unit's next obligation after a full
// settlement.
func NextObligationHandler(gen *Generator, metrics Metrics) Handler {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return func(ctx context.Context, ev ObligationSettled) error {
		_, err := gen.EnsureNext(ctx, ev.UnitID, ev.Config, ev.Actor)
		metrics.NextObligationResult(err)
		return err
	}
}
