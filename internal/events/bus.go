// internal/events/bus.go
package events

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Dispatcher delivers an event to every handler registered for its type.
type Dispatcher interface {
	Dispatch(ctx context.Context, event Event) error
}

type subscription struct {
	seq     int
	handler Handler
}

// Bus is the in-process Dispatcher. Handlers are kept per type tag and run in
// priority order; asynchronous handlers are started on their own goroutine and
// are not awaited by Dispatch.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]subscription
	seq      int
	inflight sync.WaitGroup
	logger   *slog.Logger

	dispatched metric.Int64Counter
	failed     metric.Int64Counter
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter("locallend/events")
	dispatched, _ := meter.Int64Counter("events.dispatched",
		metric.WithDescription("Domain events dispatched to handlers"))
	failed, _ := meter.Int64Counter("events.handler_failures",
		metric.WithDescription("Handler invocations that returned an error or panicked"))

	return &Bus{
		handlers:   make(map[string][]subscription),
		logger:     logger,
		dispatched: dispatched,
		failed:     failed,
	}
}

// Subscribe registers a handler. Handlers with equal priority keep registration order.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.handlers[h.EventType()] = append(b.handlers[h.EventType()], subscription{seq: b.seq, handler: h})
}

// Handlers returns the handlers that would receive an event of the given type, in run order.
func (b *Bus) Handlers(eventType string) []Handler {
	subs := b.subscriptionsFor(eventType)
	out := make([]Handler, len(subs))
	for i, s := range subs {
		out[i] = s.handler
	}
	return out
}

func (b *Bus) subscriptionsFor(eventType string) []subscription {
	b.mu.RLock()
	subs := make([]subscription, 0, len(b.handlers[eventType])+len(b.handlers[AllEvents]))
	subs = append(subs, b.handlers[eventType]...)
	if eventType != AllEvents {
		subs = append(subs, b.handlers[AllEvents]...)
	}
	b.mu.RUnlock()

	slices.SortStableFunc(subs, func(a, c subscription) int {
		if n := cmp.Compare(a.handler.Priority(), c.handler.Priority()); n != 0 {
			return n
		}
		return cmp.Compare(a.seq, c.seq)
	})
	return subs
}

// Dispatch runs synchronous handlers in order and schedules asynchronous ones.
// A failing handler does not stop the remaining handlers; the failures of
// synchronous handlers are joined into the returned error.
func (b *Bus) Dispatch(ctx context.Context, event Event) error {
	if event == nil {
		return errors.New("dispatch nil event")
	}
	typeAttr := metric.WithAttributes(attribute.String("event.type", event.EventType()))
	b.dispatched.Add(ctx, 1, typeAttr)

	var errs []error
	for _, sub := range b.subscriptionsFor(event.EventType()) {
		h := sub.handler
		if h.Async() {
			b.inflight.Add(1)
			go func() {
				defer b.inflight.Done()
				if err := b.invoke(context.WithoutCancel(ctx), h, event); err != nil {
					b.failed.Add(ctx, 1, typeAttr)
					b.logger.Error("async event handler failed",
						slog.String("event_id", event.EventID()),
						slog.String("event_type", event.EventType()),
						slog.Any("error", err))
				}
			}()
			continue
		}
		if err := b.invoke(ctx, h, event); err != nil {
			b.failed.Add(ctx, 1, typeAttr)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) invoke(ctx context.Context, h Handler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler for %s panicked: %v", event.EventType(), r)
		}
	}()
	if err := h.Handle(ctx, event); err != nil {
		return fmt.Errorf("handle %s: %w", event.EventType(), err)
	}
	return nil
}

// Wait blocks until every asynchronous handler started so far has returned.
func (b *Bus) Wait() {
	b.inflight.Wait()
}
