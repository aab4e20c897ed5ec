// internal/events/publisher.go
package events

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
)

// Publisher is the domain event channel. Publishing is best effort: dispatch
// failures are logged and never returned, so a failed notification cannot undo
// a business operation that already committed.
type Publisher struct {
	dispatcher Dispatcher
	logger     *slog.Logger

	mu        sync.Mutex
	published []Event
}

// NewPublisher wraps dispatcher. A nil dispatcher only records events.
func NewPublisher(dispatcher Dispatcher, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{dispatcher: dispatcher, logger: logger}
}

// Publish dispatches one event and appends it to the publish log.
func (p *Publisher) Publish(ctx context.Context, event Event) {
	if isNil(event) {
		p.logger.WarnContext(ctx, "attempted to publish nil event")
		return
	}

	p.logger.InfoContext(ctx, "publishing domain event",
		slog.String("event_id", event.EventID()),
		slog.String("event_type", event.EventType()),
		slog.String("aggregate_id", event.AggregateID()))

	if err := p.dispatch(ctx, event); err != nil {
		p.logger.ErrorContext(ctx, "failed to publish event",
			slog.String("event_id", event.EventID()),
			slog.String("event_type", event.EventType()),
			slog.Any("error", err))
	}

	p.mu.Lock()
	p.published = append(p.published, event)
	p.mu.Unlock()

	p.logger.DebugContext(ctx, "published event", slog.String("event_id", event.EventID()))
}

// PublishAll publishes events in order. A failure of one event does not stop the rest.
func (p *Publisher) PublishAll(ctx context.Context, events []Event) {
	if len(events) == 0 {
		return
	}
	p.logger.InfoContext(ctx, "publishing domain events", slog.Int("count", len(events)))
	for _, event := range events {
		p.Publish(ctx, event)
	}
}

// isNil also catches a nil pointer stored in the interface, whose value
// receiver methods would panic.
func isNil(event Event) bool {
	if event == nil {
		return true
	}
	v := reflect.ValueOf(event)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

func (p *Publisher) dispatch(ctx context.Context, event Event) (err error) {
	if p.dispatcher == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch panicked: %v", r)
		}
	}()
	return p.dispatcher.Dispatch(ctx, event)
}

// PublishedEventCount returns the size of the publish log.
func (p *Publisher) PublishedEventCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

// ClearPublishedEvents empties the publish log.
func (p *Publisher) ClearPublishedEvents() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = nil
}

// PublishedEvents returns a copy of the publish log in insertion order.
func (p *Publisher) PublishedEvents() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.published))
	copy(out, p.published)
	return out
}
