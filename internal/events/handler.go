// internal/events/handler.go
package events

import "context"

// AllEvents is the type tag of handlers that receive every event.
const AllEvents = "*"

// Handler processes events of one type.
type Handler interface {
	Handle(ctx context.Context, event Event) error
	// EventType returns the type tag this handler accepts, or AllEvents.
	EventType() string
	// Priority orders handlers of the same event; lower runs first.
	Priority() int
	// Async reports whether the handler runs off the publishing goroutine.
	Async() bool
}

// HandlerOption configures a handler built by NewHandler.
type HandlerOption func(*funcHandler)

// WithPriority sets the handler priority.
func WithPriority(priority int) HandlerOption {
	return func(h *funcHandler) { h.priority = priority }
}

// WithAsync makes the handler run on its own goroutine.
func WithAsync() HandlerOption {
	return func(h *funcHandler) { h.async = true }
}

type funcHandler struct {
	eventType string
	priority  int
	async     bool
	fn        func(context.Context, Event) error
}

// NewHandler adapts a function into a Handler for eventType.
func NewHandler(eventType string, fn func(context.Context, Event) error, opts ...HandlerOption) Handler {
	h := &funcHandler{eventType: eventType, fn: fn}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *funcHandler) Handle(ctx context.Context, event Event) error { return h.fn(ctx, event) }
func (h *funcHandler) EventType() string                             { return h.eventType }
func (h *funcHandler) Priority() int                                 { return h.priority }
func (h *funcHandler) Async() bool                                   { return h.async }
