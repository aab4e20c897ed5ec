// pkg/eventstore/handler.go
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"locallend/internal/events"
)

const appendRetries = 3

// Journal is the part of EventStore the journaling handler needs.
type Journal interface {
	GetCurrentVersion(ctx context.Context, aggregateID string) (int, error)
	AppendEvents(ctx context.Context, aggregateID, aggregateType string, expectedVersion int, events []Event) error
}

// Handler records every published domain event in a Journal. It subscribes
// to all event types and runs asynchronously so publishers never wait on the database.
type Handler struct {
	journal Journal
	logger  *slog.Logger
	source  string
}

// NewHandler returns a journaling handler. source is stored in each entry's metadata.
func NewHandler(journal Journal, logger *slog.Logger, source string) *Handler {
	return &Handler{journal: journal, logger: logger, source: source}
}

func (h *Handler) EventType() string { return events.AllEvents }
func (h *Handler) Priority() int     { return 1000 }
func (h *Handler) Async() bool       { return true }

// Handle appends event at the aggregate's next version, retrying when a
// concurrent writer took that version. Re-recording the same event is a no-op.
func (h *Handler) Handle(ctx context.Context, event events.Event) error {
	entry, err := h.entry(event)
	if err != nil {
		return err
	}
	aggregateType := AggregateType(event.EventType())

	for attempt := 1; ; attempt++ {
		version, err := h.journal.GetCurrentVersion(ctx, event.AggregateID())
		if err != nil {
			return err
		}
		err = h.journal.AppendEvents(ctx, event.AggregateID(), aggregateType, version, []Event{entry})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrDuplicateEvent):
			h.logger.DebugContext(ctx, "event already journaled", slog.String("event_id", event.EventID()))
			return nil
		case errors.Is(err, ErrConcurrencyConflict) && attempt < appendRetries:
			continue
		default:
			return fmt.Errorf("journal %s: %w", event.EventType(), err)
		}
	}
}

func (h *Handler) entry(event events.Event) (Event, error) {
	id, err := uuid.Parse(event.EventID())
	if err != nil {
		return Event{}, fmt.Errorf("event id %q: %w", event.EventID(), err)
	}
	data, err := json.Marshal(event)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s: %w", event.EventType(), err)
	}
	return Event{
		EventID:    id,
		EventType:  event.EventType(),
		UserID:     event.UserID(),
		EventData:  data,
		Metadata:   map[string]any{"source": h.source},
		OccurredAt: event.OccurredAt(),
	}, nil
}

// AggregateType derives the aggregate name from the leading word of an event
// type, e.g. "BookingConfirmed" is a "booking" event.
func AggregateType(eventType string) string {
	for i, r := range eventType {
		if i > 0 && unicode.IsUpper(r) {
			return strings.ToLower(eventType[:i])
		}
	}
	return strings.ToLower(eventType)
}
