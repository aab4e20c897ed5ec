// internal/events/event.go
package events

import (
	"time"

	"github.com/google/uuid"
)

// Event is a domain event: a record that something happened to an aggregate.
type Event interface {
	EventID() string
	EventType() string
	OccurredAt() time.Time
	AggregateID() string
	UserID() string
}

// Base carries the metadata shared by every domain event. Concrete events embed it.
type Base struct {
	ID        string    `json:"event_id"`
	Type      string    `json:"event_type"`
	Occurred  time.Time `json:"occurred_at"`
	Aggregate string    `json:"aggregate_id"`
	User      string    `json:"user_id"`
}

// NewBase stamps a fresh event id and the current time.
func NewBase(eventType, aggregateID, userID string) Base {
	return Base{
		ID:        uuid.NewString(),
		Type:      eventType,
		Occurred:  time.Now().UTC(),
		Aggregate: aggregateID,
		User:      userID,
	}
}

func (b Base) EventID() string       { return b.ID }
func (b Base) EventType() string     { return b.Type }
func (b Base) OccurredAt() time.Time { return b.Occurred }
func (b Base) AggregateID() string   { return b.Aggregate }
func (b Base) UserID() string        { return b.User }
