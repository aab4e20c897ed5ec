package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locallend/internal/events"
)

type memJournal struct {
	mu        sync.Mutex
	entries   map[string][]Event
	types     map[string]string
	conflicts int
	// conflictErr replaces the plain sentinel returned for queued conflicts.
	conflictErr error
	failWith    error
}

func newMemJournal() *memJournal {
	return &memJournal{entries: map[string][]Event{}, types: map[string]string{}}
}

func (j *memJournal) GetCurrentVersion(_ context.Context, aggregateID string) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries[aggregateID]), nil
}

func (j *memJournal) AppendEvents(_ context.Context, aggregateID, aggregateType string, expected int, evs []Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failWith != nil {
		return j.failWith
	}
	if j.conflicts > 0 {
		j.conflicts--
		if j.conflictErr != nil {
			return j.conflictErr
		}
		return ErrConcurrencyConflict
	}
	for _, stored := range j.entries {
		for _, e := range stored {
			for _, n := range evs {
				if e.EventID == n.EventID {
					return ErrDuplicateEvent
				}
			}
		}
	}
	if len(j.entries[aggregateID]) != expected {
		return ErrConcurrencyConflict
	}
	for i, e := range evs {
		e.AggregateID = aggregateID
		e.AggregateType = aggregateType
		e.Version = expected + i + 1
		j.entries[aggregateID] = append(j.entries[aggregateID], e)
	}
	j.types[aggregateID] = aggregateType
	return nil
}

type sampleEvent struct {
	events.Base
	Reason string `json:"reason"`
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestHandlerJournalsEvents(t *testing.T) {
	j := newMemJournal()
	h := NewHandler(j, discardLogger(), "booking-service")
	ctx := context.Background()

	assert.Equal(t, events.AllEvents, h.EventType())
	assert.True(t, h.Async())

	first := sampleEvent{Base: events.NewBase("BookingCreated", "b-1", "u-1")}
	second := sampleEvent{Base: events.NewBase("BookingRejected", "b-1", "u-2"), Reason: "busy"}
	require.NoError(t, h.Handle(ctx, first))
	require.NoError(t, h.Handle(ctx, second))

	stored := j.entries["b-1"]
	require.Len(t, stored, 2)
	assert.Equal(t, "booking", j.types["b-1"])
	assert.Equal(t, 1, stored[0].Version)
	assert.Equal(t, 2, stored[1].Version)
	assert.Equal(t, "BookingRejected", stored[1].EventType)
	assert.Equal(t, "u-2", stored[1].UserID)
	assert.Equal(t, "booking-service", stored[1].Metadata["source"])

	var decoded sampleEvent
	require.NoError(t, json.Unmarshal(stored[1].EventData, &decoded))
	assert.Equal(t, "busy", decoded.Reason)
	assert.Equal(t, second.EventID(), decoded.EventID())
}

func TestHandlerDuplicateIsNoop(t *testing.T) {
	j := newMemJournal()
	h := NewHandler(j, discardLogger(), "test")
	ev := sampleEvent{Base: events.NewBase("ItemListed", "i-1", "u-1")}

	require.NoError(t, h.Handle(context.Background(), ev))
	require.NoError(t, h.Handle(context.Background(), ev))
	assert.Len(t, j.entries["i-1"], 1)
}

func TestHandlerRetriesConflicts(t *testing.T) {
	j := newMemJournal()
	j.conflicts = appendRetries - 1
	h := NewHandler(j, discardLogger(), "test")

	require.NoError(t, h.Handle(context.Background(), sampleEvent{Base: events.NewBase("MemberRated", "m-1", "u-1")}))
	assert.Len(t, j.entries["m-1"], 1)

	j.conflicts = appendRetries
	err := h.Handle(context.Background(), sampleEvent{Base: events.NewBase("MemberRated", "m-1", "u-1")})
	require.ErrorIs(t, err, ErrConcurrencyConflict)
	assert.Len(t, j.entries["m-1"], 1)
}

func TestHandlerRetriesSerializationFailures(t *testing.T) {
	j := newMemJournal()
	j.conflicts = 1
	j.conflictErr = fmt.Errorf("commit transaction: %w",
		classify(&pq.Error{Code: serializationFailure, Message: "could not serialize access"}, uuid.Nil))
	h := NewHandler(j, discardLogger(), "test")

	require.NoError(t, h.Handle(context.Background(), sampleEvent{Base: events.NewBase("BookingConfirmed", "b-1", "u-1")}))
	assert.Len(t, j.entries["b-1"], 1)
}

func TestClassify(t *testing.T) {
	id := uuid.New()

	err := classify(&pq.Error{Code: serializationFailure}, uuid.Nil)
	assert.ErrorIs(t, err, ErrConcurrencyConflict)

	err = classify(&pq.Error{Code: uniqueViolation, Constraint: eventIDConstraint}, id)
	assert.ErrorIs(t, err, ErrDuplicateEvent)
	assert.Contains(t, err.Error(), id.String())

	err = classify(&pq.Error{Code: uniqueViolation, Constraint: "domain_events_aggregate_id_version_key"}, id)
	assert.ErrorIs(t, err, ErrConcurrencyConflict)

	plain := errors.New("connection reset")
	assert.Same(t, plain, classify(plain, id))

	other := &pq.Error{Code: "42P01"}
	assert.Equal(t, error(other), classify(other, id))
}

func TestHandlerPropagatesStoreErrors(t *testing.T) {
	j := newMemJournal()
	j.failWith = errors.New("connection refused")
	h := NewHandler(j, discardLogger(), "test")

	err := h.Handle(context.Background(), sampleEvent{Base: events.NewBase("BookingCreated", "b-1", "u-1")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BookingCreated")
}

func TestHandlerRejectsMalformedEventID(t *testing.T) {
	h := NewHandler(newMemJournal(), discardLogger(), "test")
	ev := sampleEvent{Base: events.Base{ID: "not-a-uuid", Type: "BookingCreated", Aggregate: "b-1"}}
	require.Error(t, h.Handle(context.Background(), ev))
}

func TestAggregateType(t *testing.T) {
	cases := map[string]string{
		"BookingStateChanged": "booking",
		"ItemListed":          "item",
		"CategoryCreated":     "category",
		"MemberRated":         "member",
		"Heartbeat":           "heartbeat",
		"":                    "",
	}
	for in, want := range cases {
		assert.Equal(t, want, AggregateType(in), in)
	}
}

func TestHandlerOnBus(t *testing.T) {
	j := newMemJournal()
	bus := events.NewBus(discardLogger())
	bus.Subscribe(NewHandler(j, discardLogger(), "test"))
	publisher := events.NewPublisher(bus, discardLogger())

	publisher.PublishAll(context.Background(), []events.Event{
		sampleEvent{Base: events.NewBase("BookingCreated", "b-9", "u-1")},
		sampleEvent{Base: events.NewBase("BookingStateChanged", "b-9", "u-1")},
	})
	bus.Wait()

	j.mu.Lock()
	defer j.mu.Unlock()
	assert.Len(t, j.entries["b-9"], 2)
}
