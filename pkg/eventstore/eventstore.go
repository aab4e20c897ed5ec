// pkg/eventstore/eventstore.go
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: version mismatch")
	ErrDuplicateEvent      = errors.New("event already recorded")
	ErrInvalidVersion      = errors.New("invalid version number")
)

const (
	eventIDConstraint = "domain_events_event_id_key"

	uniqueViolation      = "23505"
	serializationFailure = "40001"
)

// classify maps postgres errors raised inside an append to the journal's
// sentinel errors. Serializable transactions that lose a race fail with
// 40001 at any statement or at commit, which is the same conflict a
// version check reports.
func classify(err error, eventID uuid.UUID) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case serializationFailure:
		return fmt.Errorf("%w: %s", ErrConcurrencyConflict, pqErr.Message)
	case uniqueViolation:
		if pqErr.Constraint == eventIDConstraint {
			return fmt.Errorf("%w: %s", ErrDuplicateEvent, eventID)
		}
		return ErrConcurrencyConflict
	}
	return err
}

// Schema creates the journal table. Versions are per aggregate and start at 1.
const Schema = `
CREATE TABLE IF NOT EXISTS domain_events (
	id BIGSERIAL PRIMARY KEY,
	event_id UUID NOT NULL,
	aggregate_id TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	event_data JSONB NOT NULL,
	metadata JSONB,
	version INT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT domain_events_event_id_key UNIQUE (event_id),
	UNIQUE (aggregate_id, version)
);
CREATE INDEX IF NOT EXISTS idx_domain_events_type ON domain_events (event_type);
`

// Event is one journal entry with full metadata.
type Event struct {
	ID            int64           `json:"id" db:"id"`
	EventID       uuid.UUID       `json:"event_id" db:"event_id"`
	AggregateID   string          `json:"aggregate_id" db:"aggregate_id"`
	AggregateType string          `json:"aggregate_type" db:"aggregate_type"`
	EventType     string          `json:"event_type" db:"event_type"`
	UserID        string          `json:"user_id" db:"user_id"`
	EventData     json.RawMessage `json:"event_data" db:"event_data"`
	Metadata      map[string]any  `json:"metadata" db:"metadata"`
	Version       int             `json:"version" db:"version"`
	OccurredAt    time.Time       `json:"occurred_at" db:"occurred_at"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// EventStore is an append-only postgres journal with optimistic concurrency per aggregate.
type EventStore struct {
	db     *sql.DB
	tracer trace.Tracer
}

// NewEventStore creates a new event store on db.
func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{
		db:     db,
		tracer: otel.Tracer("locallend/eventstore"),
	}
}

// Migrate creates the journal table if it does not exist.
func (es *EventStore) Migrate(ctx context.Context) error {
	if _, err := es.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate event journal: %w", err)
	}
	return nil
}

// AppendEvents atomically appends events after expectedVersion.
func (es *EventStore) AppendEvents(ctx context.Context, aggregateID, aggregateType string, expectedVersion int, events []Event) error {
	ctx, span := es.tracer.Start(ctx, "eventstore.append",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID),
			attribute.String("aggregate.type", aggregateType),
			attribute.Int("expected.version", expectedVersion),
			attribute.Int("event.count", len(events)),
		),
	)
	defer span.End()

	if expectedVersion < 0 {
		return ErrInvalidVersion
	}

	tx, err := es.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var currentVersion int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0)
		FROM domain_events
		WHERE aggregate_id = $1
	`, aggregateID).Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("query current version: %w", classify(err, uuid.Nil))
	}

	if currentVersion != expectedVersion {
		span.SetAttributes(
			attribute.Int("actual.version", currentVersion),
			attribute.Bool("conflict.detected", true),
		)
		return ErrConcurrencyConflict
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO domain_events (event_id, aggregate_id, aggregate_type, event_type, user_id, event_data, metadata, version, occurred_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i, event := range events {
		version := expectedVersion + i + 1
		metadataJSON, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		occurred := event.OccurredAt
		if occurred.IsZero() {
			occurred = now
		}

		var id int64
		err = stmt.QueryRowContext(ctx,
			event.EventID,
			aggregateID,
			aggregateType,
			event.EventType,
			event.UserID,
			[]byte(event.EventData),
			metadataJSON,
			version,
			occurred,
			now,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("insert event %d: %w", i, classify(err, event.EventID))
		}

		span.AddEvent("event.appended", trace.WithAttributes(
			attribute.Int64("event.id", id),
			attribute.Int("event.version", version),
			attribute.String("event.type", event.EventType),
		))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", classify(err, uuid.Nil))
	}

	span.SetAttributes(attribute.Bool("append.success", true))
	return nil
}

const selectColumns = `id, event_id, aggregate_id, aggregate_type, event_type, user_id, event_data, metadata, version, occurred_at, created_at`

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var event Event
		var data, metadataJSON []byte

		err := rows.Scan(
			&event.ID,
			&event.EventID,
			&event.AggregateID,
			&event.AggregateType,
			&event.EventType,
			&event.UserID,
			&data,
			&metadataJSON,
			&event.Version,
			&event.OccurredAt,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.EventData = json.RawMessage(data)
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of event %d: %w", event.ID, err)
			}
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// LoadEvents returns the events of one aggregate within a version range. A
// toVersion of 0 means no upper bound.
func (es *EventStore) LoadEvents(ctx context.Context, aggregateID string, fromVersion, toVersion int) ([]Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.load",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID),
			attribute.Int("from.version", fromVersion),
			attribute.Int("to.version", toVersion),
		),
	)
	defer span.End()

	query := `SELECT ` + selectColumns + ` FROM domain_events WHERE aggregate_id = $1 AND version >= $2`
	args := []any{aggregateID, fromVersion}
	if toVersion > 0 {
		query += " AND version <= $3"
		args = append(args, toVersion)
	}
	query += " ORDER BY version ASC"

	rows, err := es.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

// GetCurrentVersion returns the latest version for an aggregate, 0 if it has none.
func (es *EventStore) GetCurrentVersion(ctx context.Context, aggregateID string) (int, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.get_version",
		trace.WithAttributes(attribute.String("aggregate.id", aggregateID)),
	)
	defer span.End()

	var version int
	err := es.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0)
		FROM domain_events
		WHERE aggregate_id = $1
	`, aggregateID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("query version: %w", err)
	}

	span.SetAttributes(attribute.Int("current.version", version))
	return version, nil
}

// StreamEvents returns up to batchSize events recorded after fromID, in journal order.
func (es *EventStore) StreamEvents(ctx context.Context, fromID int64, batchSize int) ([]Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.stream",
		trace.WithAttributes(
			attribute.Int64("from.id", fromID),
			attribute.Int("batch.size", batchSize),
		),
	)
	defer span.End()

	rows, err := es.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM domain_events WHERE id > $1 ORDER BY id ASC LIMIT $2`,
		fromID, batchSize)
	if err != nil {
		return nil, fmt.Errorf("query event stream: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("events.streamed", len(events)))
	return events, nil
}
