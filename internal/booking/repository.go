// internal/booking/repository.go
package booking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const schema = `
CREATE TABLE IF NOT EXISTS bookings (
	id UUID PRIMARY KEY,
	item_id UUID NOT NULL,
	borrower_id UUID NOT NULL,
	owner_id UUID NOT NULL,
	status VARCHAR(16) NOT NULL,
	start_date TIMESTAMPTZ NOT NULL,
	end_date TIMESTAMPTZ NOT NULL,
	actual_start_date TIMESTAMPTZ,
	actual_end_date TIMESTAMPTZ,
	booking_notes TEXT NOT NULL DEFAULT '',
	owner_notes TEXT NOT NULL DEFAULT '',
	deposit_amount NUMERIC(10,2) NOT NULL DEFAULT 0,
	cancellation_reason TEXT NOT NULL DEFAULT '',
	duration_days INT NOT NULL,
	confirmed_at TIMESTAMPTZ,
	picked_up_at TIMESTAMPTZ,
	returned_at TIMESTAMPTZ,
	cancelled_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	version INT NOT NULL DEFAULT 1,
	CHECK (end_date > start_date)
);
CREATE INDEX IF NOT EXISTS idx_bookings_item_period ON bookings (item_id, start_date, end_date);
CREATE INDEX IF NOT EXISTS idx_bookings_borrower ON bookings (borrower_id);
CREATE INDEX IF NOT EXISTS idx_bookings_owner ON bookings (owner_id);
CREATE INDEX IF NOT EXISTS idx_bookings_status_end ON bookings (status, end_date);
`

const bookingColumns = `id, item_id, borrower_id, owner_id, status, start_date, end_date,
	actual_start_date, actual_end_date, booking_notes, owner_notes, deposit_amount,
	cancellation_reason, duration_days, confirmed_at, picked_up_at, returned_at,
	cancelled_at, created_at, updated_at, version`

// PostgresRepository implements Repository with sqlx.
type PostgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Migrate creates the bookings table if it does not exist.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate booking schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Create(ctx context.Context, b *Booking) error {
	query := `
		INSERT INTO bookings (` + bookingColumns + `)
		VALUES (:id, :item_id, :borrower_id, :owner_id, :status, :start_date, :end_date,
			:actual_start_date, :actual_end_date, :booking_notes, :owner_notes, :deposit_amount,
			:cancellation_reason, :duration_days, :confirmed_at, :picked_up_at, :returned_at,
			:cancelled_at, :created_at, :updated_at, :version)
	`
	if _, err := r.db.NamedExecContext(ctx, query, b); err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*Booking, error) {
	var b Booking
	err := r.db.GetContext(ctx, &b, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrBookingNotFound, id)
		}
		return nil, fmt.Errorf("get booking: %w", err)
	}
	return &b, nil
}

// Update applies b at its current version. A move to CONFIRMED holds a per-item
// advisory lock and rechecks overlap in the same transaction, so two
// overlapping bookings cannot both be confirmed.
func (r *PostgresRepository) Update(ctx context.Context, b *Booking) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin booking update: %w", err)
	}
	defer tx.Rollback()

	if b.Status == StatusConfirmed {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, b.ItemID.String()); err != nil {
			return fmt.Errorf("lock item %s: %w", b.ItemID, err)
		}
		overlap, err := hasOverlap(ctx, tx, b.ItemID, b.StartDate, b.EndDate, b.ID)
		if err != nil {
			return err
		}
		if overlap {
			return ErrBookingConflict
		}
	}

	query := `
		UPDATE bookings SET
			status = :status,
			actual_start_date = :actual_start_date,
			actual_end_date = :actual_end_date,
			owner_notes = :owner_notes,
			cancellation_reason = :cancellation_reason,
			confirmed_at = :confirmed_at,
			picked_up_at = :picked_up_at,
			returned_at = :returned_at,
			cancelled_at = :cancelled_at,
			updated_at = :updated_at,
			version = version + 1
		WHERE id = :id AND version = :version
	`
	res, err := tx.NamedExecContext(ctx, query, b)
	if err != nil {
		return fmt.Errorf("update booking: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update booking: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s at version %d", ErrConcurrencyConflict, b.ID, b.Version)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit booking update: %w", err)
	}
	b.Version++
	return nil
}

func (r *PostgresRepository) list(ctx context.Context, where string, args ...any) ([]*Booking, error) {
	var out []*Booking
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE ` + where + ` ORDER BY start_date DESC`
	if err := r.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) ListByBorrower(ctx context.Context, borrowerID uuid.UUID) ([]*Booking, error) {
	return r.list(ctx, `borrower_id = $1`, borrowerID)
}

func (r *PostgresRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Booking, error) {
	return r.list(ctx, `owner_id = $1`, ownerID)
}

func (r *PostgresRepository) ListByStatus(ctx context.Context, status Status) ([]*Booking, error) {
	return r.list(ctx, `status = $1`, status)
}

func (r *PostgresRepository) ListOverdue(ctx context.Context, now time.Time) ([]*Booking, error) {
	return r.list(ctx, `status = $1 AND end_date < $2`, StatusActive, now)
}

func (r *PostgresRepository) HasOverlap(ctx context.Context, itemID uuid.UUID, start, end time.Time, exclude uuid.UUID) (bool, error) {
	return hasOverlap(ctx, r.db, itemID, start, end, exclude)
}

func hasOverlap(ctx context.Context, q sqlx.QueryerContext, itemID uuid.UUID, start, end time.Time, exclude uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM bookings
			WHERE item_id = $1
			AND id <> $2
			AND status IN ($3, $4)
			AND start_date <= $5 AND end_date >= $6
		)
	`
	var exists bool
	if err := sqlx.GetContext(ctx, q, &exists, query, itemID, exclude, StatusConfirmed, StatusActive, end, start); err != nil {
		return false, fmt.Errorf("check booking overlap: %w", err)
	}
	return exists, nil
}
