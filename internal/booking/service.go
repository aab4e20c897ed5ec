// internal/booking/service.go
package booking

import (
	"context"
	"time"

	"github.com/google/uuid"

	"locallend/internal/catalog"
	"locallend/internal/membership"
)

// Service defines the interface for the booking service.
type Service interface {
	Create(ctx context.Context, borrowerID uuid.UUID, req CreateRequest) (*Booking, error)
	Confirm(ctx context.Context, id, ownerID uuid.UUID, notes string) (*Booking, error)
	Reject(ctx context.Context, id, ownerID uuid.UUID, reason string) (*Booking, error)
	Activate(ctx context.Context, id, borrowerID uuid.UUID) (*Booking, error)
	Complete(ctx context.Context, id, borrowerID uuid.UUID, returnCondition string) (*Booking, error)
	Cancel(ctx context.Context, id, borrowerID uuid.UUID, reason string) (*Booking, error)
	MarkOverdue(ctx context.Context, id uuid.UUID) (*Booking, error)
	ProcessOverdue(ctx context.Context, now time.Time) (int, error)

	Get(ctx context.Context, id uuid.UUID) (*Booking, error)
	ListForBorrower(ctx context.Context, borrowerID uuid.UUID) ([]*Booking, error)
	ListForOwner(ctx context.Context, ownerID uuid.UUID) ([]*Booking, error)
	ListByStatus(ctx context.Context, status Status) ([]*Booking, error)
}

// Repository persists bookings. Update must fail with ErrConcurrencyConflict
// when the stored version differs from b.Version, and bump b.Version on success.
type Repository interface {
	Create(ctx context.Context, b *Booking) error
	Get(ctx context.Context, id uuid.UUID) (*Booking, error)
	Update(ctx context.Context, b *Booking) error
	ListByBorrower(ctx context.Context, borrowerID uuid.UUID) ([]*Booking, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Booking, error)
	ListByStatus(ctx context.Context, status Status) ([]*Booking, error)
	// HasOverlap reports whether a CONFIRMED or ACTIVE booking other than
	// exclude covers any day of [start, end] for the item.
	HasOverlap(ctx context.Context, itemID uuid.UUID, start, end time.Time, exclude uuid.UUID) (bool, error)
	// ListOverdue returns ACTIVE bookings whose end date is before now.
	ListOverdue(ctx context.Context, now time.Time) ([]*Booking, error)
}

// Catalog is the part of the catalog service bookings depend on.
type Catalog interface {
	GetItem(ctx context.Context, id uuid.UUID) (*catalog.Item, error)
	UpdateItemStatus(ctx context.Context, id uuid.UUID, status catalog.ItemStatus) error
}

// Members is the part of the membership service bookings depend on.
type Members interface {
	GetMember(ctx context.Context, id uuid.UUID) (*membership.Member, error)
}
