// internal/booking/domain.go
package booking

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"locallend/internal/events"
)

var (
	ErrBookingNotFound     = errors.New("booking not found")
	ErrInvalidTransition   = errors.New("invalid booking status transition")
	ErrUnauthorized        = errors.New("not allowed to change this booking")
	ErrItemNotAvailable    = errors.New("item is not available for booking")
	ErrInvalidPeriod       = errors.New("invalid booking period")
	ErrBookingConflict     = errors.New("item already booked for the selected dates")
	ErrNotEligible         = errors.New("borrower is not eligible to book this item")
	ErrConcurrencyConflict = errors.New("booking was modified concurrently")
	ErrInvalidRequest      = errors.New("invalid booking request")
)

const (
	MinRentalDays = 1
	MaxRentalDays = 90

	// MinTrustScore is the lowest borrower trust score allowed to book.
	MinTrustScore = 3.0

	defaultRejectReason = "Rejected by owner"
	defaultCancelReason = "Cancelled by borrower"

	// SystemUser is the actor recorded for transitions made by background jobs.
	SystemUser = "SYSTEM"
)

// Booking is a request by a borrower to use an owner's item for a period.
type Booking struct {
	ID                 uuid.UUID  `json:"id" db:"id"`
	ItemID             uuid.UUID  `json:"item_id" db:"item_id"`
	BorrowerID         uuid.UUID  `json:"borrower_id" db:"borrower_id"`
	OwnerID            uuid.UUID  `json:"owner_id" db:"owner_id"`
	Status             Status     `json:"status" db:"status"`
	StartDate          time.Time  `json:"start_date" db:"start_date"`
	EndDate            time.Time  `json:"end_date" db:"end_date"`
	ActualStartDate    *time.Time `json:"actual_start_date,omitempty" db:"actual_start_date"`
	ActualEndDate      *time.Time `json:"actual_end_date,omitempty" db:"actual_end_date"`
	Notes              string     `json:"booking_notes,omitempty" db:"booking_notes"`
	OwnerNotes         string     `json:"owner_notes,omitempty" db:"owner_notes"`
	DepositAmount      float64    `json:"deposit_amount" db:"deposit_amount"`
	CancellationReason string     `json:"cancellation_reason,omitempty" db:"cancellation_reason"`
	DurationDays       int        `json:"duration_days" db:"duration_days"`
	ConfirmedAt        *time.Time `json:"confirmed_date,omitempty" db:"confirmed_at"`
	PickedUpAt         *time.Time `json:"pickup_date,omitempty" db:"picked_up_at"`
	ReturnedAt         *time.Time `json:"return_date,omitempty" db:"returned_at"`
	CancelledAt        *time.Time `json:"cancelled_date,omitempty" db:"cancelled_at"`
	CreatedAt          time.Time  `json:"created_date" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_date" db:"updated_at"`
	Version            int        `json:"version" db:"version"`
}

// IsOverdue reports whether the item should already have been returned at now.
func (b *Booking) IsOverdue(now time.Time) bool {
	if b.Status == StatusActive {
		return now.After(b.EndDate)
	}
	return b.Status == StatusOverdue
}

// RequiresDeposit reports whether the borrower owes a deposit.
func (b *Booking) RequiresDeposit() bool {
	return b.DepositAmount > 0
}

// durationDays counts calendar days from start to end, both inclusive.
func durationDays(start, end time.Time) int {
	s := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	e := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	return int(e.Sub(s).Hours()/24) + 1
}

// validatePeriod checks the requested rental window against now.
func validatePeriod(start, end, now time.Time) error {
	if start.IsZero() || end.IsZero() {
		return fmt.Errorf("%w: start date and end date are required", ErrInvalidPeriod)
	}
	if !end.After(start) {
		return fmt.Errorf("%w: end date must be after start date", ErrInvalidPeriod)
	}
	if start.Before(now.Add(-time.Hour)) {
		return fmt.Errorf("%w: start date cannot be in the past", ErrInvalidPeriod)
	}
	days := durationDays(start, end)
	if days < MinRentalDays {
		return fmt.Errorf("%w: minimum %d day(s) required", ErrInvalidPeriod, MinRentalDays)
	}
	if days > MaxRentalDays {
		return fmt.Errorf("%w: maximum %d day(s) allowed, got %d", ErrInvalidPeriod, MaxRentalDays, days)
	}
	return nil
}

// CreateRequest carries the borrower's input for a new booking.
type CreateRequest struct {
	ItemID        uuid.UUID `json:"item_id"`
	StartDate     time.Time `json:"start_date"`
	EndDate       time.Time `json:"end_date"`
	Notes         string    `json:"booking_notes"`
	DepositAmount float64   `json:"deposit_amount"`
}

const (
	EventBookingCreated      = "BookingCreated"
	EventBookingConfirmed    = "BookingConfirmed"
	EventBookingRejected     = "BookingRejected"
	EventBookingActivated    = "BookingActivated"
	EventBookingCompleted    = "BookingCompleted"
	EventBookingCancelled    = "BookingCancelled"
	EventBookingOverdue      = "BookingOverdue"
	EventBookingStateChanged = "BookingStateChanged"
)

// BookingCreatedEvent is published when a borrower requests an item.
type BookingCreatedEvent struct {
	events.Base
	BookingID  uuid.UUID `json:"booking_id"`
	ItemID     uuid.UUID `json:"item_id"`
	BorrowerID uuid.UUID `json:"borrower_id"`
	OwnerID    uuid.UUID `json:"owner_id"`
	StartDate  time.Time `json:"start_date"`
	EndDate    time.Time `json:"end_date"`
}

// BookingConfirmedEvent is published when the owner approves a booking.
type BookingConfirmedEvent struct {
	events.Base
	BookingID  uuid.UUID `json:"booking_id"`
	ItemID     uuid.UUID `json:"item_id"`
	BorrowerID uuid.UUID `json:"borrower_id"`
	OwnerID    uuid.UUID `json:"owner_id"`
	OwnerNotes string    `json:"owner_notes,omitempty"`
}

// BookingRejectedEvent is published when the owner declines a booking.
type BookingRejectedEvent struct {
	events.Base
	BookingID uuid.UUID `json:"booking_id"`
	Reason    string    `json:"reason"`
}

// BookingActivatedEvent is published when the borrower picks the item up.
type BookingActivatedEvent struct {
	events.Base
	BookingID       uuid.UUID `json:"booking_id"`
	ItemID          uuid.UUID `json:"item_id"`
	ActualStartDate time.Time `json:"actual_start_date"`
}

// BookingCompletedEvent is published when the item is returned.
type BookingCompletedEvent struct {
	events.Base
	BookingID       uuid.UUID `json:"booking_id"`
	ItemID          uuid.UUID `json:"item_id"`
	BorrowerID      uuid.UUID `json:"borrower_id"`
	OwnerID         uuid.UUID `json:"owner_id"`
	ActualStartDate time.Time `json:"actual_start_date"`
	ActualEndDate   time.Time `json:"actual_end_date"`
	WasOverdue      bool      `json:"was_overdue"`
	ReturnCondition string    `json:"return_condition,omitempty"`
}

// BookingCancelledEvent is published when the borrower withdraws a booking.
type BookingCancelledEvent struct {
	events.Base
	BookingID uuid.UUID `json:"booking_id"`
	Reason    string    `json:"reason"`
}

// BookingOverdueEvent is published when the return date passes on an active booking.
type BookingOverdueEvent struct {
	events.Base
	BookingID  uuid.UUID `json:"booking_id"`
	BorrowerID uuid.UUID `json:"borrower_id"`
	EndDate    time.Time `json:"end_date"`
}

// BookingStateChangedEvent accompanies every status change and feeds the audit trail.
type BookingStateChangedEvent struct {
	events.Base
	BookingID      uuid.UUID `json:"booking_id"`
	PreviousStatus Status    `json:"previous_status"`
	NewStatus      Status    `json:"new_status"`
	Reason         string    `json:"reason,omitempty"`
}

// IsTerminal reports whether the change ended the booking lifecycle.
func (e BookingStateChangedEvent) IsTerminal() bool {
	return e.NewStatus.IsFinal()
}

// Description renders the change for logs and notifications.
func (e BookingStateChangedEvent) Description() string {
	return fmt.Sprintf("Booking %s transitioned from %s to %s", e.BookingID, e.PreviousStatus, e.NewStatus)
}
