// internal/booking/implementation.go
package booking

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"locallend/internal/catalog"
	"locallend/internal/events"
)

// service implements the Service interface.
type service struct {
	repo      Repository
	catalog   Catalog
	members   Members
	publisher *events.Publisher
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewService creates a new booking service instance.
func NewService(repo Repository, catalog Catalog, members Members, publisher *events.Publisher, logger *slog.Logger) Service {
	return &service{
		repo:      repo,
		catalog:   catalog,
		members:   members,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("locallend/booking"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create validates the request against the item, the borrower and existing
// bookings, then stores a PENDING booking.
func (s *service) Create(ctx context.Context, borrowerID uuid.UUID, req CreateRequest) (*Booking, error) {
	ctx, span := s.tracer.Start(ctx, "booking.create", trace.WithAttributes(
		attribute.String("item.id", req.ItemID.String()),
		attribute.String("borrower.id", borrowerID.String()),
	))
	defer span.End()

	b, err := s.create(ctx, borrowerID, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("booking.id", b.ID.String()))
	return b, nil
}

func (s *service) create(ctx context.Context, borrowerID uuid.UUID, req CreateRequest) (*Booking, error) {
	now := s.now()
	if req.ItemID == uuid.Nil {
		return nil, fmt.Errorf("%w: item id is required", ErrInvalidRequest)
	}
	if req.DepositAmount < 0 {
		return nil, fmt.Errorf("%w: deposit cannot be negative", ErrInvalidRequest)
	}
	if err := validatePeriod(req.StartDate, req.EndDate, now); err != nil {
		return nil, err
	}

	// Step 1: Check the item
	item, err := s.catalog.GetItem(ctx, req.ItemID)
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	if !item.CanBeBorrowed() {
		return nil, fmt.Errorf("%w: item %s is %s", ErrItemNotAvailable, item.ID, item.Status)
	}
	if item.OwnerID == borrowerID {
		return nil, fmt.Errorf("%w: cannot book your own item", ErrNotEligible)
	}

	// Step 2: Validate the borrower
	member, err := s.members.GetMember(ctx, borrowerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get borrower: %w", err)
	}
	if !member.IsActive() {
		return nil, fmt.Errorf("%w: account is not active", ErrNotEligible)
	}
	if member.TrustScore < MinTrustScore {
		return nil, fmt.Errorf("%w: trust score %.2f is below %.2f", ErrNotEligible, member.TrustScore, MinTrustScore)
	}

	// Step 3: Check for confirmed or active bookings on the same dates
	overlap, err := s.repo.HasOverlap(ctx, item.ID, req.StartDate, req.EndDate, uuid.Nil)
	if err != nil {
		return nil, fmt.Errorf("failed to check availability: %w", err)
	}
	if overlap {
		return nil, ErrBookingConflict
	}

	deposit := req.DepositAmount
	if deposit == 0 {
		deposit = item.Deposit
	}
	b := &Booking{
		ID:            uuid.New(),
		ItemID:        item.ID,
		BorrowerID:    borrowerID,
		OwnerID:       item.OwnerID,
		Status:        StatusPending,
		StartDate:     req.StartDate.UTC(),
		EndDate:       req.EndDate.UTC(),
		Notes:         strings.TrimSpace(req.Notes),
		DepositAmount: deposit,
		DurationDays:  durationDays(req.StartDate, req.EndDate),
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       1,
	}
	if err := s.repo.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to store booking: %w", err)
	}

	s.publisher.Publish(ctx, BookingCreatedEvent{
		Base:       events.NewBase(EventBookingCreated, b.ID.String(), borrowerID.String()),
		BookingID:  b.ID,
		ItemID:     b.ItemID,
		BorrowerID: b.BorrowerID,
		OwnerID:    b.OwnerID,
		StartDate:  b.StartDate,
		EndDate:    b.EndDate,
	})
	return b, nil
}

// transition describes one status change of a booking.
type transition struct {
	name   string
	target Status
	actor  string
	reason string
	// at overrides the service clock for the change when set.
	at time.Time
	// authorize rejects actors who may not perform the change.
	authorize func(b *Booking) error
	// apply mutates the booking for the new status; it runs before persisting.
	apply func(b *Booking, now time.Time) error
	// event builds the status specific event published with BookingStateChanged.
	event func(b *Booking) events.Event
}

func (s *service) transition(ctx context.Context, id uuid.UUID, t transition) (*Booking, error) {
	ctx, span := s.tracer.Start(ctx, "booking."+t.name, trace.WithAttributes(
		attribute.String("booking.id", id.String()),
		attribute.String("booking.target_status", t.target.String()),
	))
	defer span.End()

	b, err := s.applyTransition(ctx, id, t)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return b, nil
}

func (s *service) applyTransition(ctx context.Context, id uuid.UUID, t transition) (*Booking, error) {
	b, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.authorize != nil {
		if err := t.authorize(b); err != nil {
			return nil, err
		}
	}
	if !b.Status.CanTransitionTo(t.target) {
		return nil, fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidTransition, b.Status, t.target)
	}

	now := t.at
	if now.IsZero() {
		now = s.now()
	}
	previous := b.Status
	b.Status = t.target
	b.UpdatedAt = now
	if t.apply != nil {
		if err := t.apply(b, now); err != nil {
			return nil, err
		}
	}
	if err := s.repo.Update(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to update booking: %w", err)
	}

	s.logger.InfoContext(ctx, "booking status changed",
		slog.String("booking_id", b.ID.String()),
		slog.String("from", previous.String()),
		slog.String("to", b.Status.String()),
		slog.String("actor", t.actor))

	s.publisher.PublishAll(ctx, []events.Event{
		t.event(b),
		BookingStateChangedEvent{
			Base:           events.NewBase(EventBookingStateChanged, b.ID.String(), t.actor),
			BookingID:      b.ID,
			PreviousStatus: previous,
			NewStatus:      b.Status,
			Reason:         t.reason,
		},
	})
	return b, nil
}

func ownerOnly(ownerID uuid.UUID) func(*Booking) error {
	return func(b *Booking) error {
		if b.OwnerID != ownerID {
			return fmt.Errorf("%w: only the item owner can do this", ErrUnauthorized)
		}
		return nil
	}
}

func borrowerOnly(borrowerID uuid.UUID) func(*Booking) error {
	return func(b *Booking) error {
		if b.BorrowerID != borrowerID {
			return fmt.Errorf("%w: only the borrower can do this", ErrUnauthorized)
		}
		return nil
	}
}

// Confirm approves a pending booking. Fails if another booking for the item
// was confirmed for overlapping dates in the meantime.
func (s *service) Confirm(ctx context.Context, id, ownerID uuid.UUID, notes string) (*Booking, error) {
	return s.transition(ctx, id, transition{
		name:      "confirm",
		target:    StatusConfirmed,
		actor:     ownerID.String(),
		authorize: ownerOnly(ownerID),
		apply: func(b *Booking, now time.Time) error {
			overlap, err := s.repo.HasOverlap(ctx, b.ItemID, b.StartDate, b.EndDate, b.ID)
			if err != nil {
				return fmt.Errorf("failed to check availability: %w", err)
			}
			if overlap {
				return ErrBookingConflict
			}
			b.OwnerNotes = strings.TrimSpace(notes)
			b.ConfirmedAt = &now
			return nil
		},
		event: func(b *Booking) events.Event {
			return BookingConfirmedEvent{
				Base:       events.NewBase(EventBookingConfirmed, b.ID.String(), ownerID.String()),
				BookingID:  b.ID,
				ItemID:     b.ItemID,
				BorrowerID: b.BorrowerID,
				OwnerID:    b.OwnerID,
				OwnerNotes: b.OwnerNotes,
			}
		},
	})
}

// Reject declines a pending booking.
func (s *service) Reject(ctx context.Context, id, ownerID uuid.UUID, reason string) (*Booking, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = defaultRejectReason
	}
	return s.transition(ctx, id, transition{
		name:      "reject",
		target:    StatusRejected,
		actor:     ownerID.String(),
		reason:    reason,
		authorize: ownerOnly(ownerID),
		apply: func(b *Booking, _ time.Time) error {
			b.OwnerNotes = reason
			return nil
		},
		event: func(b *Booking) events.Event {
			return BookingRejectedEvent{
				Base:      events.NewBase(EventBookingRejected, b.ID.String(), ownerID.String()),
				BookingID: b.ID,
				Reason:    reason,
			}
		},
	})
}

// Activate records that the borrower picked the item up.
func (s *service) Activate(ctx context.Context, id, borrowerID uuid.UUID) (*Booking, error) {
	b, err := s.transition(ctx, id, transition{
		name:      "activate",
		target:    StatusActive,
		actor:     borrowerID.String(),
		authorize: borrowerOnly(borrowerID),
		apply: func(b *Booking, now time.Time) error {
			b.ActualStartDate = &now
			b.PickedUpAt = &now
			return nil
		},
		event: func(b *Booking) events.Event {
			return BookingActivatedEvent{
				Base:            events.NewBase(EventBookingActivated, b.ID.String(), borrowerID.String()),
				BookingID:       b.ID,
				ItemID:          b.ItemID,
				ActualStartDate: *b.ActualStartDate,
			}
		},
	})
	if err != nil {
		return nil, err
	}
	s.syncItemStatus(ctx, b, catalog.ItemBorrowed)
	return b, nil
}

// Complete records the return of the item.
func (s *service) Complete(ctx context.Context, id, borrowerID uuid.UUID, returnCondition string) (*Booking, error) {
	var wasOverdue bool
	b, err := s.transition(ctx, id, transition{
		name:      "complete",
		target:    StatusCompleted,
		actor:     borrowerID.String(),
		authorize: borrowerOnly(borrowerID),
		apply: func(b *Booking, now time.Time) error {
			wasOverdue = now.After(b.EndDate)
			b.ActualEndDate = &now
			b.ReturnedAt = &now
			return nil
		},
		event: func(b *Booking) events.Event {
			e := BookingCompletedEvent{
				Base:            events.NewBase(EventBookingCompleted, b.ID.String(), borrowerID.String()),
				BookingID:       b.ID,
				ItemID:          b.ItemID,
				BorrowerID:      b.BorrowerID,
				OwnerID:         b.OwnerID,
				ActualEndDate:   *b.ActualEndDate,
				WasOverdue:      wasOverdue,
				ReturnCondition: strings.TrimSpace(returnCondition),
			}
			if b.ActualStartDate != nil {
				e.ActualStartDate = *b.ActualStartDate
			}
			return e
		},
	})
	if err != nil {
		return nil, err
	}
	s.syncItemStatus(ctx, b, catalog.ItemAvailable)
	return b, nil
}

// Cancel withdraws a pending or confirmed booking.
func (s *service) Cancel(ctx context.Context, id, borrowerID uuid.UUID, reason string) (*Booking, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = defaultCancelReason
	}
	return s.transition(ctx, id, transition{
		name:      "cancel",
		target:    StatusCancelled,
		actor:     borrowerID.String(),
		reason:    reason,
		authorize: borrowerOnly(borrowerID),
		apply: func(b *Booking, now time.Time) error {
			b.CancellationReason = reason
			b.CancelledAt = &now
			return nil
		},
		event: func(b *Booking) events.Event {
			return BookingCancelledEvent{
				Base:      events.NewBase(EventBookingCancelled, b.ID.String(), borrowerID.String()),
				BookingID: b.ID,
				Reason:    reason,
			}
		},
	})
}

// MarkOverdue flags an active booking whose end date has passed.
func (s *service) MarkOverdue(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return s.markOverdue(ctx, id, s.now())
}

// markOverdue judges the due date against now rather than the service clock,
// so a sweep decides with the same instant it listed candidates with.
func (s *service) markOverdue(ctx context.Context, id uuid.UUID, now time.Time) (*Booking, error) {
	return s.transition(ctx, id, transition{
		name:   "mark_overdue",
		target: StatusOverdue,
		actor:  SystemUser,
		reason: "Return date passed",
		at:     now,
		apply: func(b *Booking, now time.Time) error {
			if !now.After(b.EndDate) {
				return fmt.Errorf("%w: booking %s is due %s", ErrInvalidTransition, b.ID, b.EndDate.Format(time.RFC3339))
			}
			return nil
		},
		event: func(b *Booking) events.Event {
			return BookingOverdueEvent{
				Base:       events.NewBase(EventBookingOverdue, b.ID.String(), SystemUser),
				BookingID:  b.ID,
				BorrowerID: b.BorrowerID,
				EndDate:    b.EndDate,
			}
		},
	})
}

// ProcessOverdue marks every active booking past its end date as overdue and
// returns how many were marked. Failures on single bookings are logged and skipped.
func (s *service) ProcessOverdue(ctx context.Context, now time.Time) (int, error) {
	ctx, span := s.tracer.Start(ctx, "booking.process_overdue")
	defer span.End()

	due, err := s.repo.ListOverdue(ctx, now)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to list overdue bookings: %w", err)
	}

	marked := 0
	for _, b := range due {
		if _, err := s.markOverdue(ctx, b.ID, now); err != nil {
			s.logger.WarnContext(ctx, "failed to mark booking overdue",
				slog.String("booking_id", b.ID.String()),
				slog.Any("error", err))
			continue
		}
		marked++
	}
	span.SetAttributes(attribute.Int("bookings.marked", marked))
	return marked, nil
}

// syncItemStatus mirrors the booking state onto the catalog item. Failures are
// logged; the booking change has already been committed.
func (s *service) syncItemStatus(ctx context.Context, b *Booking, status catalog.ItemStatus) {
	if err := s.catalog.UpdateItemStatus(ctx, b.ItemID, status); err != nil {
		s.logger.ErrorContext(ctx, "failed to update item status",
			slog.String("booking_id", b.ID.String()),
			slog.String("item_id", b.ItemID.String()),
			slog.String("status", string(status)),
			slog.Any("error", err))
	}
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return s.repo.Get(ctx, id)
}

func (s *service) ListForBorrower(ctx context.Context, borrowerID uuid.UUID) ([]*Booking, error) {
	return s.repo.ListByBorrower(ctx, borrowerID)
}

func (s *service) ListForOwner(ctx context.Context, ownerID uuid.UUID) ([]*Booking, error) {
	return s.repo.ListByOwner(ctx, ownerID)
}

func (s *service) ListByStatus(ctx context.Context, status Status) ([]*Booking, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return s.repo.ListByStatus(ctx, status)
}
