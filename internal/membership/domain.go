// internal/membership/domain.go
package membership

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"locallend/internal/events"
)

var (
	ErrMemberNotFound     = errors.New("member not found")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account temporarily locked")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrSelfRating         = errors.New("members cannot rate themselves")
	ErrAlreadyRated       = errors.New("booking already rated by this member")
	ErrRatingNotFound     = errors.New("rating not found")
	ErrNotRater           = errors.New("only the original rater may change this rating")
	ErrRatingLocked       = errors.New("rating can no longer be edited")

	ErrBookingNotFound     = errors.New("booking not found")
	ErrBookingNotCompleted = errors.New("booking is not completed")
	ErrNotBookingBorrower  = errors.New("only the borrower can rate this booking")
)

const (
	StatusActive    = "active"
	StatusSuspended = "suspended"

	// DefaultTrustScore is assigned to members with no ratings yet.
	DefaultTrustScore = 5.0

	MinRating = 1
	MaxRating = 5

	// RatingEditWindow is how long after creation a rating may be changed.
	RatingEditWindow = 7 * 24 * time.Hour

	bookingCompleted = "COMPLETED"
)

// Member represents a LocalLend user who can lend and borrow items.
type Member struct {
	ID          uuid.UUID `json:"id"`
	Email       string    `json:"email"`
	Name        string    `json:"name"`
	Phone       string    `json:"phone_number,omitempty"`
	ImageURL    string    `json:"profile_image_url,omitempty"`
	Status      string    `json:"status"`
	TrustScore  float64   `json:"trust_score"`
	RatingCount int       `json:"rating_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Version     int       `json:"version"`
}

// IsActive reports whether the member may take part in bookings.
func (m *Member) IsActive() bool { return m.Status == StatusActive }

// ProfileUpdate carries the profile fields a member may change. Nil fields
// are left as they are.
type ProfileUpdate struct {
	Name     *string `json:"name"`
	Phone    *string `json:"phone_number"`
	ImageURL *string `json:"profile_image_url"`
}

// Credential represents a member's login credentials.
type Credential struct {
	MemberID       uuid.UUID `json:"member_id"`
	PasswordHash   string    `json:"-"`
	Salt           string    `json:"-"`
	FailedAttempts int       `json:"-"`
	LockedUntil    time.Time `json:"-"`
}

// Locked reports whether logins are refused at now.
func (c *Credential) Locked(now time.Time) bool {
	return now.Before(c.LockedUntil)
}

// Session is returned by a successful login.
type Session struct {
	Token     string    `json:"access_token"`
	ExpiresAt time.Time `json:"expires_at"`
	Member    *Member   `json:"member"`
}

// Rating is one member's review of another after a booking.
type Rating struct {
	ID        uuid.UUID `json:"id"`
	RaterID   uuid.UUID `json:"rater_id"`
	RateeID   uuid.UUID `json:"ratee_id"`
	BookingID uuid.UUID `json:"booking_id"`
	Value     int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Editable reports whether the rating may still be changed at now.
func (r *Rating) Editable(now time.Time) bool {
	return now.Sub(r.CreatedAt) <= RatingEditWindow
}

// BookingRecord is the part of a booking membership needs to verify a rating.
type BookingRecord struct {
	ID         uuid.UUID `json:"id"`
	BorrowerID uuid.UUID `json:"borrower_id"`
	OwnerID    uuid.UUID `json:"owner_id"`
	Status     string    `json:"status"`
}

// Bookings looks up bookings on behalf of the caller in ctx.
type Bookings interface {
	GetBooking(ctx context.Context, id uuid.UUID) (*BookingRecord, error)
}

// RatingStats summarizes the ratings a member received.
type RatingStats struct {
	MemberID     uuid.UUID   `json:"member_id"`
	Count        int         `json:"count"`
	Average      float64     `json:"average"`
	Distribution map[int]int `json:"distribution"`
}

const (
	EventMemberRegistered     = "MemberRegistered"
	EventMemberProfileUpdated = "MemberProfileUpdated"
	EventMemberRated          = "MemberRated"
	EventMemberRatingUpdated  = "MemberRatingUpdated"
	EventMemberRatingDeleted  = "MemberRatingDeleted"
)

// MemberRegisteredEvent is published when a new member registers.
type MemberRegisteredEvent struct {
	events.Base
	MemberID uuid.UUID `json:"member_id"`
	Email    string    `json:"email"`
	Name     string    `json:"name"`
}

// MemberRatedEvent is published when a member receives a rating.
type MemberRatedEvent struct {
	events.Base
	RatingID      uuid.UUID `json:"rating_id"`
	RateeID       uuid.UUID `json:"ratee_id"`
	BookingID     uuid.UUID `json:"booking_id"`
	Value         int       `json:"rating"`
	NewTrustScore float64   `json:"new_trust_score"`
}

// MemberProfileUpdatedEvent is published when a member edits their profile.
type MemberProfileUpdatedEvent struct {
	events.Base
	MemberID uuid.UUID `json:"member_id"`
	Name     string    `json:"name"`
}

// MemberRatingChangedEvent is published when a rater edits or withdraws a
// rating. Value is zero for a withdrawn rating.
type MemberRatingChangedEvent struct {
	events.Base
	RatingID      uuid.UUID `json:"rating_id"`
	RateeID       uuid.UUID `json:"ratee_id"`
	Value         int       `json:"rating,omitempty"`
	NewTrustScore float64   `json:"new_trust_score"`
}
