// internal/membership/service.go
package membership

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the interface for the membership service.
type Service interface {
	RegisterMember(ctx context.Context, email, name, password string) (*Member, error)
	Authenticate(ctx context.Context, email, password string) (*Session, error)
	GetMember(ctx context.Context, id uuid.UUID) (*Member, error)
	UpdateProfile(ctx context.Context, id uuid.UUID, update ProfileUpdate) (*Member, error)
	RateMember(ctx context.Context, raterID, rateeID, bookingID uuid.UUID, value int, comment string) (*Rating, error)
	UpdateRating(ctx context.Context, raterID, ratingID uuid.UUID, value int, comment string) (*Rating, error)
	DeleteRating(ctx context.Context, raterID, ratingID uuid.UUID) error
	RatingStats(ctx context.Context, id uuid.UUID) (*RatingStats, error)
}
