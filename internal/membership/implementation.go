// internal/membership/implementation.go
package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"locallend/internal/auth"
	"locallend/internal/events"
)

const (
	minPasswordLength = 8
	maxNameLength     = 100
	maxPhoneLength    = 32
	maxFailedLogins   = 5
	lockoutDuration   = 15 * time.Minute

	// Limiters idle this long are full again and can be dropped.
	limiterIdle    = 10 * time.Minute
	maxLimiterKeys = 10000
)

// limiter throttles registration and login per email address.
type limiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	entries map[string]*limiterEntry
}

type limiterEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

func newLimiter(limit rate.Limit, burst int) *limiter {
	return &limiter{limit: limit, burst: burst, entries: make(map[string]*limiterEntry)}
}

func (l *limiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		if len(l.entries) >= maxLimiterKeys {
			l.prune(now)
		}
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = e
	}
	e.seen = now
	return e.limiter.AllowN(now, 1)
}

func (l *limiter) prune(now time.Time) {
	for key, e := range l.entries {
		if now.Sub(e.seen) > limiterIdle {
			delete(l.entries, key)
		}
	}
}

func limiterKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// service implements the Service interface.
type service struct {
	store     Store
	bookings  Bookings
	tokens    *auth.Tokens
	publisher *events.Publisher
	logger    *slog.Logger
	limiter   *limiter
	now       func() time.Time
}

// Option configures the membership service.
type Option func(*service)

// WithRateLimit overrides the per email registration and login throttle.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(s *service) { s.limiter = newLimiter(limit, burst) }
}

// NewService creates a new membership service instance. bookings verifies
// that a rating belongs to a completed booking of the rater.
func NewService(store Store, bookings Bookings, tokens *auth.Tokens, publisher *events.Publisher, logger *slog.Logger, opts ...Option) Service {
	s := &service{
		store:     store,
		bookings:  bookings,
		tokens:    tokens,
		publisher: publisher,
		logger:    logger,
		limiter:   newLimiter(rate.Every(1*time.Minute), 5), // burst of 5, then one per minute per email
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func validName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxNameLength {
		return "", fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidInput, maxNameLength)
	}
	return name, nil
}

func validPhone(phone string) (string, error) {
	phone = strings.TrimSpace(phone)
	if len(phone) > maxPhoneLength {
		return "", fmt.Errorf("%w: phone number must be at most %d characters", ErrInvalidInput, maxPhoneLength)
	}
	for _, r := range phone {
		if !unicode.IsDigit(r) && !strings.ContainsRune("+-() ", r) {
			return "", fmt.Errorf("%w: phone number contains %q", ErrInvalidInput, r)
		}
	}
	return phone, nil
}

func validImageURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: profile image must be an http(s) url", ErrInvalidInput)
	}
	return u.String(), nil
}

// RegisterMember creates a new member with the default trust score.
func (s *service) RegisterMember(ctx context.Context, email, name, password string) (*Member, error) {
	if !s.limiter.allow(limiterKey(email), s.now()) {
		return nil, ErrRateLimited
	}

	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid email address", ErrInvalidInput)
	}
	name, err = validName(name)
	if err != nil {
		return nil, err
	}
	if len(password) < minPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}

	passwordHash, salt, err := hashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.now()
	member := &Member{
		ID:         uuid.New(),
		Email:      strings.ToLower(addr.Address),
		Name:       name,
		Status:     StatusActive,
		TrustScore: DefaultTrustScore,
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
	}
	credential := &Credential{
		MemberID:     member.ID,
		PasswordHash: passwordHash,
		Salt:         salt,
	}

	if err := s.store.InsertMember(ctx, member, credential); err != nil {
		return nil, fmt.Errorf("failed to register member: %w", err)
	}

	s.publisher.Publish(ctx, MemberRegisteredEvent{
		Base:     events.NewBase(EventMemberRegistered, member.ID.String(), member.ID.String()),
		MemberID: member.ID,
		Email:    member.Email,
		Name:     member.Name,
	})
	return member, nil
}

// Authenticate verifies a member's credentials and issues an access token.
// Repeated failures lock the account for a while.
func (s *service) Authenticate(ctx context.Context, email, password string) (*Session, error) {
	if !s.limiter.allow(limiterKey(email), s.now()) {
		return nil, ErrRateLimited
	}

	member, err := s.store.GetMemberByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, ErrMemberNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	if !member.IsActive() {
		return nil, ErrInvalidCredentials
	}

	credential, err := s.store.GetCredential(ctx, member.ID)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	now := s.now()
	if credential.Locked(now) {
		return nil, ErrAccountLocked
	}

	ok, err := verifyPassword(password, credential.Salt, credential.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	if !ok {
		credential.FailedAttempts++
		if credential.FailedAttempts >= maxFailedLogins {
			credential.LockedUntil = now.Add(lockoutDuration)
			credential.FailedAttempts = 0
			s.logger.WarnContext(ctx, "locking account after failed logins", slog.String("member_id", member.ID.String()))
		}
		if err := s.store.UpdateCredential(ctx, credential); err != nil {
			s.logger.ErrorContext(ctx, "failed to record login failure", slog.Any("error", err))
		}
		return nil, ErrInvalidCredentials
	}

	if credential.FailedAttempts > 0 {
		credential.FailedAttempts = 0
		if err := s.store.UpdateCredential(ctx, credential); err != nil {
			s.logger.ErrorContext(ctx, "failed to reset login failures", slog.Any("error", err))
		}
	}

	token, expires, err := s.tokens.Issue(member.ID, member.Email, member.Name)
	if err != nil {
		return nil, err
	}
	return &Session{Token: token, ExpiresAt: expires, Member: member}, nil
}

// GetMember retrieves a member by their ID.
func (s *service) GetMember(ctx context.Context, id uuid.UUID) (*Member, error) {
	return s.store.GetMember(ctx, id)
}

// UpdateProfile applies the set fields of update to member id.
func (s *service) UpdateProfile(ctx context.Context, id uuid.UUID, update ProfileUpdate) (*Member, error) {
	member, err := s.store.GetMember(ctx, id)
	if err != nil {
		return nil, err
	}
	if update.Name != nil {
		if member.Name, err = validName(*update.Name); err != nil {
			return nil, err
		}
	}
	if update.Phone != nil {
		if member.Phone, err = validPhone(*update.Phone); err != nil {
			return nil, err
		}
	}
	if update.ImageURL != nil {
		if member.ImageURL, err = validImageURL(*update.ImageURL); err != nil {
			return nil, err
		}
	}
	member.UpdatedAt = s.now()
	if err := s.store.UpdateProfile(ctx, member); err != nil {
		return nil, err
	}

	s.publisher.Publish(ctx, MemberProfileUpdatedEvent{
		Base:     events.NewBase(EventMemberProfileUpdated, id.String(), id.String()),
		MemberID: id,
		Name:     member.Name,
	})
	return member, nil
}

// RateMember records raterID's rating of rateeID for a booking and refreshes
// the ratee's trust score. Only the borrower of a completed booking may rate
// its owner, once.
func (s *service) RateMember(ctx context.Context, raterID, rateeID, bookingID uuid.UUID, value int, comment string) (*Rating, error) {
	if raterID == rateeID {
		return nil, ErrSelfRating
	}
	if err := validRating(value); err != nil {
		return nil, err
	}
	if bookingID == uuid.Nil {
		return nil, fmt.Errorf("%w: booking id is required", ErrInvalidInput)
	}
	if _, err := s.store.GetMember(ctx, rateeID); err != nil {
		return nil, err
	}
	if err := s.verifyBooking(ctx, raterID, rateeID, bookingID); err != nil {
		return nil, err
	}

	now := s.now()
	r := &Rating{
		ID:        uuid.New(),
		RaterID:   raterID,
		RateeID:   rateeID,
		BookingID: bookingID,
		Value:     value,
		Comment:   strings.TrimSpace(comment),
		CreatedAt: now,
		UpdatedAt: now,
	}
	score, _, err := s.store.AddRating(ctx, r, Scorer(s.now))
	if err != nil {
		return nil, err
	}

	s.publisher.Publish(ctx, MemberRatedEvent{
		Base:          events.NewBase(EventMemberRated, rateeID.String(), raterID.String()),
		RatingID:      r.ID,
		RateeID:       rateeID,
		BookingID:     bookingID,
		Value:         value,
		NewTrustScore: score,
	})
	return r, nil
}

func validRating(value int) error {
	if value < MinRating || value > MaxRating {
		return fmt.Errorf("%w: rating must be between %d and %d", ErrInvalidInput, MinRating, MaxRating)
	}
	return nil
}

func (s *service) verifyBooking(ctx context.Context, raterID, rateeID, bookingID uuid.UUID) error {
	b, err := s.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return fmt.Errorf("failed to verify booking: %w", err)
	}
	switch {
	case b.BorrowerID != raterID:
		return ErrNotBookingBorrower
	case b.Status != bookingCompleted:
		return fmt.Errorf("%w: status is %s", ErrBookingNotCompleted, b.Status)
	case b.OwnerID != rateeID:
		return fmt.Errorf("%w: member %s does not own booking %s", ErrInvalidInput, rateeID, bookingID)
	}
	return nil
}

// ownRating loads a rating raterID gave.
func (s *service) ownRating(ctx context.Context, raterID, ratingID uuid.UUID) (*Rating, error) {
	r, err := s.store.GetRating(ctx, ratingID)
	if err != nil {
		return nil, err
	}
	if r.RaterID != raterID {
		return nil, ErrNotRater
	}
	return r, nil
}

// UpdateRating changes the value and comment of a rating raterID gave within
// the edit window and rescores the ratee.
func (s *service) UpdateRating(ctx context.Context, raterID, ratingID uuid.UUID, value int, comment string) (*Rating, error) {
	if err := validRating(value); err != nil {
		return nil, err
	}
	r, err := s.ownRating(ctx, raterID, ratingID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if !r.Editable(now) {
		return nil, ErrRatingLocked
	}

	r.Value = value
	r.Comment = strings.TrimSpace(comment)
	r.UpdatedAt = now
	score, _, err := s.store.UpdateRating(ctx, r, Scorer(s.now))
	if err != nil {
		return nil, err
	}

	s.publisher.Publish(ctx, MemberRatingChangedEvent{
		Base:          events.NewBase(EventMemberRatingUpdated, r.RateeID.String(), raterID.String()),
		RatingID:      r.ID,
		RateeID:       r.RateeID,
		Value:         value,
		NewTrustScore: score,
	})
	return r, nil
}

// DeleteRating withdraws a rating raterID gave and rescores the ratee.
func (s *service) DeleteRating(ctx context.Context, raterID, ratingID uuid.UUID) error {
	r, err := s.ownRating(ctx, raterID, ratingID)
	if err != nil {
		return err
	}
	score, _, err := s.store.DeleteRating(ctx, r, Scorer(s.now))
	if err != nil {
		return err
	}

	s.publisher.Publish(ctx, MemberRatingChangedEvent{
		Base:          events.NewBase(EventMemberRatingDeleted, r.RateeID.String(), raterID.String()),
		RatingID:      r.ID,
		RateeID:       r.RateeID,
		NewTrustScore: score,
	})
	return nil
}

// RatingStats returns the count, mean and per-value distribution of a member's ratings.
func (s *service) RatingStats(ctx context.Context, id uuid.UUID) (*RatingStats, error) {
	if _, err := s.store.GetMember(ctx, id); err != nil {
		return nil, err
	}
	ratings, err := s.store.ListRatings(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list ratings: %w", err)
	}

	stats := &RatingStats{MemberID: id, Distribution: make(map[int]int, MaxRating)}
	for v := MinRating; v <= MaxRating; v++ {
		stats.Distribution[v] = 0
	}
	sum := 0
	for _, r := range ratings {
		stats.Distribution[r.Value]++
		sum += r.Value
	}
	stats.Count = len(ratings)
	if stats.Count > 0 {
		stats.Average = float64(sum) / float64(stats.Count)
	}
	return stats, nil
}
