package membership

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"pgregory.net/rapid"

	"locallend/internal/auth"
	"locallend/internal/events"
)

type memStore struct {
	mu          sync.Mutex
	members     map[uuid.UUID]Member
	credentials map[uuid.UUID]Credential
	ratings     []Rating
}

func newMemStore() *memStore {
	return &memStore{members: map[uuid.UUID]Member{}, credentials: map[uuid.UUID]Credential{}}
}

func (m *memStore) InsertMember(_ context.Context, member *Member, c *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.members {
		if existing.Email == member.Email {
			return ErrEmailTaken
		}
	}
	m.members[member.ID] = *member
	m.credentials[member.ID] = *c
	return nil
}

func (m *memStore) GetMember(_ context.Context, id uuid.UUID) (*Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMemberNotFound, id)
	}
	return &member, nil
}

func (m *memStore) GetMemberByEmail(_ context.Context, email string) (*Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, member := range m.members {
		if member.Email == email {
			return &member, nil
		}
	}
	return nil, ErrMemberNotFound
}

func (m *memStore) GetCredential(_ context.Context, id uuid.UUID) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[id]
	if !ok {
		return nil, ErrMemberNotFound
	}
	return &c, nil
}

func (m *memStore) UpdateCredential(_ context.Context, c *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[c.MemberID] = *c
	return nil
}

func (m *memStore) UpdateProfile(_ context.Context, member *Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.members[member.ID]; !ok {
		return ErrMemberNotFound
	}
	member.Version++
	m.members[member.ID] = *member
	return nil
}

// rescore must be called with mu held.
func (m *memStore) rescore(rateeID uuid.UUID, score ScoreFunc) (float64, int) {
	var received []*Rating
	for _, r := range m.ratings {
		if r.RateeID == rateeID {
			r := r
			received = append(received, &r)
		}
	}
	member := m.members[rateeID]
	member.TrustScore = score(received)
	member.RatingCount = len(received)
	m.members[rateeID] = member
	return member.TrustScore, len(received)
}

func (m *memStore) AddRating(_ context.Context, r *Rating, score ScoreFunc) (float64, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.members[r.RateeID]; !ok {
		return 0, 0, ErrMemberNotFound
	}
	for _, existing := range m.ratings {
		if existing.RaterID == r.RaterID && existing.BookingID == r.BookingID {
			return 0, 0, ErrAlreadyRated
		}
	}
	m.ratings = append(m.ratings, *r)
	trust, n := m.rescore(r.RateeID, score)
	return trust, n, nil
}

func (m *memStore) UpdateRating(_ context.Context, r *Rating, score ScoreFunc) (float64, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.ratings {
		if m.ratings[i].ID == r.ID {
			m.ratings[i] = *r
			trust, n := m.rescore(r.RateeID, score)
			return trust, n, nil
		}
	}
	return 0, 0, ErrRatingNotFound
}

func (m *memStore) DeleteRating(_ context.Context, r *Rating, score ScoreFunc) (float64, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.ratings {
		if m.ratings[i].ID == r.ID {
			m.ratings = append(m.ratings[:i], m.ratings[i+1:]...)
			trust, n := m.rescore(r.RateeID, score)
			return trust, n, nil
		}
	}
	return 0, 0, ErrRatingNotFound
}

func (m *memStore) GetRating(_ context.Context, id uuid.UUID) (*Rating, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.ratings {
		if r.ID == id {
			return &r, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrRatingNotFound, id)
}

func (m *memStore) ListRatings(_ context.Context, rateeID uuid.UUID) ([]*Rating, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Rating
	for _, r := range m.ratings {
		if r.RateeID == rateeID {
			r := r
			out = append(out, &r)
		}
	}
	return out, nil
}

type fakeBookings struct {
	mu      sync.Mutex
	records map[uuid.UUID]BookingRecord
	err     error
}

func newFakeBookings() *fakeBookings {
	return &fakeBookings{records: map[uuid.UUID]BookingRecord{}}
}

func (f *fakeBookings) add(borrower, owner uuid.UUID, status string) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New()
	f.records[id] = BookingRecord{ID: id, BorrowerID: borrower, OwnerID: owner, Status: status}
	return id
}

func (f *fakeBookings) GetBooking(_ context.Context, id uuid.UUID) (*BookingRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	b, ok := f.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBookingNotFound, id)
	}
	return &b, nil
}

type testEnv struct {
	svc       *service
	store     *memStore
	bookings  *fakeBookings
	publisher *events.Publisher
	now       time.Time
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{
		store:     newMemStore(),
		bookings:  newFakeBookings(),
		publisher: events.NewPublisher(nil, logger),
		now:       time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC),
	}
	opts = append([]Option{WithRateLimit(rate.Inf, 0)}, opts...)
	env.svc = NewService(env.store, env.bookings, auth.NewTokens("test-secret", time.Hour), env.publisher, logger, opts...).(*service)
	env.svc.now = func() time.Time { return env.now }
	return env
}

func setupService(t *testing.T, opts ...Option) (Service, *events.Publisher) {
	env := newTestEnv(t, opts...)
	return env.svc, env.publisher
}

func register(t *testing.T, svc Service, email string) *Member {
	t.Helper()
	m, err := svc.RegisterMember(context.Background(), email, "Member", "correct horse")
	require.NoError(t, err)
	return m
}

func TestRegisterMember(t *testing.T) {
	svc, publisher := setupService(t)

	m := register(t, svc, "Ana@Example.com")
	assert.Equal(t, "ana@example.com", m.Email)
	assert.Equal(t, DefaultTrustScore, m.TrustScore)
	assert.True(t, m.IsActive())
	require.Equal(t, 1, publisher.PublishedEventCount())
	assert.Equal(t, EventMemberRegistered, publisher.PublishedEvents()[0].EventType())

	_, err := svc.RegisterMember(context.Background(), "ana@example.com", "Again", "correct horse")
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestRegisterMemberValidation(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.RegisterMember(ctx, "not-an-email", "Ana", "correct horse")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.RegisterMember(ctx, "ana@example.com", " ", "correct horse")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.RegisterMember(ctx, "ana@example.com", "Ana", "short")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAuthenticateIssuesToken(t *testing.T) {
	svc, _ := setupService(t)
	m := register(t, svc, "ana@example.com")

	session, err := svc.Authenticate(context.Background(), "ana@example.com", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, m.ID, session.Member.ID)

	claims, err := auth.NewTokens("test-secret", time.Hour).Parse(session.Token)
	require.NoError(t, err)
	id, err := claims.UserID()
	require.NoError(t, err)
	assert.Equal(t, m.ID, id)
}

func TestAuthenticateLocksAfterRepeatedFailures(t *testing.T) {
	svc, _ := setupService(t)
	register(t, svc, "ana@example.com")
	ctx := context.Background()

	_, err := svc.Authenticate(ctx, "nobody@example.com", "whatever")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	for i := 0; i < maxFailedLogins; i++ {
		_, err := svc.Authenticate(ctx, "ana@example.com", "wrong password")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}
	_, err = svc.Authenticate(ctx, "ana@example.com", "correct horse")
	assert.ErrorIs(t, err, ErrAccountLocked)
}

func TestRateLimit(t *testing.T) {
	svc, _ := setupService(t, WithRateLimit(rate.Every(time.Hour), 1))
	ctx := context.Background()

	_, err := svc.RegisterMember(ctx, "ana@example.com", "Ana", "correct horse")
	require.NoError(t, err)
	_, err = svc.Authenticate(ctx, "ana@example.com", "correct horse")
	assert.ErrorIs(t, err, ErrRateLimited)
	_, err = svc.Authenticate(ctx, " ANA@example.com", "correct horse")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestRateLimitIsPerEmail(t *testing.T) {
	svc, _ := setupService(t, WithRateLimit(rate.Every(time.Hour), 1))
	ctx := context.Background()

	register(t, svc, "ana@example.com")
	_, err := svc.Authenticate(ctx, "ana@example.com", "wrong password")
	require.ErrorIs(t, err, ErrRateLimited)

	register(t, svc, "bob@example.com")
	_, err = svc.Authenticate(ctx, "carol@example.com", "whatever")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLimiterPrunesIdleEntries(t *testing.T) {
	l := newLimiter(rate.Every(time.Hour), 1)
	start := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

	assert.True(t, l.allow("ana@example.com", start))
	assert.False(t, l.allow("ana@example.com", start))
	assert.True(t, l.allow("bob@example.com", start))

	l.prune(start.Add(limiterIdle / 2))
	assert.Len(t, l.entries, 2)
	l.prune(start.Add(limiterIdle + time.Second))
	assert.Empty(t, l.entries)
}

func TestUpdateProfile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := register(t, env.svc, "ana@example.com")
	env.publisher.ClearPublishedEvents()
	env.now = env.now.Add(time.Hour)

	name, phone, image := " Ana Lima ", "+351 912-345-678", "https://img.example.com/ana.png"
	got, err := env.svc.UpdateProfile(ctx, m.ID, ProfileUpdate{Name: &name, Phone: &phone, ImageURL: &image})
	require.NoError(t, err)
	assert.Equal(t, "Ana Lima", got.Name)
	assert.Equal(t, phone, got.Phone)
	assert.Equal(t, image, got.ImageURL)
	assert.Equal(t, env.now, got.UpdatedAt)
	assert.Equal(t, 2, got.Version)

	empty := ""
	got, err = env.svc.UpdateProfile(ctx, m.ID, ProfileUpdate{ImageURL: &empty})
	require.NoError(t, err)
	assert.Equal(t, "Ana Lima", got.Name)
	assert.Equal(t, phone, got.Phone)
	assert.Empty(t, got.ImageURL)

	require.Equal(t, 2, env.publisher.PublishedEventCount())
	assert.Equal(t, EventMemberProfileUpdated, env.publisher.PublishedEvents()[0].EventType())

	bad := []ProfileUpdate{
		{Name: &empty},
		{Phone: ptr("call me maybe")},
		{Phone: ptr("+1 " + strings.Repeat("5", maxPhoneLength))},
		{ImageURL: ptr("ftp://img.example.com/a.png")},
		{ImageURL: ptr("not a url")},
	}
	for _, update := range bad {
		_, err := env.svc.UpdateProfile(ctx, m.ID, update)
		assert.ErrorIs(t, err, ErrInvalidInput)
	}

	_, err = env.svc.UpdateProfile(ctx, uuid.New(), ProfileUpdate{Name: &name})
	assert.ErrorIs(t, err, ErrMemberNotFound)
}

func ptr(s string) *string { return &s }

func TestRateMember(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := register(t, env.svc, "owner@example.com")
	borrower := register(t, env.svc, "borrower@example.com")
	first := env.bookings.add(borrower.ID, owner.ID, bookingCompleted)
	second := env.bookings.add(borrower.ID, owner.ID, bookingCompleted)
	env.publisher.ClearPublishedEvents()

	_, err := env.svc.RateMember(ctx, borrower.ID, borrower.ID, first, 5, "")
	assert.ErrorIs(t, err, ErrSelfRating)
	_, err = env.svc.RateMember(ctx, borrower.ID, owner.ID, first, 6, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = env.svc.RateMember(ctx, borrower.ID, owner.ID, first, 0, "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.svc.RateMember(ctx, borrower.ID, owner.ID, first, 2, "tent leaked")
	require.NoError(t, err)
	_, err = env.svc.RateMember(ctx, borrower.ID, owner.ID, first, 4, "")
	assert.ErrorIs(t, err, ErrAlreadyRated)
	_, err = env.svc.RateMember(ctx, borrower.ID, owner.ID, second, 4, "")
	require.NoError(t, err)

	got, err := env.svc.GetMember(ctx, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, 2.6, got.TrustScore)
	assert.Equal(t, 2, got.RatingCount)

	require.Equal(t, 2, env.publisher.PublishedEventCount())
	last := env.publisher.PublishedEvents()[1].(MemberRatedEvent)
	assert.Equal(t, 2.6, last.NewTrustScore)
}

func TestRateMemberRequiresCompletedBookingOfRater(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := register(t, env.svc, "owner@example.com")
	borrower := register(t, env.svc, "borrower@example.com")
	other := register(t, env.svc, "other@example.com")
	completed := env.bookings.add(borrower.ID, owner.ID, bookingCompleted)
	active := env.bookings.add(borrower.ID, owner.ID, "ACTIVE")
	env.publisher.ClearPublishedEvents()

	tests := []struct {
		name    string
		rater   uuid.UUID
		ratee   uuid.UUID
		booking uuid.UUID
		wantErr error
	}{
		{"missing booking id", borrower.ID, owner.ID, uuid.Nil, ErrInvalidInput},
		{"unknown booking", borrower.ID, owner.ID, uuid.New(), ErrBookingNotFound},
		{"owner rates borrower", owner.ID, borrower.ID, completed, ErrNotBookingBorrower},
		{"stranger", other.ID, owner.ID, completed, ErrNotBookingBorrower},
		{"booking not completed", borrower.ID, owner.ID, active, ErrBookingNotCompleted},
		{"ratee is not the owner", borrower.ID, other.ID, completed, ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.RateMember(ctx, tt.rater, tt.ratee, tt.booking, 1, "")
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	env.bookings.err = errors.New("booking service unavailable")
	_, err := env.svc.RateMember(ctx, borrower.ID, owner.ID, completed, 1, "")
	assert.ErrorContains(t, err, "booking service unavailable")

	got, err := env.svc.GetMember(ctx, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, DefaultTrustScore, got.TrustScore)
	assert.Zero(t, got.RatingCount)
	assert.Zero(t, env.publisher.PublishedEventCount())
}

func TestUpdateAndDeleteRating(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := register(t, env.svc, "owner@example.com")
	borrower := register(t, env.svc, "borrower@example.com")
	booking := env.bookings.add(borrower.ID, owner.ID, bookingCompleted)

	r, err := env.svc.RateMember(ctx, borrower.ID, owner.ID, booking, 1, "never showed")
	require.NoError(t, err)
	low, _ := env.svc.GetMember(ctx, owner.ID)
	env.publisher.ClearPublishedEvents()

	_, err = env.svc.UpdateRating(ctx, owner.ID, r.ID, 5, "")
	assert.ErrorIs(t, err, ErrNotRater)
	_, err = env.svc.UpdateRating(ctx, borrower.ID, r.ID, 9, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = env.svc.UpdateRating(ctx, borrower.ID, uuid.New(), 5, "")
	assert.ErrorIs(t, err, ErrRatingNotFound)

	env.now = env.now.Add(24 * time.Hour)
	updated, err := env.svc.UpdateRating(ctx, borrower.ID, r.ID, 5, " turned up late, item was great ")
	require.NoError(t, err)
	assert.Equal(t, 5, updated.Value)
	assert.Equal(t, "turned up late, item was great", updated.Comment)
	assert.Equal(t, env.now, updated.UpdatedAt)

	high, _ := env.svc.GetMember(ctx, owner.ID)
	assert.Greater(t, high.TrustScore, low.TrustScore)
	changed := env.publisher.PublishedEvents()[0].(MemberRatingChangedEvent)
	assert.Equal(t, EventMemberRatingUpdated, changed.EventType())
	assert.Equal(t, high.TrustScore, changed.NewTrustScore)

	env.now = r.CreatedAt.Add(RatingEditWindow + time.Minute)
	_, err = env.svc.UpdateRating(ctx, borrower.ID, r.ID, 4, "")
	assert.ErrorIs(t, err, ErrRatingLocked)

	assert.ErrorIs(t, env.svc.DeleteRating(ctx, owner.ID, r.ID), ErrNotRater)
	require.NoError(t, env.svc.DeleteRating(ctx, borrower.ID, r.ID))
	assert.ErrorIs(t, env.svc.DeleteRating(ctx, borrower.ID, r.ID), ErrRatingNotFound)

	got, _ := env.svc.GetMember(ctx, owner.ID)
	assert.Equal(t, DefaultTrustScore, got.TrustScore)
	assert.Zero(t, got.RatingCount)
	last := env.publisher.PublishedEvents()
	assert.Equal(t, EventMemberRatingDeleted, last[len(last)-1].EventType())
}

func TestRatingStatsMatchesRatings(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		ratee, err := env.svc.RegisterMember(ctx, "ratee@example.com", "Ratee", "correct horse")
		require.NoError(rt, err)

		values := rapid.SliceOfN(rapid.IntRange(MinRating, MaxRating), 0, 20).Draw(rt, "values")
		sum := 0
		for _, v := range values {
			rater := uuid.New()
			booking := env.bookings.add(rater, ratee.ID, bookingCompleted)
			_, err := env.svc.RateMember(ctx, rater, ratee.ID, booking, v, "")
			require.NoError(rt, err)
			sum += v
		}

		stats, err := env.svc.RatingStats(ctx, ratee.ID)
		require.NoError(rt, err)
		if stats.Count != len(values) {
			rt.Fatalf("count %d, want %d", stats.Count, len(values))
		}
		total := 0
		for _, n := range stats.Distribution {
			total += n
		}
		if total != len(values) {
			rt.Fatalf("distribution sums to %d, want %d", total, len(values))
		}
		if len(values) > 0 {
			want := float64(sum) / float64(len(values))
			if diff := stats.Average - want; diff > 1e-9 || diff < -1e-9 {
				rt.Fatalf("average %f, want %f", stats.Average, want)
			}
		}

		member, err := env.svc.GetMember(ctx, ratee.ID)
		require.NoError(rt, err)
		ratings, _ := env.store.ListRatings(ctx, ratee.ID)
		if want := TrustScore(ratings, env.now); member.TrustScore != want {
			rt.Fatalf("trust score %v, want %v", member.TrustScore, want)
		}
	})
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, salt, err := hashPassword("s3cret-pass")
	require.NoError(t, err)

	ok, err := verifyPassword("s3cret-pass", salt, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = verifyPassword("other", salt, hash)
	require.NoError(t, err)
	assert.False(t, ok)
}
