// internal/membership/store.go
package membership

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ScoreFunc derives a trust score from every rating a member received.
type ScoreFunc func(ratings []*Rating) float64

// Store persists members, credentials and ratings.
//
// The rating writes recompute the ratee's trust score with score over all of
// their ratings in the same transaction and return the new score and count.
type Store interface {
	InsertMember(ctx context.Context, member *Member, credential *Credential) error
	GetMember(ctx context.Context, id uuid.UUID) (*Member, error)
	GetMemberByEmail(ctx context.Context, email string) (*Member, error)
	// UpdateProfile writes the member's name, phone and image url.
	UpdateProfile(ctx context.Context, member *Member) error
	GetCredential(ctx context.Context, memberID uuid.UUID) (*Credential, error)
	UpdateCredential(ctx context.Context, credential *Credential) error

	AddRating(ctx context.Context, r *Rating, score ScoreFunc) (float64, int, error)
	UpdateRating(ctx context.Context, r *Rating, score ScoreFunc) (float64, int, error)
	DeleteRating(ctx context.Context, r *Rating, score ScoreFunc) (float64, int, error)
	GetRating(ctx context.Context, id uuid.UUID) (*Rating, error)
	ListRatings(ctx context.Context, rateeID uuid.UUID) ([]*Rating, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS members (
	id UUID PRIMARY KEY,
	email VARCHAR(255) NOT NULL UNIQUE,
	name VARCHAR(100) NOT NULL,
	phone VARCHAR(32) NOT NULL DEFAULT '',
	image_url TEXT NOT NULL DEFAULT '',
	status VARCHAR(16) NOT NULL DEFAULT 'active',
	trust_score NUMERIC(3,2) NOT NULL DEFAULT 5.0,
	rating_count INT NOT NULL DEFAULT 0,
	version INT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS credentials (
	member_id UUID PRIMARY KEY REFERENCES members(id),
	password_hash TEXT NOT NULL,
	salt TEXT NOT NULL,
	failed_attempts INT NOT NULL DEFAULT 0,
	locked_until TIMESTAMPTZ NOT NULL DEFAULT 'epoch'
);

CREATE TABLE IF NOT EXISTS ratings (
	id UUID PRIMARY KEY,
	rater_id UUID NOT NULL REFERENCES members(id),
	ratee_id UUID NOT NULL REFERENCES members(id),
	booking_id UUID NOT NULL,
	rating SMALLINT NOT NULL CHECK (rating BETWEEN 1 AND 5),
	comment TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (rater_id, booking_id)
);
CREATE INDEX IF NOT EXISTS idx_ratings_ratee ON ratings (ratee_id);
`

// PostgresStore implements Store on database/sql.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the membership tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate membership schema: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (s *PostgresStore) InsertMember(ctx context.Context, member *Member, credential *Credential) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	memberQuery := `
		INSERT INTO members (id, email, name, status, trust_score, rating_count, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = tx.ExecContext(ctx, memberQuery,
		member.ID, member.Email, member.Name, member.Status, member.TrustScore,
		member.RatingCount, member.Version, member.CreatedAt, member.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrEmailTaken, member.Email)
		}
		return err
	}

	credQuery := `
		INSERT INTO credentials (member_id, password_hash, salt)
		VALUES ($1, $2, $3)
	`
	if _, err = tx.ExecContext(ctx, credQuery, credential.MemberID, credential.PasswordHash, credential.Salt); err != nil {
		return err
	}

	return tx.Commit()
}

const memberColumns = `id, email, name, phone, image_url, status, trust_score, rating_count, version, created_at, updated_at`

func (s *PostgresStore) scanMember(row *sql.Row, key string) (*Member, error) {
	m := &Member{}
	err := row.Scan(&m.ID, &m.Email, &m.Name, &m.Phone, &m.ImageURL, &m.Status, &m.TrustScore, &m.RatingCount, &m.Version, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrMemberNotFound, key)
		}
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) GetMember(ctx context.Context, id uuid.UUID) (*Member, error) {
	return s.scanMember(s.db.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE id = $1`, id), id.String())
}

func (s *PostgresStore) GetMemberByEmail(ctx context.Context, email string) (*Member, error) {
	return s.scanMember(s.db.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE email = $1`, strings.ToLower(email)), email)
}

func (s *PostgresStore) UpdateProfile(ctx context.Context, m *Member) error {
	err := s.db.QueryRowContext(ctx, `
		UPDATE members
		SET name = $2, phone = $3, image_url = $4, updated_at = $5, version = version + 1
		WHERE id = $1
		RETURNING version
	`, m.ID, m.Name, m.Phone, m.ImageURL, m.UpdatedAt).Scan(&m.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrMemberNotFound, m.ID)
		}
		return fmt.Errorf("failed to update profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCredential(ctx context.Context, memberID uuid.UUID) (*Credential, error) {
	query := `
		SELECT member_id, password_hash, salt, failed_attempts, locked_until
		FROM credentials
		WHERE member_id = $1
	`
	c := &Credential{}
	err := s.db.QueryRowContext(ctx, query, memberID).Scan(
		&c.MemberID,
		&c.PasswordHash,
		&c.Salt,
		&c.FailedAttempts,
		&c.LockedUntil,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: no credential for %s", ErrMemberNotFound, memberID)
		}
		return nil, err
	}
	return c, nil
}

func (s *PostgresStore) UpdateCredential(ctx context.Context, c *Credential) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET failed_attempts = $1, locked_until = $2 WHERE member_id = $3`,
		c.FailedAttempts, c.LockedUntil, c.MemberID)
	return err
}

// ratingTx runs write and rescores rateeID in one transaction. The ratee's
// row is locked first so concurrent ratings of one member rescore in turn.
func (s *PostgresStore) ratingTx(ctx context.Context, rateeID uuid.UUID, score ScoreFunc, write func(tx *sql.Tx) error) (float64, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	var locked uuid.UUID
	err = tx.QueryRowContext(ctx, `SELECT id FROM members WHERE id = $1 FOR UPDATE`, rateeID).Scan(&locked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, fmt.Errorf("%w: %s", ErrMemberNotFound, rateeID)
		}
		return 0, 0, fmt.Errorf("failed to lock member: %w", err)
	}

	if err := write(tx); err != nil {
		return 0, 0, err
	}

	ratings, err := queryRatings(ctx, tx, `WHERE ratee_id = $1`, rateeID)
	if err != nil {
		return 0, 0, err
	}
	trust := score(ratings)
	_, err = tx.ExecContext(ctx, `
		UPDATE members
		SET trust_score = $2, rating_count = $3, version = version + 1, updated_at = NOW()
		WHERE id = $1
	`, rateeID, trust, len(ratings))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to update trust score: %w", err)
	}
	return trust, len(ratings), tx.Commit()
}

func (s *PostgresStore) AddRating(ctx context.Context, r *Rating, score ScoreFunc) (float64, int, error) {
	return s.ratingTx(ctx, r.RateeID, score, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ratings (id, rater_id, ratee_id, booking_id, rating, comment, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, r.ID, r.RaterID, r.RateeID, r.BookingID, r.Value, r.Comment, r.CreatedAt, r.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyRated
			}
			return fmt.Errorf("failed to insert rating: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) UpdateRating(ctx context.Context, r *Rating, score ScoreFunc) (float64, int, error) {
	return s.ratingTx(ctx, r.RateeID, score, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE ratings SET rating = $2, comment = $3, updated_at = $4 WHERE id = $1`,
			r.ID, r.Value, r.Comment, r.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to update rating: %w", err)
		}
		return requireRow(res, r.ID)
	})
}

func (s *PostgresStore) DeleteRating(ctx context.Context, r *Rating, score ScoreFunc) (float64, int, error) {
	return s.ratingTx(ctx, r.RateeID, score, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM ratings WHERE id = $1`, r.ID)
		if err != nil {
			return fmt.Errorf("failed to delete rating: %w", err)
		}
		return requireRow(res, r.ID)
	})
}

func requireRow(res sql.Result, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRatingNotFound, id)
	}
	return nil
}

func (s *PostgresStore) GetRating(ctx context.Context, id uuid.UUID) (*Rating, error) {
	ratings, err := queryRatings(ctx, s.db, `WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(ratings) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRatingNotFound, id)
	}
	return ratings[0], nil
}

func (s *PostgresStore) ListRatings(ctx context.Context, rateeID uuid.UUID) ([]*Rating, error) {
	return queryRatings(ctx, s.db, `WHERE ratee_id = $1`, rateeID)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryRatings(ctx context.Context, q queryer, where string, args ...any) ([]*Rating, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, rater_id, ratee_id, booking_id, rating, comment, created_at, updated_at
		FROM ratings
		`+where+`
		ORDER BY created_at DESC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ratings: %w", err)
	}
	defer rows.Close()

	var out []*Rating
	for rows.Next() {
		r := &Rating{}
		if err := rows.Scan(&r.ID, &r.RaterID, &r.RateeID, &r.BookingID, &r.Value, &r.Comment, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
