// internal/catalog/store.go
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store persists items and categories.
type Store interface {
	InsertItem(ctx context.Context, item *Item) error
	GetItem(ctx context.Context, id uuid.UUID) (*Item, error)
	UpdateItem(ctx context.Context, item *Item) error
	SearchItems(ctx context.Context, query string, limit int) ([]*Item, error)
	ListItemsByCategory(ctx context.Context, categoryID uuid.UUID) ([]*Item, error)
	// ListItemsByOwner returns the owner's items, removed ones only when
	// includeInactive is set.
	ListItemsByOwner(ctx context.Context, ownerID uuid.UUID, includeInactive bool) ([]*Item, error)

	InsertCategory(ctx context.Context, c *Category) error
	GetCategory(ctx context.Context, id uuid.UUID) (*Category, error)
	UpdateCategory(ctx context.Context, c *Category) error
	ListCategories(ctx context.Context) ([]*Category, error)
	// ListSubcategories returns the active children of parent, or the active
	// root categories when parent is null.
	ListSubcategories(ctx context.Context, parent uuid.NullUUID) ([]*Category, error)
	SearchCategories(ctx context.Context, query string) ([]*Category, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS categories (
	id UUID PRIMARY KEY,
	name VARCHAR(50) NOT NULL,
	description VARCHAR(200) NOT NULL DEFAULT '',
	parent_category_id UUID REFERENCES categories(id),
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_categories_name ON categories (LOWER(name));

CREATE TABLE IF NOT EXISTS items (
	id UUID PRIMARY KEY,
	owner_id UUID NOT NULL,
	category_id UUID NOT NULL REFERENCES categories(id),
	name VARCHAR(120) NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	condition VARCHAR(16) NOT NULL,
	status VARCHAR(16) NOT NULL,
	deposit NUMERIC(10,2) NOT NULL DEFAULT 0,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	version INT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_items_category ON items (category_id) WHERE is_active;
CREATE INDEX IF NOT EXISTS idx_items_owner ON items (owner_id);
`

// PostgresStore implements Store on database/sql.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the catalog tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate catalog schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertItem(ctx context.Context, item *Item) error {
	query := `
		INSERT INTO items (id, owner_id, category_id, name, description, condition, status, deposit, is_active, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := s.db.ExecContext(ctx, query,
		item.ID, item.OwnerID, item.CategoryID, item.Name, item.Description,
		item.Condition, item.Status, item.Deposit, item.Active, item.Version,
		item.CreatedAt, item.UpdatedAt,
	)
	return err
}

const itemColumns = `id, owner_id, category_id, name, description, condition, status, deposit, is_active, version, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*Item, error) {
	item := &Item{}
	err := row.Scan(
		&item.ID,
		&item.OwnerID,
		&item.CategoryID,
		&item.Name,
		&item.Description,
		&item.Condition,
		&item.Status,
		&item.Deposit,
		&item.Active,
		&item.Version,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	return item, err
}

func (s *PostgresStore) GetItem(ctx context.Context, id uuid.UUID) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
		}
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return item, nil
}

// UpdateItem writes every mutable column, guarded by the stored version.
func (s *PostgresStore) UpdateItem(ctx context.Context, item *Item) error {
	query := `
		UPDATE items
		SET category_id = $1, name = $2, description = $3, condition = $4, deposit = $5,
			status = $6, is_active = $7, version = version + 1, updated_at = $8
		WHERE id = $9 AND version = $10
	`
	res, err := s.db.ExecContext(ctx, query,
		item.CategoryID, item.Name, item.Description, item.Condition, item.Deposit,
		item.Status, item.Active, item.UpdatedAt, item.ID, item.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrItemConflict, item.ID)
	}
	item.Version++
	return nil
}

func (s *PostgresStore) SearchItems(ctx context.Context, query string, limit int) ([]*Item, error) {
	dbQuery := `
		SELECT ` + itemColumns + `
		FROM items
		WHERE is_active
		AND (to_tsvector('english', name) @@ plainto_tsquery('english', $1)
		OR to_tsvector('english', description) @@ plainto_tsquery('english', $1))
		ORDER BY created_at DESC
		LIMIT $2
	`
	return s.queryItems(ctx, dbQuery, query, limit)
}

func (s *PostgresStore) ListItemsByCategory(ctx context.Context, categoryID uuid.UUID) ([]*Item, error) {
	return s.queryItems(ctx, `SELECT `+itemColumns+` FROM items WHERE category_id = $1 AND is_active ORDER BY name`, categoryID)
}

func (s *PostgresStore) ListItemsByOwner(ctx context.Context, ownerID uuid.UUID, includeInactive bool) ([]*Item, error) {
	return s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM items WHERE owner_id = $1 AND (is_active OR $2) ORDER BY created_at DESC`,
		ownerID, includeInactive)
}

func (s *PostgresStore) queryItems(ctx context.Context, query string, args ...any) ([]*Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("database search failed: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) InsertCategory(ctx context.Context, c *Category) error {
	query := `
		INSERT INTO categories (id, name, description, parent_category_id, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.ExecContext(ctx, query, c.ID, c.Name, c.Description, c.ParentID, c.Active, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrCategoryExists, c.Name)
		}
		return fmt.Errorf("failed to insert category: %w", err)
	}
	return nil
}

const categoryQuery = `
	SELECT c.id, c.name, c.description, c.parent_category_id, c.is_active, c.created_at, c.updated_at,
		(SELECT COUNT(*) FROM items i WHERE i.category_id = c.id AND i.is_active)
	FROM categories c
`

func scanCategory(row scanner) (*Category, error) {
	c := &Category{}
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.ParentID, &c.Active, &c.CreatedAt, &c.UpdatedAt, &c.ItemCount)
	return c, err
}

func (s *PostgresStore) GetCategory(ctx context.Context, id uuid.UUID) (*Category, error) {
	c, err := scanCategory(s.db.QueryRowContext(ctx, categoryQuery+` WHERE c.id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrCategoryNotFound, id)
		}
		return nil, fmt.Errorf("failed to get category: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) UpdateCategory(ctx context.Context, c *Category) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE categories SET name = $2, description = $3, is_active = $4, updated_at = $5 WHERE id = $1`,
		c.ID, c.Name, c.Description, c.Active, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update category: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrCategoryNotFound, c.ID)
	}
	return nil
}

func (s *PostgresStore) ListCategories(ctx context.Context) ([]*Category, error) {
	return s.queryCategories(ctx, categoryQuery+` WHERE c.is_active ORDER BY c.name`)
}

func (s *PostgresStore) ListSubcategories(ctx context.Context, parent uuid.NullUUID) ([]*Category, error) {
	return s.queryCategories(ctx,
		categoryQuery+` WHERE c.is_active AND c.parent_category_id IS NOT DISTINCT FROM $1::uuid ORDER BY c.name`,
		parent)
}

func (s *PostgresStore) SearchCategories(ctx context.Context, query string) ([]*Category, error) {
	return s.queryCategories(ctx,
		categoryQuery+` WHERE c.is_active AND c.name ILIKE '%' || $1 || '%' ORDER BY c.name`,
		query)
}

func (s *PostgresStore) queryCategories(ctx context.Context, query string, args ...any) ([]*Category, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	defer rows.Close()

	var out []*Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
