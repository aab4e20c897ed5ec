// internal/catalog/service.go
package catalog

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the interface for the catalog service.
type Service interface {
	AddItem(ctx context.Context, ownerID uuid.UUID, req NewItem) (*Item, error)
	GetItem(ctx context.Context, id uuid.UUID) (*Item, error)
	UpdateItem(ctx context.Context, ownerID, id uuid.UUID, update ItemUpdate) (*Item, error)
	SetAvailability(ctx context.Context, ownerID, id uuid.UUID, available bool) (*Item, error)
	ToggleAvailability(ctx context.Context, ownerID, id uuid.UUID) (*Item, error)
	UpdateItemStatus(ctx context.Context, id uuid.UUID, status ItemStatus) error
	RemoveItem(ctx context.Context, ownerID, id uuid.UUID) error
	Search(ctx context.Context, query string) ([]*Item, error)
	ListByCategory(ctx context.Context, categoryID uuid.UUID) ([]*Item, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID, includeInactive bool) ([]*Item, error)

	CreateCategory(ctx context.Context, name, description string, parentID uuid.NullUUID) (*Category, error)
	GetCategory(ctx context.Context, id uuid.UUID) (*Category, error)
	ListCategories(ctx context.Context) ([]*Category, error)
	ListRootCategories(ctx context.Context) ([]*Category, error)
	ListSubcategories(ctx context.Context, parentID uuid.UUID) ([]*Category, error)
	SearchCategories(ctx context.Context, query string) ([]*Category, error)
	SetCategoryActive(ctx context.Context, id uuid.UUID, active bool) (*Category, error)
}
