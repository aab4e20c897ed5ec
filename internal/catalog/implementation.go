// internal/catalog/implementation.go
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"locallend/internal/events"
)

const (
	EventItemListed            = "ItemListed"
	EventItemUpdated           = "ItemUpdated"
	EventItemStatusChanged     = "ItemStatusChanged"
	EventItemRemoved           = "ItemRemoved"
	EventCategoryCreated       = "CategoryCreated"
	EventCategoryStatusChanged = "CategoryStatusChanged"

	minCategoryName   = 2
	maxCategoryName   = 50
	maxCategoryDesc   = 200
	maxItemNameLength = 120
	searchLimit       = 25
)

// service implements the Service interface.
type service struct {
	store     Store
	publisher *events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a new catalog service instance.
func NewService(store Store, publisher *events.Publisher, logger *slog.Logger) Service {
	return &service{
		store:     store,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// AddItem lists a new item owned by ownerID.
func (s *service) AddItem(ctx context.Context, ownerID uuid.UUID, req NewItem) (*Item, error) {
	name, err := itemName(req.Name)
	if err != nil {
		return nil, err
	}
	if err := checkDeposit(req.Deposit); err != nil {
		return nil, err
	}
	condition := ConditionGood
	if req.Condition != "" {
		if condition, err = itemCondition(req.Condition); err != nil {
			return nil, err
		}
	}
	category, err := s.activeCategory(ctx, req.CategoryID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	item := &Item{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		CategoryID:  category.ID,
		Name:        name,
		Description: strings.TrimSpace(req.Description),
		Condition:   condition,
		Status:      ItemAvailable,
		Deposit:     req.Deposit,
		Active:      true,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.InsertItem(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to insert item: %w", err)
	}

	s.publisher.Publish(ctx, ItemListedEvent{
		Base:       events.NewBase(EventItemListed, item.ID.String(), ownerID.String()),
		ItemID:     item.ID,
		OwnerID:    ownerID,
		CategoryID: category.ID,
		Name:       item.Name,
	})
	return item, nil
}

func itemName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" || utf8.RuneCountInString(name) > maxItemNameLength {
		return "", fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidItem, maxItemNameLength)
	}
	return name, nil
}

func checkDeposit(deposit float64) error {
	if deposit < 0 {
		return fmt.Errorf("%w: deposit cannot be negative", ErrInvalidItem)
	}
	return nil
}

func itemCondition(raw string) (ItemCondition, error) {
	c, ok := ParseItemCondition(raw)
	if !ok {
		return "", fmt.Errorf("%w: unknown condition %q", ErrInvalidItem, raw)
	}
	return c, nil
}

func (s *service) activeCategory(ctx context.Context, id uuid.UUID) (*Category, error) {
	category, err := s.store.GetCategory(ctx, id)
	if err != nil {
		return nil, err
	}
	if !category.Active {
		return nil, fmt.Errorf("%w: category %s is inactive", ErrInvalidItem, category.Name)
	}
	return category, nil
}

// ownedItem loads an active item and checks that ownerID owns it.
func (s *service) ownedItem(ctx context.Context, ownerID, id uuid.UUID) (*Item, error) {
	item, err := s.store.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.OwnerID != ownerID {
		return nil, ErrNotOwner
	}
	if !item.Active {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	return item, nil
}

// UpdateItem edits an item's details. Only the owner may edit, and every
// field is validated as on listing.
func (s *service) UpdateItem(ctx context.Context, ownerID, id uuid.UUID, update ItemUpdate) (*Item, error) {
	item, err := s.ownedItem(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	if update.Name != nil {
		if item.Name, err = itemName(*update.Name); err != nil {
			return nil, err
		}
	}
	if update.Description != nil {
		item.Description = strings.TrimSpace(*update.Description)
	}
	if update.Condition != nil {
		if item.Condition, err = itemCondition(*update.Condition); err != nil {
			return nil, err
		}
	}
	if update.Deposit != nil {
		if err := checkDeposit(*update.Deposit); err != nil {
			return nil, err
		}
		item.Deposit = *update.Deposit
	}
	if update.CategoryID != nil && *update.CategoryID != item.CategoryID {
		category, err := s.activeCategory(ctx, *update.CategoryID)
		if err != nil {
			return nil, err
		}
		item.CategoryID = category.ID
	}

	item.UpdatedAt = s.now()
	if err := s.store.UpdateItem(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to update item: %w", err)
	}

	s.publisher.Publish(ctx, ItemUpdatedEvent{
		Base:       events.NewBase(EventItemUpdated, item.ID.String(), ownerID.String()),
		ItemID:     item.ID,
		OwnerID:    ownerID,
		CategoryID: item.CategoryID,
		Name:       item.Name,
	})
	return item, nil
}

// SetAvailability lets an owner take an item off the market or put it back.
// Items that are booked or on loan keep their status.
func (s *service) SetAvailability(ctx context.Context, ownerID, id uuid.UUID, available bool) (*Item, error) {
	item, err := s.ownedItem(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	return s.setAvailability(ctx, item, available)
}

// ToggleAvailability flips an item between available and unavailable.
func (s *service) ToggleAvailability(ctx context.Context, ownerID, id uuid.UUID) (*Item, error) {
	item, err := s.ownedItem(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	return s.setAvailability(ctx, item, item.Status != ItemAvailable)
}

func (s *service) setAvailability(ctx context.Context, item *Item, available bool) (*Item, error) {
	target := ItemUnavailable
	if available {
		target = ItemAvailable
	}
	if item.Status == target {
		return item, nil
	}
	if item.Status == ItemBooked || item.Status == ItemBorrowed {
		return nil, fmt.Errorf("%w: status is %s", ErrItemInUse, item.Status)
	}

	previous := item.Status
	item.Status = target
	item.UpdatedAt = s.now()
	if err := s.store.UpdateItem(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to update item availability: %w", err)
	}

	s.publisher.Publish(ctx, ItemStatusChangedEvent{
		Base:           events.NewBase(EventItemStatusChanged, item.ID.String(), item.OwnerID.String()),
		ItemID:         item.ID,
		PreviousStatus: previous,
		NewStatus:      target,
	})
	return item, nil
}

// GetItem retrieves an item from the catalog by its ID.
func (s *service) GetItem(ctx context.Context, id uuid.UUID) (*Item, error) {
	return s.store.GetItem(ctx, id)
}

// UpdateItemStatus changes an item's availability. Setting the current status is a no-op.
func (s *service) UpdateItemStatus(ctx context.Context, id uuid.UUID, status ItemStatus) error {
	if _, ok := ParseItemStatus(string(status)); !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidItem, status)
	}
	item, err := s.store.GetItem(ctx, id)
	if err != nil {
		return err
	}
	if item.Status == status {
		return nil
	}

	previous := item.Status
	item.Status = status
	item.UpdatedAt = s.now()
	if err := s.store.UpdateItem(ctx, item); err != nil {
		return fmt.Errorf("failed to update item status: %w", err)
	}

	s.publisher.Publish(ctx, ItemStatusChangedEvent{
		Base:           events.NewBase(EventItemStatusChanged, id.String(), ""),
		ItemID:         id,
		PreviousStatus: previous,
		NewStatus:      status,
	})
	return nil
}

// RemoveItem withdraws an item from the catalog. Only the owner may remove it.
func (s *service) RemoveItem(ctx context.Context, ownerID, id uuid.UUID) error {
	item, err := s.store.GetItem(ctx, id)
	if err != nil {
		return err
	}
	if item.OwnerID != ownerID {
		return ErrNotOwner
	}
	if !item.Active {
		return nil
	}

	item.Active = false
	item.Status = ItemUnavailable
	item.UpdatedAt = s.now()
	if err := s.store.UpdateItem(ctx, item); err != nil {
		return fmt.Errorf("failed to remove item: %w", err)
	}

	s.publisher.Publish(ctx, ItemRemovedEvent{
		Base:   events.NewBase(EventItemRemoved, id.String(), ownerID.String()),
		ItemID: id,
	})
	return nil
}

// Search finds active items whose name or description matches query.
func (s *service) Search(ctx context.Context, query string) ([]*Item, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty search query", ErrInvalidItem)
	}
	return s.store.SearchItems(ctx, query, searchLimit)
}

// ListByCategory returns the active items in a category.
func (s *service) ListByCategory(ctx context.Context, categoryID uuid.UUID) ([]*Item, error) {
	if _, err := s.store.GetCategory(ctx, categoryID); err != nil {
		return nil, err
	}
	return s.store.ListItemsByCategory(ctx, categoryID)
}

// ListByOwner returns an owner's items. Removed items are included only
// when includeInactive is set, which the owner's own listing does.
func (s *service) ListByOwner(ctx context.Context, ownerID uuid.UUID, includeInactive bool) ([]*Item, error) {
	return s.store.ListItemsByOwner(ctx, ownerID, includeInactive)
}

// CreateCategory adds a category, optionally nested under parentID.
func (s *service) CreateCategory(ctx context.Context, name, description string, parentID uuid.NullUUID) (*Category, error) {
	name = strings.TrimSpace(name)
	if n := utf8.RuneCountInString(name); n < minCategoryName || n > maxCategoryName {
		return nil, fmt.Errorf("%w: name must be %d-%d characters", ErrInvalidCategory, minCategoryName, maxCategoryName)
	}
	description = strings.TrimSpace(description)
	if utf8.RuneCountInString(description) > maxCategoryDesc {
		return nil, fmt.Errorf("%w: description cannot exceed %d characters", ErrInvalidCategory, maxCategoryDesc)
	}
	if parentID.Valid {
		if _, err := s.store.GetCategory(ctx, parentID.UUID); err != nil {
			return nil, fmt.Errorf("parent category: %w", err)
		}
	}

	now := s.now()
	c := &Category{
		ID:          uuid.New(),
		Name:        name,
		Description: description,
		ParentID:    parentID,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.InsertCategory(ctx, c); err != nil {
		return nil, err
	}

	s.publisher.Publish(ctx, CategoryCreatedEvent{
		Base:       events.NewBase(EventCategoryCreated, c.ID.String(), ""),
		CategoryID: c.ID,
		Name:       c.Name,
	})
	return c, nil
}

func (s *service) GetCategory(ctx context.Context, id uuid.UUID) (*Category, error) {
	return s.store.GetCategory(ctx, id)
}

func (s *service) ListCategories(ctx context.Context) ([]*Category, error) {
	return s.store.ListCategories(ctx)
}

func (s *service) ListRootCategories(ctx context.Context) ([]*Category, error) {
	return s.store.ListSubcategories(ctx, uuid.NullUUID{})
}

func (s *service) ListSubcategories(ctx context.Context, parentID uuid.UUID) ([]*Category, error) {
	if _, err := s.store.GetCategory(ctx, parentID); err != nil {
		return nil, err
	}
	return s.store.ListSubcategories(ctx, uuid.NullUUID{UUID: parentID, Valid: true})
}

// SearchCategories finds active categories whose name contains query.
func (s *service) SearchCategories(ctx context.Context, query string) ([]*Category, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty search query", ErrInvalidCategory)
	}
	return s.store.SearchCategories(ctx, query)
}

// SetCategoryActive enables or disables a category. Disabled categories
// accept no new items.
func (s *service) SetCategoryActive(ctx context.Context, id uuid.UUID, active bool) (*Category, error) {
	c, err := s.store.GetCategory(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Active == active {
		return c, nil
	}

	c.Active = active
	c.UpdatedAt = s.now()
	if err := s.store.UpdateCategory(ctx, c); err != nil {
		return nil, err
	}

	s.publisher.Publish(ctx, CategoryStatusChangedEvent{
		Base:       events.NewBase(EventCategoryStatusChanged, c.ID.String(), ""),
		CategoryID: c.ID,
		Active:     active,
	})
	return c, nil
}
