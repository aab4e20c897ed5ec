// internal/catalog/domain.go
package catalog

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"locallend/internal/events"
)

var (
	ErrItemNotFound     = errors.New("item not found")
	ErrCategoryNotFound = errors.New("category not found")
	ErrCategoryExists   = errors.New("category already exists")
	ErrInvalidItem      = errors.New("invalid item")
	ErrInvalidCategory  = errors.New("invalid category")
	ErrNotOwner         = errors.New("only the owner can modify this item")
	ErrItemConflict     = errors.New("item was modified concurrently")
	ErrItemInUse        = errors.New("item is booked or on loan")
)

// ItemStatus describes whether an item can currently be lent.
type ItemStatus string

const (
	ItemAvailable   ItemStatus = "AVAILABLE"
	ItemBooked      ItemStatus = "BOOKED"
	ItemBorrowed    ItemStatus = "BORROWED"
	ItemMaintenance ItemStatus = "MAINTENANCE"
	ItemUnavailable ItemStatus = "UNAVAILABLE"
)

// ParseItemStatus returns false for unknown names.
func ParseItemStatus(s string) (ItemStatus, bool) {
	switch st := ItemStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case ItemAvailable, ItemBooked, ItemBorrowed, ItemMaintenance, ItemUnavailable:
		return st, true
	}
	return "", false
}

// ItemCondition is the owner's assessment of an item's wear.
type ItemCondition string

const (
	ConditionNew       ItemCondition = "NEW"
	ConditionExcellent ItemCondition = "EXCELLENT"
	ConditionGood      ItemCondition = "GOOD"
	ConditionFair      ItemCondition = "FAIR"
	ConditionPoor      ItemCondition = "POOR"
)

var conditionDescriptions = map[ItemCondition]string{
	ConditionNew:       "Brand new",
	ConditionExcellent: "Excellent condition",
	ConditionGood:      "Good condition",
	ConditionFair:      "Fair condition",
	ConditionPoor:      "Poor condition",
}

// ParseItemCondition returns false for unknown names.
func ParseItemCondition(s string) (ItemCondition, bool) {
	c := ItemCondition(strings.ToUpper(strings.TrimSpace(s)))
	_, ok := conditionDescriptions[c]
	return c, ok
}

func (c ItemCondition) Description() string { return conditionDescriptions[c] }

// Item is something a user offers to lend.
type Item struct {
	ID          uuid.UUID     `json:"id"`
	OwnerID     uuid.UUID     `json:"owner_id"`
	CategoryID  uuid.UUID     `json:"category_id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Condition   ItemCondition `json:"condition"`
	Status      ItemStatus    `json:"status"`
	Deposit     float64       `json:"deposit"`
	Active      bool          `json:"is_active"`
	Version     int           `json:"version"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// CanBeBorrowed reports whether a new booking may be placed on the item.
func (i *Item) CanBeBorrowed() bool {
	return i.Active && i.Status == ItemAvailable
}

// Category groups items for browsing.
type Category struct {
	ID          uuid.UUID     `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	ParentID    uuid.NullUUID `json:"parent_category_id"`
	Active      bool          `json:"is_active"`
	ItemCount   int64         `json:"item_count"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// HasParent reports whether the category is nested.
func (c *Category) HasParent() bool { return c.ParentID.Valid }

// NewItem is the input for listing an item.
type NewItem struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Condition   string    `json:"condition"`
	Deposit     float64   `json:"deposit"`
	CategoryID  uuid.UUID `json:"category_id"`
}

// ItemUpdate carries the item fields an owner may edit. Nil fields are left
// as they are.
type ItemUpdate struct {
	Name        *string    `json:"name"`
	Description *string    `json:"description"`
	Condition   *string    `json:"condition"`
	Deposit     *float64   `json:"deposit"`
	CategoryID  *uuid.UUID `json:"category_id"`
}

// ItemListedEvent is published when a new item is added.
type ItemListedEvent struct {
	events.Base
	ItemID     uuid.UUID `json:"item_id"`
	OwnerID    uuid.UUID `json:"owner_id"`
	CategoryID uuid.UUID `json:"category_id"`
	Name       string    `json:"name"`
}

// ItemUpdatedEvent is published when an owner edits an item's details.
type ItemUpdatedEvent struct {
	events.Base
	ItemID     uuid.UUID `json:"item_id"`
	OwnerID    uuid.UUID `json:"owner_id"`
	CategoryID uuid.UUID `json:"category_id"`
	Name       string    `json:"name"`
}

// ItemStatusChangedEvent is published when an item's availability changes.
type ItemStatusChangedEvent struct {
	events.Base
	ItemID         uuid.UUID  `json:"item_id"`
	PreviousStatus ItemStatus `json:"previous_status"`
	NewStatus      ItemStatus `json:"new_status"`
}

// ItemRemovedEvent is published when an item is withdrawn from the catalog.
type ItemRemovedEvent struct {
	events.Base
	ItemID uuid.UUID `json:"item_id"`
}

// CategoryCreatedEvent is published when a category is added.
type CategoryCreatedEvent struct {
	events.Base
	CategoryID uuid.UUID `json:"category_id"`
	Name       string    `json:"name"`
}

// CategoryStatusChangedEvent is published when a category is enabled or disabled.
type CategoryStatusChangedEvent struct {
	events.Base
	CategoryID uuid.UUID `json:"category_id"`
	Active     bool      `json:"is_active"`
}
