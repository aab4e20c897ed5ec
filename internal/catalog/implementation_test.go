package catalog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locallend/internal/events"
)

type memStore struct {
	mu         sync.Mutex
	items      map[uuid.UUID]Item
	categories map[uuid.UUID]Category
}

func newMemStore() *memStore {
	return &memStore{items: map[uuid.UUID]Item{}, categories: map[uuid.UUID]Category{}}
}

func (m *memStore) InsertItem(_ context.Context, item *Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = *item
	return nil
}

func (m *memStore) GetItem(_ context.Context, id uuid.UUID) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	return &item, nil
}

func (m *memStore) UpdateItem(_ context.Context, item *Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.items[item.ID]
	if !ok || stored.Version != item.Version {
		return ErrItemConflict
	}
	item.Version++
	m.items[item.ID] = *item
	return nil
}

func (m *memStore) SearchItems(_ context.Context, query string, limit int) ([]*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Item
	for _, item := range m.items {
		if item.Active && strings.Contains(strings.ToLower(item.Name+" "+item.Description), strings.ToLower(query)) {
			item := item
			out = append(out, &item)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ListItemsByCategory(_ context.Context, categoryID uuid.UUID) ([]*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Item
	for _, item := range m.items {
		if item.Active && item.CategoryID == categoryID {
			item := item
			out = append(out, &item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) ListItemsByOwner(_ context.Context, ownerID uuid.UUID, includeInactive bool) ([]*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Item
	for _, item := range m.items {
		if item.OwnerID == ownerID && (item.Active || includeInactive) {
			item := item
			out = append(out, &item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) InsertCategory(_ context.Context, c *Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.categories {
		if strings.EqualFold(existing.Name, c.Name) {
			return fmt.Errorf("%w: %s", ErrCategoryExists, c.Name)
		}
	}
	m.categories[c.ID] = *c
	return nil
}

func (m *memStore) GetCategory(_ context.Context, id uuid.UUID) (*Category, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.categories[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCategoryNotFound, id)
	}
	return &c, nil
}

func (m *memStore) ListCategories(_ context.Context) ([]*Category, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Category
	for _, c := range m.categories {
		c := c
		out = append(out, &c)
	}
	return out, nil
}

func (m *memStore) UpdateCategory(_ context.Context, c *Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.categories[c.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrCategoryNotFound, c.ID)
	}
	m.categories[c.ID] = *c
	return nil
}

func (m *memStore) ListSubcategories(_ context.Context, parent uuid.NullUUID) ([]*Category, error) {
	return m.filterCategories(func(c Category) bool { return c.ParentID == parent })
}

func (m *memStore) SearchCategories(_ context.Context, query string) ([]*Category, error) {
	return m.filterCategories(func(c Category) bool {
		return strings.Contains(strings.ToLower(c.Name), strings.ToLower(query))
	})
}

func (m *memStore) filterCategories(keep func(Category) bool) ([]*Category, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Category
	for _, c := range m.categories {
		if c.Active && keep(c) {
			c := c
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func setupService(t *testing.T) (Service, *events.Publisher) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	publisher := events.NewPublisher(nil, logger)
	return NewService(newMemStore(), publisher, logger), publisher
}

func eventTypes(p *events.Publisher) []string {
	var out []string
	for _, e := range p.PublishedEvents() {
		out = append(out, e.EventType())
	}
	return out
}

func TestCreateCategoryValidation(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	tests := []struct {
		name, desc string
		wantErr    error
	}{
		{"T", "", ErrInvalidCategory},
		{strings.Repeat("x", 51), "", ErrInvalidCategory},
		{"Tools", strings.Repeat("d", 201), ErrInvalidCategory},
		{"Tools", "Hand and power tools", nil},
		{"tools", "", ErrCategoryExists},
	}
	for _, tt := range tests {
		_, err := svc.CreateCategory(ctx, tt.name, tt.desc, uuid.NullUUID{})
		if tt.wantErr == nil {
			assert.NoError(t, err, tt.name)
		} else {
			assert.ErrorIs(t, err, tt.wantErr, tt.name)
		}
	}
}

func TestCreateCategoryRequiresExistingParent(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.CreateCategory(ctx, "Drills", "", uuid.NullUUID{UUID: uuid.New(), Valid: true})
	require.ErrorIs(t, err, ErrCategoryNotFound)

	parent, err := svc.CreateCategory(ctx, "Tools", "", uuid.NullUUID{})
	require.NoError(t, err)
	child, err := svc.CreateCategory(ctx, "Drills", "", uuid.NullUUID{UUID: parent.ID, Valid: true})
	require.NoError(t, err)
	assert.True(t, child.HasParent())
	assert.False(t, parent.HasParent())
}

func TestAddItemDefaultsAndEvents(t *testing.T) {
	svc, publisher := setupService(t)
	ctx := context.Background()
	owner := uuid.New()

	cat, err := svc.CreateCategory(ctx, "Tools", "", uuid.NullUUID{})
	require.NoError(t, err)

	item, err := svc.AddItem(ctx, owner, NewItem{Name: " Cordless drill ", CategoryID: cat.ID, Deposit: 20})
	require.NoError(t, err)
	assert.Equal(t, "Cordless drill", item.Name)
	assert.Equal(t, ConditionGood, item.Condition)
	assert.Equal(t, ItemAvailable, item.Status)
	assert.True(t, item.CanBeBorrowed())
	assert.Equal(t, []string{EventCategoryCreated, EventItemListed}, eventTypes(publisher))
}

func TestAddItemValidation(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	cat, err := svc.CreateCategory(ctx, "Tools", "", uuid.NullUUID{})
	require.NoError(t, err)

	_, err = svc.AddItem(ctx, uuid.New(), NewItem{Name: "", CategoryID: cat.ID})
	assert.ErrorIs(t, err, ErrInvalidItem)
	_, err = svc.AddItem(ctx, uuid.New(), NewItem{Name: "Drill", CategoryID: cat.ID, Deposit: -1})
	assert.ErrorIs(t, err, ErrInvalidItem)
	_, err = svc.AddItem(ctx, uuid.New(), NewItem{Name: "Drill", CategoryID: cat.ID, Condition: "shiny"})
	assert.ErrorIs(t, err, ErrInvalidItem)
	_, err = svc.AddItem(ctx, uuid.New(), NewItem{Name: "Drill", CategoryID: uuid.New()})
	assert.ErrorIs(t, err, ErrCategoryNotFound)
}

func TestUpdateItemStatus(t *testing.T) {
	svc, publisher := setupService(t)
	ctx := context.Background()
	cat, _ := svc.CreateCategory(ctx, "Tools", "", uuid.NullUUID{})
	item, err := svc.AddItem(ctx, uuid.New(), NewItem{Name: "Drill", CategoryID: cat.ID})
	require.NoError(t, err)
	publisher.ClearPublishedEvents()

	require.NoError(t, svc.UpdateItemStatus(ctx, item.ID, ItemBorrowed))
	require.NoError(t, svc.UpdateItemStatus(ctx, item.ID, ItemBorrowed))

	got, err := svc.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, ItemBorrowed, got.Status)
	assert.False(t, got.CanBeBorrowed())
	require.Equal(t, 1, publisher.PublishedEventCount())

	ev := publisher.PublishedEvents()[0].(ItemStatusChangedEvent)
	assert.Equal(t, ItemAvailable, ev.PreviousStatus)
	assert.Equal(t, ItemBorrowed, ev.NewStatus)

	assert.ErrorIs(t, svc.UpdateItemStatus(ctx, item.ID, "LOST"), ErrInvalidItem)
	assert.ErrorIs(t, svc.UpdateItemStatus(ctx, uuid.New(), ItemAvailable), ErrItemNotFound)
}

func TestRemoveItemOwnerOnly(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	owner := uuid.New()
	cat, _ := svc.CreateCategory(ctx, "Tools", "", uuid.NullUUID{})
	item, err := svc.AddItem(ctx, owner, NewItem{Name: "Ladder", CategoryID: cat.ID})
	require.NoError(t, err)

	assert.ErrorIs(t, svc.RemoveItem(ctx, uuid.New(), item.ID), ErrNotOwner)
	require.NoError(t, svc.RemoveItem(ctx, owner, item.ID))

	got, _ := svc.GetItem(ctx, item.ID)
	assert.False(t, got.Active)
	assert.False(t, got.CanBeBorrowed())

	items, err := svc.ListByCategory(ctx, cat.ID)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSearch(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	cat, _ := svc.CreateCategory(ctx, "Tools", "", uuid.NullUUID{})
	_, _ = svc.AddItem(ctx, uuid.New(), NewItem{Name: "Cordless drill", CategoryID: cat.ID})
	_, _ = svc.AddItem(ctx, uuid.New(), NewItem{Name: "Tent", Description: "four person", CategoryID: cat.ID})

	items, err := svc.Search(ctx, "drill")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Cordless drill", items[0].Name)

	_, err = svc.Search(ctx, "  ")
	assert.ErrorIs(t, err, ErrInvalidItem)
}

func TestParseItemCondition(t *testing.T) {
	c, ok := ParseItemCondition(" excellent ")
	require.True(t, ok)
	assert.Equal(t, ConditionExcellent, c)
	assert.Equal(t, "Excellent condition", c.Description())

	_, ok = ParseItemCondition("mint")
	assert.False(t, ok)
}

func TestUpdateItem(t *testing.T) {
	svc, publisher := setupService(t)
	ctx := context.Background()
	owner := uuid.New()
	tools, _ := svc.CreateCategory(ctx, "Tools", "", uuid.NullUUID{})
	garden, _ := svc.CreateCategory(ctx, "Garden", "", uuid.NullUUID{})
	item, err := svc.AddItem(ctx, owner, NewItem{Name: "Drill", CategoryID: tools.ID, Deposit: 20})
	require.NoError(t, err)
	publisher.ClearPublishedEvents()

	name, condition, deposit := " Hedge trimmer ", "fair", 35.0
	updated, err := svc.UpdateItem(ctx, owner, item.ID, ItemUpdate{
		Name:       &name,
		Condition:  &condition,
		Deposit:    &deposit,
		CategoryID: &garden.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, "Hedge trimmer", updated.Name)
	assert.Equal(t, ConditionFair, updated.Condition)
	assert.Equal(t, 35.0, updated.Deposit)
	assert.Equal(t, garden.ID, updated.CategoryID)
	assert.Equal(t, ItemAvailable, updated.Status)
	assert.Equal(t, []string{EventItemUpdated}, eventTypes(publisher))

	got, err := svc.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hedge trimmer", got.Name)
	assert.Equal(t, 2, got.Version)

	negative, blank, unknown := -1.0, " ", uuid.New()
	tests := []struct {
		name    string
		owner   uuid.UUID
		update  ItemUpdate
		wantErr error
	}{
		{"not owner", uuid.New(), ItemUpdate{Name: &name}, ErrNotOwner},
		{"blank name", owner, ItemUpdate{Name: &blank}, ErrInvalidItem},
		{"negative deposit", owner, ItemUpdate{Deposit: &negative}, ErrInvalidItem},
		{"unknown category", owner, ItemUpdate{CategoryID: &unknown}, ErrCategoryNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.UpdateItem(ctx, tt.owner, item.ID, tt.update)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	require.NoError(t, svc.RemoveItem(ctx, owner, item.ID))
	_, err = svc.UpdateItem(ctx, owner, item.ID, ItemUpdate{Name: &name})
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestSetAvailability(t *testing.T) {
	svc, publisher := setupService(t)
	ctx := context.Background()
	owner := uuid.New()
	cat, _ := svc.CreateCategory(ctx, "Tools", "", uuid.NullUUID{})
	item, err := svc.AddItem(ctx, owner, NewItem{Name: "Drill", CategoryID: cat.ID})
	require.NoError(t, err)
	publisher.ClearPublishedEvents()

	_, err = svc.SetAvailability(ctx, uuid.New(), item.ID, false)
	assert.ErrorIs(t, err, ErrNotOwner)

	got, err := svc.SetAvailability(ctx, owner, item.ID, false)
	require.NoError(t, err)
	assert.Equal(t, ItemUnavailable, got.Status)
	assert.False(t, got.CanBeBorrowed())

	got, err = svc.SetAvailability(ctx, owner, item.ID, false)
	require.NoError(t, err)
	assert.Equal(t, ItemUnavailable, got.Status)

	got, err = svc.ToggleAvailability(ctx, owner, item.ID)
	require.NoError(t, err)
	assert.Equal(t, ItemAvailable, got.Status)
	assert.Equal(t, []string{EventItemStatusChanged, EventItemStatusChanged}, eventTypes(publisher))

	ev := publisher.PublishedEvents()[0].(ItemStatusChangedEvent)
	assert.Equal(t, owner.String(), ev.UserID())
	assert.Equal(t, ItemUnavailable, ev.NewStatus)
}

func TestSetAvailabilityKeepsItemsInUse(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	owner := uuid.New()
	cat, _ := svc.CreateCategory(ctx, "Tools", "", uuid.NullUUID{})

	for _, status := range []ItemStatus{ItemBooked, ItemBorrowed} {
		item, err := svc.AddItem(ctx, owner, NewItem{Name: "Drill", CategoryID: cat.ID})
		require.NoError(t, err)
		require.NoError(t, svc.UpdateItemStatus(ctx, item.ID, status))

		_, err = svc.SetAvailability(ctx, owner, item.ID, false)
		assert.ErrorIs(t, err, ErrItemInUse, status)
		_, err = svc.ToggleAvailability(ctx, owner, item.ID)
		assert.ErrorIs(t, err, ErrItemInUse, status)

		got, _ := svc.GetItem(ctx, item.ID)
		assert.Equal(t, status, got.Status)
	}
}

func TestListByOwner(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	owner := uuid.New()
	cat, _ := svc.CreateCategory(ctx, "Tools", "", uuid.NullUUID{})
	drill, _ := svc.AddItem(ctx, owner, NewItem{Name: "Drill", CategoryID: cat.ID})
	_, _ = svc.AddItem(ctx, owner, NewItem{Name: "Ladder", CategoryID: cat.ID})
	_, _ = svc.AddItem(ctx, uuid.New(), NewItem{Name: "Tent", CategoryID: cat.ID})
	require.NoError(t, svc.RemoveItem(ctx, owner, drill.ID))

	public, err := svc.ListByOwner(ctx, owner, false)
	require.NoError(t, err)
	require.Len(t, public, 1)
	assert.Equal(t, "Ladder", public[0].Name)

	all, err := svc.ListByOwner(ctx, owner, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestCategoryHierarchy(t *testing.T) {
	svc, publisher := setupService(t)
	ctx := context.Background()
	tools, _ := svc.CreateCategory(ctx, "Tools", "", uuid.NullUUID{})
	garden, _ := svc.CreateCategory(ctx, "Garden", "", uuid.NullUUID{})
	_, _ = svc.CreateCategory(ctx, "Power tools", "", uuid.NullUUID{UUID: tools.ID, Valid: true})
	_, _ = svc.CreateCategory(ctx, "Hand tools", "", uuid.NullUUID{UUID: tools.ID, Valid: true})

	roots, err := svc.ListRootCategories(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Garden", "Tools"}, categoryNames(roots))

	children, err := svc.ListSubcategories(ctx, tools.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hand tools", "Power tools"}, categoryNames(children))

	_, err = svc.ListSubcategories(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrCategoryNotFound)

	found, err := svc.SearchCategories(ctx, "TOOLS")
	require.NoError(t, err)
	assert.Equal(t, []string{"Hand tools", "Power tools", "Tools"}, categoryNames(found))
	_, err = svc.SearchCategories(ctx, " ")
	assert.ErrorIs(t, err, ErrInvalidCategory)

	publisher.ClearPublishedEvents()
	c, err := svc.SetCategoryActive(ctx, garden.ID, false)
	require.NoError(t, err)
	assert.False(t, c.Active)
	_, err = svc.SetCategoryActive(ctx, garden.ID, false)
	require.NoError(t, err)
	assert.Equal(t, []string{EventCategoryStatusChanged}, eventTypes(publisher))

	roots, _ = svc.ListRootCategories(ctx)
	assert.Equal(t, []string{"Tools"}, categoryNames(roots))
	_, err = svc.AddItem(ctx, uuid.New(), NewItem{Name: "Rake", CategoryID: garden.ID})
	assert.ErrorIs(t, err, ErrInvalidItem)
}

func categoryNames(cs []*Category) []string {
	var out []string
	for _, c := range cs {
		out = append(out, c.Name)
	}
	return out
}
