// internal/catalog/handler.go
package catalog

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"locallend/internal/auth"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// NewRouter mounts the catalog endpoints. Item status updates are service-to-service
// calls and are not behind the bearer token check.
func NewRouter(h *Handler, tokens *auth.Tokens) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Get("/items", h.handleSearch)
	r.Get("/items/{id}", h.handleGetItem)
	r.Put("/items/{id}/status", h.handleUpdateItemStatus)
	r.Get("/owners/{id}/items", h.handleListByOwner)
	r.Get("/categories", h.handleListCategories)
	r.Get("/categories/root", h.handleListRootCategories)
	r.Get("/categories/search", h.handleSearchCategories)
	r.Get("/categories/{id}", h.handleGetCategory)
	r.Get("/categories/{id}/items", h.handleListByCategory)
	r.Get("/categories/{id}/subcategories", h.handleListSubcategories)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(tokens))
		r.Post("/items", h.handleAddItem)
		r.Get("/my-items", h.handleListMyItems)
		r.Put("/items/{id}", h.handleUpdateItem)
		r.Patch("/items/{id}/availability", h.handleSetAvailability)
		r.Patch("/items/{id}/toggle-availability", h.handleToggleAvailability)
		r.Delete("/items/{id}", h.handleRemoveItem)
		r.Post("/categories", h.handleCreateCategory)
		r.Patch("/categories/{id}/status", h.handleSetCategoryStatus)
	})
	return r
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		http.Error(w, "missing search query", http.StatusBadRequest)
		return
	}

	items, err := h.service.Search(r.Context(), query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) handleAddItem(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := auth.UserID(r.Context())

	var req NewItem
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	item, err := h.service.AddItem(r.Context(), ownerID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (h *Handler) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	item, err := h.service.GetItem(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ownerID, _ := auth.UserID(r.Context())

	var req ItemUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	item, err := h.service.UpdateItem(r.Context(), ownerID, id, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) handleSetAvailability(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ownerID, _ := auth.UserID(r.Context())

	var req struct {
		Available *bool `json:"available"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Available == nil {
		http.Error(w, "missing available flag", http.StatusBadRequest)
		return
	}

	item, err := h.service.SetAvailability(r.Context(), ownerID, id, *req.Available)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) handleToggleAvailability(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ownerID, _ := auth.UserID(r.Context())

	item, err := h.service.ToggleAvailability(r.Context(), ownerID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) handleListByOwner(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	items, err := h.service.ListByOwner(r.Context(), id, false)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) handleListMyItems(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := auth.UserID(r.Context())

	items, err := h.service.ListByOwner(r.Context(), ownerID, true)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) handleUpdateItemStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	status, valid := ParseItemStatus(req.Status)
	if !valid {
		http.Error(w, "unknown item status", http.StatusBadRequest)
		return
	}

	if err := h.service.UpdateItemStatus(r.Context(), id, status); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ownerID, _ := auth.UserID(r.Context())

	if err := h.service.RemoveItem(r.Context(), ownerID, id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string        `json:"name"`
		Description string        `json:"description"`
		ParentID    uuid.NullUUID `json:"parent_category_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c, err := h.service.CreateCategory(r.Context(), req.Name, req.Description, req.ParentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) handleListCategories(w http.ResponseWriter, r *http.Request) {
	cs, err := h.service.ListCategories(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

func (h *Handler) handleGetCategory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	c, err := h.service.GetCategory(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) handleListByCategory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	items, err := h.service.ListByCategory(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) handleListRootCategories(w http.ResponseWriter, r *http.Request) {
	cs, err := h.service.ListRootCategories(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

func (h *Handler) handleListSubcategories(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	cs, err := h.service.ListSubcategories(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

func (h *Handler) handleSearchCategories(w http.ResponseWriter, r *http.Request) {
	cs, err := h.service.SearchCategories(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

func (h *Handler) handleSetCategoryStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req struct {
		Active *bool `json:"is_active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Active == nil {
		http.Error(w, "missing is_active flag", http.StatusBadRequest)
		return
	}

	c, err := h.service.SetCategoryActive(r.Context(), id, *req.Active)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid ID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrItemNotFound), errors.Is(err, ErrCategoryNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidItem), errors.Is(err, ErrInvalidCategory):
		status = http.StatusBadRequest
	case errors.Is(err, ErrNotOwner):
		status = http.StatusForbidden
	case errors.Is(err, ErrCategoryExists), errors.Is(err, ErrItemConflict), errors.Is(err, ErrItemInUse):
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}
