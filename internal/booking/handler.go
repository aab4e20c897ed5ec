// internal/booking/handler.go
package booking

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"locallend/internal/auth"
	"locallend/internal/catalog"
	"locallend/internal/membership"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// NewRouter mounts the booking endpoints behind bearer token authentication.
func NewRouter(h *Handler, tokens *auth.Tokens) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/statuses", h.handleStatuses)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(tokens))
		r.Post("/bookings", h.handleCreate)
		r.Get("/bookings", h.handleList)
		r.Get("/bookings/{id}", h.handleGet)
		r.Post("/bookings/{id}/confirm", h.handleConfirm)
		r.Post("/bookings/{id}/reject", h.handleReject)
		r.Post("/bookings/{id}/activate", h.handleActivate)
		r.Post("/bookings/{id}/complete", h.handleComplete)
		r.Post("/bookings/{id}/cancel", h.handleCancel)
	})
	return r
}

func (h *Handler) handleStatuses(w http.ResponseWriter, _ *http.Request) {
	type statusInfo struct {
		Name        Status `json:"name"`
		Description string `json:"description"`
		Final       bool   `json:"final"`
	}
	out := make([]statusInfo, 0, len(allStatuses))
	for _, s := range Statuses() {
		out = append(out, statusInfo{Name: s, Description: s.Description(), Final: s.IsFinal()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	borrowerID, _ := auth.UserID(r.Context())

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	b, err := h.service.Create(r.Context(), borrowerID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// handleList returns the caller's bookings, as borrower by default or as owner
// with ?role=owner, optionally filtered by ?status=.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	q := r.URL.Query()

	var (
		bookings []*Booking
		err      error
	)
	switch q.Get("role") {
	case "", "borrower":
		bookings, err = h.service.ListForBorrower(r.Context(), userID)
	case "owner":
		bookings, err = h.service.ListForOwner(r.Context(), userID)
	default:
		http.Error(w, "role must be borrower or owner", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	if raw := q.Get("status"); raw != "" {
		status, err := ParseStatus(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		filtered := bookings[:0]
		for _, b := range bookings {
			if b.Status == status {
				filtered = append(filtered, b)
			}
		}
		bookings = filtered
	}
	if bookings == nil {
		bookings = []*Booking{}
	}
	writeJSON(w, http.StatusOK, bookings)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	userID, _ := auth.UserID(r.Context())

	b, err := h.service.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if b.BorrowerID != userID && b.OwnerID != userID {
		writeError(w, ErrUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type transitionRequest struct {
	Notes           string `json:"notes"`
	Reason          string `json:"reason"`
	ReturnCondition string `json:"return_condition"`
}

func decodeTransition(r *http.Request) (transitionRequest, error) {
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return req, err
	}
	return req, nil
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request, do func(id, userID uuid.UUID, req transitionRequest) (*Booking, error)) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	userID, _ := auth.UserID(r.Context())

	req, err := decodeTransition(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	b, err := do(id, userID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, func(id, userID uuid.UUID, req transitionRequest) (*Booking, error) {
		return h.service.Confirm(r.Context(), id, userID, req.Notes)
	})
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, func(id, userID uuid.UUID, req transitionRequest) (*Booking, error) {
		return h.service.Reject(r.Context(), id, userID, req.Reason)
	})
}

func (h *Handler) handleActivate(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, func(id, userID uuid.UUID, _ transitionRequest) (*Booking, error) {
		return h.service.Activate(r.Context(), id, userID)
	})
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, func(id, userID uuid.UUID, req transitionRequest) (*Booking, error) {
		return h.service.Complete(r.Context(), id, userID, req.ReturnCondition)
	})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, func(id, userID uuid.UUID, req transitionRequest) (*Booking, error) {
		return h.service.Cancel(r.Context(), id, userID, req.Reason)
	})
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid booking ID", http.StatusBadRequest)
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
	case errors.Is(err, ErrBookingNotFound), errors.Is(err, catalog.ErrItemNotFound), errors.Is(err, membership.ErrMemberNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, ErrInvalidPeriod), errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrInvalidStatus):
		status = http.StatusBadRequest
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrBookingConflict),
		errors.Is(err, ErrConcurrencyConflict), errors.Is(err, ErrItemNotAvailable):
		status = http.StatusConflict
	case errors.Is(err, ErrNotEligible):
		status = http.StatusUnprocessableEntity
	}
	http.Error(w, err.Error(), status)
}
