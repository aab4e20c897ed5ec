// internal/membership/handler.go
package membership

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

// NewRouter mounts the membership endpoints.
func NewRouter(h *Handler, tokens *auth.Tokens) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Post("/members", h.handleRegisterMember)
	r.Post("/login", h.handleLogin)
	r.Get("/members/{id}", h.handleGetMember)
	r.Get("/members/{id}/ratings", h.handleRatingStats)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(tokens))
		r.Post("/members/{id}/ratings", h.handleRateMember)
		r.Put("/ratings/{id}", h.handleUpdateRating)
		r.Delete("/ratings/{id}", h.handleDeleteRating)
		r.Get("/profile", h.handleGetProfile)
		r.Put("/profile", h.handleUpdateProfile)
	})
	return r
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	session, err := h.service.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) handleRegisterMember(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Name     string `json:"name"`
		Password string `json:"password"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	member, err := h.service.RegisterMember(r.Context(), req.Email, req.Name, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, member)
}

func (h *Handler) handleGetMember(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid member ID", http.StatusBadRequest)
		return
	}

	member, err := h.service.GetMember(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

func (h *Handler) handleRateMember(w http.ResponseWriter, r *http.Request) {
	rateeID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid member ID", http.StatusBadRequest)
		return
	}
	raterID, _ := auth.UserID(r.Context())

	var req struct {
		BookingID uuid.UUID `json:"booking_id"`
		Rating    int       `json:"rating"`
		Comment   string    `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rating, err := h.service.RateMember(r.Context(), raterID, rateeID, req.BookingID, req.Rating, req.Comment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rating)
}

func (h *Handler) handleUpdateRating(w http.ResponseWriter, r *http.Request) {
	ratingID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid rating ID", http.StatusBadRequest)
		return
	}
	raterID, _ := auth.UserID(r.Context())

	var req struct {
		Rating  int    `json:"rating"`
		Comment string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rating, err := h.service.UpdateRating(r.Context(), raterID, ratingID, req.Rating, req.Comment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rating)
}

func (h *Handler) handleDeleteRating(w http.ResponseWriter, r *http.Request) {
	ratingID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid rating ID", http.StatusBadRequest)
		return
	}
	raterID, _ := auth.UserID(r.Context())

	if err := h.service.DeleteRating(r.Context(), raterID, ratingID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.UserID(r.Context())
	member, err := h.service.GetMember(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

func (h *Handler) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.UserID(r.Context())

	var update ProfileUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	member, err := h.service.UpdateProfile(r.Context(), id, update)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

func (h *Handler) handleRatingStats(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid member ID", http.StatusBadRequest)
		return
	}

	stats, err := h.service.RatingStats(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrMemberNotFound), errors.Is(err, ErrRatingNotFound), errors.Is(err, ErrBookingNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrSelfRating):
		status = http.StatusBadRequest
	case errors.Is(err, ErrInvalidCredentials):
		status = http.StatusUnauthorized
	case errors.Is(err, ErrAccountLocked), errors.Is(err, ErrNotRater), errors.Is(err, ErrNotBookingBorrower):
		status = http.StatusForbidden
	case errors.Is(err, ErrEmailTaken), errors.Is(err, ErrAlreadyRated),
		errors.Is(err, ErrBookingNotCompleted), errors.Is(err, ErrRatingLocked):
		status = http.StatusConflict
	case errors.Is(err, ErrRateLimited):
		status = http.StatusTooManyRequests
	}
	http.Error(w, err.Error(), status)
}
