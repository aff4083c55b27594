package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"urbanride/internal/common/api"
	"urbanride/internal/common/middleware"
	"urbanride/internal/reservation"
	"urbanride/internal/reservation/domain"
)

// Handler handles reservation HTTP requests
type Handler struct {
	service *reservation.Service
}

// NewHandler creates a new reservation handler
func NewHandler(service *reservation.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the reservation routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.CreateReservation)
	r.Get("/", h.ListReservations)
	r.Get("/{id}", h.GetReservation)
	r.Delete("/{id}", h.CancelReservation)
	r.Get("/bicycle/{series}/{bicycleId}", h.ListByBicycle)

	return r
}

// CreateReservationRequest is the request body for POST /reservations
type CreateReservationRequest struct {
	BicycleSeries string `json:"bicycle_series" validate:"required,max=50"`
	BicycleID     string `json:"bicycle_id" validate:"required,max=50"`
	InstrumentID  int64  `json:"instrument_id" validate:"required,gt=0"`
}

// CreateReservation handles POST /reservations
func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req CreateReservationRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	res, err := h.service.CreateReservation(r.Context(), userID, req.BicycleSeries, req.BicycleID, req.InstrumentID, middleware.GetCorrelationID(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	api.WriteData(w, http.StatusCreated, res)
}

// ListReservations handles GET /reservations
func (h *Handler) ListReservations(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	reservations, err := h.service.ListByUser(r.Context(), userID)
	if err != nil {
		api.InternalError(w, "failed to list reservations")
		return
	}
	if reservations == nil {
		reservations = []*domain.Reservation{}
	}

	api.WriteData(w, http.StatusOK, reservations)
}

// GetReservation handles GET /reservations/{id}
func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	id, ok := reservationID(w, r)
	if !ok {
		return
	}

	res, err := h.service.GetByID(r.Context(), userID, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, res)
}

// CancelReservation handles DELETE /reservations/{id}
func (h *Handler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	id, ok := reservationID(w, r)
	if !ok {
		return
	}

	if err := h.service.CancelReservation(r.Context(), userID, id, middleware.GetCorrelationID(r.Context())); err != nil {
		writeDomainError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, map[string]string{"message": "reservation cancelled"})
}

// ListByBicycle handles GET /reservations/bicycle/{series}/{bicycleId}
func (h *Handler) ListByBicycle(w http.ResponseWriter, r *http.Request) {
	series := chi.URLParam(r, "series")
	bicycleID := chi.URLParam(r, "bicycleId")
	if series == "" || bicycleID == "" {
		api.BadRequest(w, "bicycle identifiers required")
		return
	}

	reservations, err := h.service.ListByBicycle(r.Context(), series, bicycleID)
	if err != nil {
		api.InternalError(w, "failed to list reservations")
		return
	}
	if reservations == nil {
		reservations = []*domain.Reservation{}
	}

	api.WriteData(w, http.StatusOK, reservations)
}

func reservationID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		api.BadRequest(w, "invalid reservation ID")
		return 0, false
	}
	return id, true
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrUserCooldownActive):
		api.WriteError(w, http.StatusConflict, api.ErrCodeConflict, "user has a reservation within the cooldown window")
	case errors.Is(err, domain.ErrBicycleAlreadyReserved):
		api.WriteError(w, http.StatusConflict, api.ErrCodeConflict, "bicycle is already reserved")
	case errors.Is(err, domain.ErrInstrumentNotFound):
		api.NotFound(w, "payment instrument not found")
	case errors.Is(err, domain.ErrNotFound):
		api.NotFound(w, "reservation not found")
	case errors.Is(err, domain.ErrAuthorizationFailed):
		api.WriteError(w, http.StatusBadGateway, api.ErrCodeAuthorizationFailed, err.Error())
	default:
		api.InternalError(w, "operation failed")
	}
}
