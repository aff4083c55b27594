package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"urbanride/internal/common/api"
	"urbanride/internal/common/middleware"
	"urbanride/internal/instrument"
	"urbanride/internal/instrument/domain"
)

// Handler handles payment-instrument HTTP requests
type Handler struct {
	service *instrument.Service
}

// NewHandler creates a new instrument handler
func NewHandler(service *instrument.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the instrument routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.CreateInstrument)
	r.Get("/", h.ListInstruments)
	r.Get("/principal", h.GetPrincipal)
	r.Get("/balance/total", h.GetTotalBalance)
	r.Post("/validate", h.ValidateCard)

	r.Get("/{id}", h.GetInstrument)
	r.Put("/{id}", h.UpdateInstrument)
	r.Delete("/{id}", h.DeleteInstrument)
	r.Patch("/{id}/principal", h.SetPrincipal)
	r.Get("/{id}/balance", h.GetBalance)
	r.Post("/{id}/recharge", h.Recharge)
	r.Post("/{id}/debit", h.Debit)

	return r
}

// CreateInstrument handles POST /instruments
func (h *Handler) CreateInstrument(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req instrument.CreateInstrumentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	inst, err := h.service.CreateInstrument(r.Context(), userID, req, middleware.GetCorrelationID(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	api.WriteData(w, http.StatusCreated, inst)
}

// ListInstruments handles GET /instruments
func (h *Handler) ListInstruments(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	instruments, err := h.service.List(r.Context(), userID)
	if err != nil {
		api.InternalError(w, "failed to list instruments")
		return
	}
	if instruments == nil {
		instruments = []*domain.Instrument{}
	}

	api.WriteData(w, http.StatusOK, instruments)
}

// GetInstrument handles GET /instruments/{id}
func (h *Handler) GetInstrument(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	id, ok := instrumentID(w, r)
	if !ok {
		return
	}

	inst, err := h.service.Get(r.Context(), userID, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, inst)
}

// GetPrincipal handles GET /instruments/principal
func (h *Handler) GetPrincipal(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	inst, err := h.service.GetPrincipal(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, inst)
}

// UpdateInstrument handles PUT /instruments/{id}
func (h *Handler) UpdateInstrument(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	id, ok := instrumentID(w, r)
	if !ok {
		return
	}

	var req instrument.UpdateInstrumentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	inst, err := h.service.UpdateInstrument(r.Context(), userID, id, req, middleware.GetCorrelationID(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, inst)
}

// DeleteInstrument handles DELETE /instruments/{id}
func (h *Handler) DeleteInstrument(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	id, ok := instrumentID(w, r)
	if !ok {
		return
	}

	if err := h.service.DeleteInstrument(r.Context(), userID, id, middleware.GetCorrelationID(r.Context())); err != nil {
		writeDomainError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, map[string]string{"message": "instrument deleted"})
}

// SetPrincipal handles PATCH /instruments/{id}/principal
func (h *Handler) SetPrincipal(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	id, ok := instrumentID(w, r)
	if !ok {
		return
	}

	inst, err := h.service.SetPrincipal(r.Context(), userID, id, middleware.GetCorrelationID(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, inst)
}

// GetBalance handles GET /instruments/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	id, ok := instrumentID(w, r)
	if !ok {
		return
	}

	inst, err := h.service.Get(r.Context(), userID, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, map[string]interface{}{
		"instrument_id": inst.ID,
		"balance":       inst.Balance,
	})
}

// GetTotalBalance handles GET /instruments/balance/total
func (h *Handler) GetTotalBalance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	total, err := h.service.GetTotalBalance(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, map[string]interface{}{"total_balance": total})
}

// ValidateCardRequest is the request for POST /instruments/validate
type ValidateCardRequest struct {
	Number string `json:"number" validate:"required"`
}

// ValidateCard handles POST /instruments/validate
func (h *Handler) ValidateCard(w http.ResponseWriter, r *http.Request) {
	var req ValidateCardRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	valid, brand := h.service.ValidateCard(req.Number)

	api.WriteData(w, http.StatusOK, map[string]interface{}{
		"valid": valid,
		"brand": brand,
	})
}

// AmountRequest is the request body for recharge and debit
type AmountRequest struct {
	AmountMinorUnits int64  `json:"amount_minor_units" validate:"required,gt=0"`
	Description      string `json:"description" validate:"max=255"`
}

// Recharge handles POST /instruments/{id}/recharge
func (h *Handler) Recharge(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	id, ok := instrumentID(w, r)
	if !ok {
		return
	}

	var req AmountRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	change, err := h.service.Recharge(r.Context(), userID, id, req.AmountMinorUnits, req.Description, middleware.GetCorrelationID(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, change)
}

// Debit handles POST /instruments/{id}/debit
func (h *Handler) Debit(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	id, ok := instrumentID(w, r)
	if !ok {
		return
	}

	var req AmountRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	change, err := h.service.Debit(r.Context(), userID, id, req.AmountMinorUnits, req.Description, middleware.GetCorrelationID(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, change)
}

func instrumentID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		api.BadRequest(w, "invalid instrument ID")
		return 0, false
	}
	return id, true
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidCard):
		api.WriteError(w, http.StatusBadRequest, api.ErrCodeInvalidCard, "card number failed validation")
	case errors.Is(err, domain.ErrExpiredCard):
		api.WriteError(w, http.StatusBadRequest, api.ErrCodeValidation, "card is expired")
	case errors.Is(err, domain.ErrAmountOutOfRange):
		api.WriteError(w, http.StatusBadRequest, api.ErrCodeValidation, err.Error())
	case errors.Is(err, domain.ErrInstrumentInactive):
		api.WriteError(w, http.StatusBadRequest, api.ErrCodeValidation, "instrument is inactive")
	case errors.Is(err, domain.ErrNotFound):
		api.NotFound(w, "instrument not found")
	case errors.Is(err, domain.ErrNoPrincipal):
		api.NotFound(w, "no principal instrument")
	case errors.Is(err, domain.ErrNoActiveInstruments):
		api.NotFound(w, "no active instruments")
	case errors.Is(err, domain.ErrInsufficientBalance):
		api.WriteError(w, http.StatusConflict, api.ErrCodeInsufficientBalance, "insufficient balance")
	case errors.Is(err, domain.ErrProcessor):
		api.DependencyError(w, err.Error())
	default:
		api.InternalError(w, "operation failed")
	}
}
