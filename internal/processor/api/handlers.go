package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"urbanride/internal/common/api"
	"urbanride/internal/common/middleware"
	"urbanride/internal/processor"
)

// Handler handles processor-facing HTTP requests
type Handler struct {
	client *processor.Client
}

// NewHandler creates a new processor handler
func NewHandler(client *processor.Client) *Handler {
	return &Handler{client: client}
}

// Routes returns the payments routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/setup-intent", h.CreateSetupIntent)

	return r
}

// CreateSetupIntent handles POST /payments/setup-intent. The returned
// client secret lets the user's client register a card directly with the
// processor; the ledger instrument is created later by the webhook.
func (h *Handler) CreateSetupIntent(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	si, err := h.client.CreateSetupIntent(r.Context(), userID)
	if err != nil {
		api.DependencyError(w, err.Error())
		return
	}

	api.WriteData(w, http.StatusOK, si)
}
