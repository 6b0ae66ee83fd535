package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/marketplace-checkout/internal/observability"
	"github.com/ariefcatur/marketplace-checkout/internal/orders"
)

const HeaderStaffID = "X-Staff-ID"

type Fulfiller interface {
	Ship(ctx context.Context, orderID, trackingNumber string) (orders.Order, error)
	Deliver(ctx context.Context, orderID string) (orders.Order, error)
}

// AdminHandler serves vendor/staff fulfilment routes.
type AdminHandler struct {
	Fulfiller Fulfiller
}

func (h *AdminHandler) Register(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Use(requireStaff)
		r.Post("/orders/{id}/ship", h.ship)
		r.Post("/orders/{id}/deliver", h.deliver)
	})
}

func requireStaff(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderStaffID))
		if id == "" {
			WriteError(r.Context(), w, NewError("unauthenticated", "staff identity is required", http.StatusUnauthorized))
			return
		}
		ctx := observability.WithLogger(r.Context(), observability.FromContext(r.Context()).With(zap.String("staff_id", id)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type shipReq struct {
	TrackingNumber string `json:"tracking_number"`
}

func (h *AdminHandler) ship(w http.ResponseWriter, r *http.Request) {
	var req shipReq
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&req); err != nil {
		WriteError(r.Context(), w, NewError("invalid_json", "request body is not valid JSON", http.StatusBadRequest))
		return
	}
	o, err := h.Fulfiller.Ship(r.Context(), chi.URLParam(r, "id"), req.TrackingNumber)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderView(o))
}

func (h *AdminHandler) deliver(w http.ResponseWriter, r *http.Request) {
	o, err := h.Fulfiller.Deliver(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderView(o))
}
