package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ariefcatur/marketplace-checkout/internal/observability"
	"github.com/ariefcatur/marketplace-checkout/internal/orders"
	"github.com/ariefcatur/marketplace-checkout/internal/payment"
)

// Error is the JSON error envelope returned by every handler.
type Error struct {
	Code    string
	Message string
	Status  int
	Details map[string]any
}

func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{Code: code, Message: message, Status: status}
}

func (e Error) WithDetails(details map[string]any) Error {
	e.Details = details
	return e
}

func WriteError(ctx context.Context, w http.ResponseWriter, e Error) {
	payload := map[string]any{
		"error":   e.Code,
		"message": sanitize(e.Message, 512),
		"status":  e.Status,
	}
	if id := middleware.GetReqID(ctx); id != "" {
		payload["request_id"] = id
	}
	for k, v := range e.Details {
		payload[k] = v
	}
	writeJSON(w, e.Status, payload)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// mapError translates domain errors into an actionable envelope. Anything
// unrecognised becomes a 500 with a generic message and is logged.
func mapError(err error) Error {
	var (
		verr  *orders.ValidationError
		stock *orders.InsufficientStockError
		unav  *orders.ProductUnavailableError
		state *orders.StateError
	)
	switch {
	case errors.As(err, &verr):
		return NewError("validation_error", verr.Error(), http.StatusBadRequest).
			WithDetails(map[string]any{"field": verr.Field})
	case errors.As(err, &stock):
		return NewError("insufficient_stock", stock.Error(), http.StatusConflict).
			WithDetails(map[string]any{"product_id": stock.ProductID, "requested": stock.Requested, "available": stock.Available})
	case errors.As(err, &unav):
		return NewError("product_unavailable", unav.Error(), http.StatusConflict).
			WithDetails(map[string]any{"product_id": unav.ProductID})
	case errors.Is(err, orders.ErrEmptyCart):
		return NewError("empty_cart", "cart is empty", http.StatusUnprocessableEntity)
	case errors.Is(err, orders.ErrOrderNotFound):
		return NewError("not_found", "order not found", http.StatusNotFound)
	case errors.As(err, &state):
		return NewError("invalid_state", state.Error(), http.StatusConflict).
			WithDetails(map[string]any{"order_status": state.Status, "payment_status": state.PaymentStatus})
	case errors.Is(err, orders.ErrInvalidState):
		return NewError("invalid_state", "order state does not allow this operation", http.StatusConflict)
	case errors.Is(err, orders.ErrInvalidReference):
		return NewError("invalid_reference", "payment reference is not valid for this order", http.StatusBadRequest)
	case errors.Is(err, orders.ErrAmountMismatch):
		return NewError("amount_mismatch", "payment amount does not match the order total; the payment is under review", http.StatusConflict)
	case errors.Is(err, payment.ErrPaymentUnavailable):
		return NewError("payment_unavailable", "payment provider is unavailable, try again shortly", http.StatusServiceUnavailable)
	case errors.Is(err, payment.ErrGatewayRejected):
		return NewError("payment_rejected", "payment provider rejected the request", http.StatusBadGateway)
	case errors.Is(err, payment.ErrMalformedResponse):
		return NewError("gateway_error", "payment provider returned an unexpected response", http.StatusBadGateway)
	case errors.Is(err, context.DeadlineExceeded):
		return NewError("timeout", "request timed out", http.StatusGatewayTimeout)
	default:
		return NewError("internal_error", "internal server error", http.StatusInternalServerError)
	}
}

func respondError(w http.ResponseWriter, r *http.Request, err error) {
	e := mapError(err)
	if e.Status >= http.StatusInternalServerError {
		observability.FromContext(r.Context()).Error("request failed", zap.Error(err))
	}
	WriteError(r.Context(), w, e)
}

func sanitize(value string, limit int) string {
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.TrimSpace(value)
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
