package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/marketplace-checkout/internal/observability"
	"github.com/ariefcatur/marketplace-checkout/internal/orders"
)

const (
	HeaderBuyerID    = "X-Buyer-ID"
	HeaderBuyerEmail = "X-Buyer-Email"
)

type (
	Placer interface {
		PlaceOrder(ctx context.Context, buyer orders.BuyerContext, shipping, billing orders.Address) (orders.PlacedOrder, error)
	}
	Initiator interface {
		Initiate(ctx context.Context, buyer orders.BuyerContext, orderID string) (orders.PaymentRedirect, error)
	}
	OrderGetter interface {
		Get(ctx context.Context, buyer orders.BuyerContext, orderID string) (orders.Order, error)
	}
	CartViewer interface {
		Read(ctx context.Context, buyer orders.BuyerContext) ([]orders.CartItem, error)
	}
	Canceller interface {
		Cancel(ctx context.Context, buyer orders.BuyerContext, orderID string) (orders.Order, error)
	}
	// OrderCache is the read-through cache in front of OrderGetter.
	OrderCache interface {
		Get(ctx context.Context, orderID string) (orders.Order, bool, error)
		Put(ctx context.Context, o orders.Order) error
	}
)

// CheckoutHandler serves the buyer-facing routes. The buyer identity comes
// from headers set by the upstream auth layer.
type CheckoutHandler struct {
	Cart      CartViewer
	Placer    Placer
	Initiator Initiator
	Orders    OrderGetter
	Canceller Canceller
	Cache     OrderCache // optional
}

type cartLineView struct {
	ProductID      string `json:"product_id"`
	VendorID       string `json:"vendor_id"`
	Name           string `json:"name"`
	Quantity       int    `json:"quantity"`
	UnitPriceMinor int64  `json:"unit_price_minor"`
	LineTotalMinor int64  `json:"line_total_minor"`
	StockQuantity  int    `json:"stock_quantity"`
	Available      bool   `json:"available"`
}

type cartView struct {
	Lines         []cartLineView `json:"lines"`
	SubtotalMinor int64          `json:"subtotal_minor"`
	// Checkoutable is only a hint; stock is checked again under lock at checkout.
	Checkoutable bool `json:"checkoutable"`
}

type checkoutReq struct {
	ShippingAddress orders.Address `json:"shipping_address"`
	BillingAddress  orders.Address `json:"billing_address"`
}

type paymentResp struct {
	Reference        string `json:"reference"`
	Attempt          int    `json:"attempt"`
	AuthorizationURL string `json:"authorization_url"`
	AmountMinor      int64  `json:"amount_minor"`
	Currency         string `json:"currency"`
}

type checkoutResp struct {
	OrderID       string       `json:"order_id"`
	SubtotalMinor int64        `json:"subtotal_minor"`
	ShippingMinor int64        `json:"shipping_minor"`
	TaxMinor      int64        `json:"tax_minor"`
	TotalMinor    int64        `json:"total_minor"`
	Currency      string       `json:"currency"`
	Payment       *paymentResp `json:"payment,omitempty"`
	PaymentError  string       `json:"payment_error,omitempty"`
}

type orderLineView struct {
	ProductID       string `json:"product_id"`
	VendorID        string `json:"vendor_id"`
	Quantity        int    `json:"quantity"`
	UnitPriceMinor  int64  `json:"unit_price_minor"`
	TotalPriceMinor int64  `json:"total_price_minor"`
}

type orderView struct {
	ID              string          `json:"id"`
	Status          string          `json:"status"`
	PaymentStatus   string          `json:"payment_status"`
	Currency        string          `json:"currency"`
	SubtotalMinor   int64           `json:"subtotal_minor"`
	ShippingMinor   int64           `json:"shipping_minor"`
	TaxMinor        int64           `json:"tax_minor"`
	TotalMinor      int64           `json:"total_minor"`
	ShippingAddress orders.Address  `json:"shipping_address"`
	BillingAddress  orders.Address  `json:"billing_address"`
	TrackingNumber  string          `json:"tracking_number,omitempty"`
	Lines           []orderLineView `json:"lines"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func toOrderView(o orders.Order) orderView {
	lines := make([]orderLineView, 0, len(o.Lines))
	for _, l := range o.Lines {
		lines = append(lines, orderLineView{
			ProductID:       l.ProductID,
			VendorID:        l.VendorID,
			Quantity:        l.Quantity,
			UnitPriceMinor:  l.UnitPriceMinor,
			TotalPriceMinor: l.TotalPriceMinor,
		})
	}
	return orderView{
		ID:              o.ID,
		Status:          string(o.Status),
		PaymentStatus:   string(o.PaymentStatus),
		Currency:        o.Currency,
		SubtotalMinor:   o.Subtotal(),
		ShippingMinor:   o.ShippingMinor,
		TaxMinor:        o.TaxMinor,
		TotalMinor:      o.TotalMinor,
		ShippingAddress: o.ShippingAddress,
		BillingAddress:  o.BillingAddress,
		TrackingNumber:  o.TrackingNumber,
		Lines:           lines,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

func (h *CheckoutHandler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(requireBuyer)
		r.Get("/cart", h.getCart)
		r.Post("/checkout", h.checkout)
		r.Post("/orders/{id}/payments", h.retryPayment)
		r.Get("/orders/{id}", h.getOrder)
		r.Post("/orders/{id}/cancel", h.cancel)
	})
}

type buyerKey struct{}

func requireBuyer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderBuyerID))
		if id == "" {
			WriteError(r.Context(), w, NewError("unauthenticated", "buyer identity is required", http.StatusUnauthorized))
			return
		}
		buyer := orders.BuyerContext{BuyerID: id, Email: strings.TrimSpace(r.Header.Get(HeaderBuyerEmail))}
		ctx := context.WithValue(r.Context(), buyerKey{}, buyer)
		ctx = observability.WithLogger(ctx, observability.FromContext(ctx).With(zap.String("buyer_id", id)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func buyerFrom(ctx context.Context) orders.BuyerContext {
	b, _ := ctx.Value(buyerKey{}).(orders.BuyerContext)
	return b
}

func (h *CheckoutHandler) getCart(w http.ResponseWriter, r *http.Request) {
	items, err := h.Cart.Read(r.Context(), buyerFrom(r.Context()))
	if err != nil {
		respondError(w, r, err)
		return
	}
	view := cartView{Lines: make([]cartLineView, 0, len(items)), Checkoutable: len(items) > 0}
	for _, it := range items {
		available := it.Product.Status == orders.ProductActive && it.Product.StockQuantity >= it.Quantity
		line := cartLineView{
			ProductID:      it.ProductID,
			VendorID:       it.Product.VendorID,
			Name:           it.Product.Name,
			Quantity:       it.Quantity,
			UnitPriceMinor: it.Product.PriceMinor,
			LineTotalMinor: it.Product.PriceMinor * int64(it.Quantity),
			StockQuantity:  it.Product.StockQuantity,
			Available:      available,
		}
		view.SubtotalMinor += line.LineTotalMinor
		view.Checkoutable = view.Checkoutable && available
		view.Lines = append(view.Lines, line)
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *CheckoutHandler) checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutReq
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		WriteError(r.Context(), w, NewError("invalid_json", "request body is not valid JSON", http.StatusBadRequest))
		return
	}
	ctx := r.Context()
	buyer := buyerFrom(ctx)

	placed, err := h.Placer.PlaceOrder(ctx, buyer, req.ShippingAddress, req.BillingAddress)
	if err != nil {
		respondError(w, r, err)
		return
	}
	resp := checkoutResp{
		OrderID:       placed.OrderID,
		SubtotalMinor: placed.SubtotalMinor,
		ShippingMinor: placed.ShippingMinor,
		TaxMinor:      placed.TaxMinor,
		TotalMinor:    placed.TotalMinor,
		Currency:      placed.Currency,
	}

	// The order exists from here on; a payment failure is reported alongside
	// it so the buyer can retry through /orders/{id}/payments.
	redirect, err := h.Initiator.Initiate(ctx, buyer, placed.OrderID)
	if err != nil {
		observability.FromContext(ctx).Warn("payment initiation after checkout failed",
			zap.String("order_id", placed.OrderID), zap.Error(err))
		resp.PaymentError = mapError(err).Message
	} else {
		resp.Payment = toPaymentResp(redirect)
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *CheckoutHandler) retryPayment(w http.ResponseWriter, r *http.Request) {
	redirect, err := h.Initiator.Initiate(r.Context(), buyerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentResp(redirect))
}

func toPaymentResp(p orders.PaymentRedirect) *paymentResp {
	return &paymentResp{
		Reference:        p.Reference,
		Attempt:          p.Attempt,
		AuthorizationURL: p.AuthorizationURL,
		AmountMinor:      p.AmountMinor,
		Currency:         p.Currency,
	}
}

func (h *CheckoutHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	buyer := buyerFrom(ctx)
	orderID := chi.URLParam(r, "id")

	if h.Cache != nil {
		if o, ok, err := h.Cache.Get(ctx, orderID); err == nil && ok && o.BuyerID == buyer.BuyerID {
			writeJSON(w, http.StatusOK, toOrderView(o))
			return
		} else if err != nil {
			observability.FromContext(ctx).Warn("order cache read failed", zap.String("order_id", orderID), zap.Error(err))
		}
	}

	o, err := h.Orders.Get(ctx, buyer, orderID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if h.Cache != nil {
		if err := h.Cache.Put(ctx, o); err != nil {
			observability.FromContext(ctx).Warn("order cache write failed", zap.String("order_id", orderID), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, toOrderView(o))
}

func (h *CheckoutHandler) cancel(w http.ResponseWriter, r *http.Request) {
	o, err := h.Canceller.Cancel(r.Context(), buyerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderView(o))
}
