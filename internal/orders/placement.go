package orders

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PlacedOrder is what checkout hands back to the buyer-facing layer.
type PlacedOrder struct {
	OrderID       string
	SubtotalMinor int64
	ShippingMinor int64
	TaxMinor      int64
	TotalMinor    int64
	Currency      string
}

// PlacementService turns a buyer's cart into an order and reserves its stock.
type PlacementService struct {
	base
	pricing Pricing
}

func NewPlacementService(deps Deps, pricing Pricing) (*PlacementService, error) {
	b, err := newBase(deps, false)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(pricing.Currency) == "" {
		return nil, errors.New("orders: pricing currency is required")
	}
	if pricing.ShippingMinor < 0 || pricing.TaxRate.IsNegative() {
		return nil, errors.New("orders: shipping and tax rate must not be negative")
	}
	pricing.Currency = strings.ToUpper(strings.TrimSpace(pricing.Currency))
	return &PlacementService{base: b, pricing: pricing}, nil
}

// PlaceOrder creates a pending order from the buyer's cart in one
// transaction: products are locked, stock is checked and decremented with a
// guarded update, and the order with its lines is inserted. Any failure rolls
// back everything. The cart is left untouched; it is cleared only when
// payment is confirmed.
func (s *PlacementService) PlaceOrder(ctx context.Context, buyer BuyerContext, shipping, billing Address) (PlacedOrder, error) {
	if strings.TrimSpace(buyer.BuyerID) == "" {
		return PlacedOrder{}, &ValidationError{Field: "buyer_id", Reason: "required"}
	}
	shipping = trimAddress(shipping)
	if err := validateAddress("shipping_address", shipping); err != nil {
		return PlacedOrder{}, err
	}
	billing = trimAddress(billing)
	if billing.IsZero() {
		billing = shipping
	} else if err := validateAddress("billing_address", billing); err != nil {
		return PlacedOrder{}, err
	}

	orderID := uuid.NewString()
	var (
		placed PlacedOrder
		lines  []OrderLine
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		items, err := tx.CartItems(ctx, buyer.BuyerID)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return ErrEmptyCart
		}

		ids := make([]string, 0, len(items))
		for _, it := range items {
			if it.Quantity <= 0 {
				return &ValidationError{Field: "quantity", Reason: "must be positive for product " + it.ProductID}
			}
			ids = append(ids, it.ProductID)
		}

		products, err := tx.LockProducts(ctx, ids)
		if err != nil {
			return err
		}
		for _, it := range items {
			p, ok := products[it.ProductID]
			if !ok || p.Status != ProductActive {
				return &ProductUnavailableError{ProductID: it.ProductID}
			}
			if it.Quantity > p.StockQuantity {
				return &InsufficientStockError{ProductID: p.ID, Requested: it.Quantity, Available: p.StockQuantity}
			}
		}

		var totals Totals
		lines, totals, err = s.pricing.Price(orderID, items, products)
		if err != nil {
			return err
		}

		now := s.now()
		order := Order{
			ID:              orderID,
			BuyerID:         buyer.BuyerID,
			Status:          StatusPending,
			PaymentStatus:   PaymentPending,
			Currency:        s.pricing.Currency,
			ShippingMinor:   totals.ShippingMinor,
			TaxMinor:        totals.TaxMinor,
			TotalMinor:      totals.TotalMinor,
			ShippingAddress: shipping,
			BillingAddress:  billing,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		if err := tx.InsertOrderLines(ctx, lines); err != nil {
			return err
		}

		for _, l := range lines {
			ok, err := tx.DecrementStock(ctx, l.ProductID, l.Quantity)
			if err != nil {
				return err
			}
			if !ok {
				return &InsufficientStockError{ProductID: l.ProductID, Requested: l.Quantity, Available: products[l.ProductID].StockQuantity}
			}
		}

		placed = PlacedOrder{
			OrderID:       orderID,
			SubtotalMinor: totals.SubtotalMinor,
			ShippingMinor: totals.ShippingMinor,
			TaxMinor:      totals.TaxMinor,
			TotalMinor:    totals.TotalMinor,
			Currency:      order.Currency,
		}
		return nil
	})
	if err != nil {
		s.log.Info("place order rejected", zap.String("buyer_id", buyer.BuyerID), zap.Error(err))
		return PlacedOrder{}, err
	}

	s.log.Info("order placed",
		zap.String("order_id", placed.OrderID),
		zap.String("buyer_id", buyer.BuyerID),
		zap.Int64("total_minor", placed.TotalMinor),
	)
	qty := make([]LineQty, 0, len(lines))
	for _, l := range lines {
		qty = append(qty, LineQty{ProductID: l.ProductID, Qty: l.Quantity})
	}
	s.committed(ctx, placed.OrderID, TopicOrderPlaced, EventTypeOrderPlaced, OrderPlacedPayload{
		OrderID:    placed.OrderID,
		BuyerID:    buyer.BuyerID,
		Lines:      qty,
		TotalMinor: placed.TotalMinor,
		Currency:   placed.Currency,
	})
	return placed, nil
}

func trimAddress(a Address) Address {
	return Address{
		FullName:   strings.TrimSpace(a.FullName),
		Address:    strings.TrimSpace(a.Address),
		City:       strings.TrimSpace(a.City),
		State:      strings.TrimSpace(a.State),
		Country:    strings.TrimSpace(a.Country),
		Phone:      strings.TrimSpace(a.Phone),
		PostalCode: strings.TrimSpace(a.PostalCode),
	}
}

func validateAddress(field string, a Address) error {
	required := []struct {
		name, value string
	}{
		{"full_name", a.FullName},
		{"address", a.Address},
		{"city", a.City},
		{"state", a.State},
		{"country", a.Country},
		{"phone", a.Phone},
	}
	for _, r := range required {
		if r.value == "" {
			return &ValidationError{Field: field + "." + r.name, Reason: "required"}
		}
	}
	return nil
}
