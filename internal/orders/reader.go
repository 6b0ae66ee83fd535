package orders

import (
	"context"
	"fmt"
)

// CartReader loads a buyer's cart lines with the current product snapshot.
type CartReader struct {
	store Store
}

func NewCartReader(store Store) *CartReader {
	return &CartReader{store: store}
}

func (r *CartReader) Read(ctx context.Context, buyer BuyerContext) ([]CartItem, error) {
	if buyer.BuyerID == "" {
		return nil, &ValidationError{Field: "buyer_id", Reason: "required"}
	}
	items, err := r.store.CartItems(ctx, buyer.BuyerID)
	if err != nil {
		return nil, fmt.Errorf("read cart: %w", err)
	}
	return items, nil
}

// OrderReader serves the buyer-facing read-only view of an order.
type OrderReader struct {
	store Store
}

func NewOrderReader(store Store) *OrderReader {
	return &OrderReader{store: store}
}

// Get returns the order with its lines when it belongs to buyer.
func (r *OrderReader) Get(ctx context.Context, buyer BuyerContext, orderID string) (Order, error) {
	o, err := r.store.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if err := ownedOrder(o, buyer); err != nil {
		return Order{}, err
	}
	return o, nil
}
