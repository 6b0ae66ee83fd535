package orders

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// FulfilmentService records vendor/admin shipping progress. Carrier
// integration lives elsewhere; only the state change is kept here.
type FulfilmentService struct {
	base
}

func NewFulfilmentService(deps Deps) (*FulfilmentService, error) {
	b, err := newBase(deps, false)
	if err != nil {
		return nil, err
	}
	return &FulfilmentService{base: b}, nil
}

func (s *FulfilmentService) Ship(ctx context.Context, orderID, trackingNumber string) (Order, error) {
	trackingNumber = strings.TrimSpace(trackingNumber)
	if trackingNumber == "" {
		return Order{}, &ValidationError{Field: "tracking_number", Reason: "required"}
	}
	o, err := s.transition(ctx, orderID, EventShip, func(o *Order) { o.TrackingNumber = trackingNumber })
	if err != nil {
		return Order{}, err
	}
	s.committed(ctx, o.ID, TopicOrderShipped, EventTypeOrderShipped, OrderStatePayload{
		OrderID:        o.ID,
		Status:         o.Status,
		PaymentStatus:  o.PaymentStatus,
		TrackingNumber: o.TrackingNumber,
	})
	return o, nil
}

func (s *FulfilmentService) Deliver(ctx context.Context, orderID string) (Order, error) {
	o, err := s.transition(ctx, orderID, EventDeliver, nil)
	if err != nil {
		return Order{}, err
	}
	s.committed(ctx, o.ID, TopicOrderDelivered, EventTypeOrderDelivered, OrderStatePayload{
		OrderID:        o.ID,
		Status:         o.Status,
		PaymentStatus:  o.PaymentStatus,
		TrackingNumber: o.TrackingNumber,
	})
	return o, nil
}

func (s *FulfilmentService) transition(ctx context.Context, orderID string, ev Event, mutate func(*Order)) (Order, error) {
	var out Order
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		next, err := Apply(o, ev)
		if err != nil {
			return err
		}
		if mutate != nil {
			mutate(&next)
		}
		next.UpdatedAt = s.now()
		if err := tx.UpdateOrderState(ctx, next); err != nil {
			return err
		}
		if next.Lines, err = tx.OrderLines(ctx, next.ID); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		s.log.Info("fulfilment rejected", zap.String("order_id", orderID), zap.String("event", string(ev)), zap.Error(err))
		return Order{}, err
	}
	s.log.Info("order "+string(out.Status), zap.String("order_id", out.ID))
	return out, nil
}
