package orders

import (
	"context"

	"go.uber.org/zap"
)

// CancellationService lets a buyer cancel an order that has not shipped.
type CancellationService struct {
	base
}

func NewCancellationService(deps Deps) (*CancellationService, error) {
	b, err := newBase(deps, false)
	if err != nil {
		return nil, err
	}
	return &CancellationService{base: b}, nil
}

// Cancel moves the order to cancelled and returns every reserved unit to
// stock in the same transaction. A paid order is marked refunded; issuing
// the refund itself is left to the payments team.
func (s *CancellationService) Cancel(ctx context.Context, buyer BuyerContext, orderID string) (Order, error) {
	var (
		cancelled Order
		restocked []LineQty
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		restocked = nil
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := ownedOrder(o, buyer); err != nil {
			return err
		}
		next, err := Apply(o, EventCancel)
		if err != nil {
			return err
		}

		lines, err := tx.OrderLines(ctx, o.ID)
		if err != nil {
			return err
		}
		for _, l := range lines {
			if err := tx.IncrementStock(ctx, l.ProductID, l.Quantity); err != nil {
				return err
			}
			restocked = append(restocked, LineQty{ProductID: l.ProductID, Qty: l.Quantity})
		}

		next.UpdatedAt = s.now()
		if err := tx.UpdateOrderState(ctx, next); err != nil {
			return err
		}
		next.Lines = lines
		cancelled = next
		return nil
	})
	if err != nil {
		s.log.Info("cancel rejected", zap.String("order_id", orderID), zap.Error(err))
		return Order{}, err
	}

	s.log.Info("order cancelled",
		zap.String("order_id", cancelled.ID),
		zap.String("payment_status", string(cancelled.PaymentStatus)),
		zap.Int("lines_restocked", len(restocked)),
	)
	s.committed(ctx, cancelled.ID, TopicOrderCancelled, EventTypeOrderCancelled, OrderStatePayload{
		OrderID:       cancelled.ID,
		Status:        cancelled.Status,
		PaymentStatus: cancelled.PaymentStatus,
		Restocked:     restocked,
	})
	return cancelled, nil
}
