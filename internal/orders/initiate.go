package orders

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/ariefcatur/marketplace-checkout/internal/payment"
)

type InitiatorConfig struct {
	ReferencePrefix string
	CallbackURL     string
}

type PaymentRedirect struct {
	OrderID          string
	Reference        string
	Attempt          int
	AuthorizationURL string
	AmountMinor      int64
	Currency         string
}

// PaymentInitiator opens a new gateway transaction for a pending order.
// Every call allocates a fresh attempt number, so retried payments of the
// same order carry distinct references.
type PaymentInitiator struct {
	base
	cfg InitiatorConfig
}

func NewPaymentInitiator(deps Deps, cfg InitiatorConfig) (*PaymentInitiator, error) {
	b, err := newBase(deps, true)
	if err != nil {
		return nil, err
	}
	return &PaymentInitiator{base: b, cfg: cfg}, nil
}

func (s *PaymentInitiator) Initiate(ctx context.Context, buyer BuyerContext, orderID string) (PaymentRedirect, error) {
	if strings.TrimSpace(buyer.Email) == "" {
		return PaymentRedirect{}, &ValidationError{Field: "email", Reason: "required"}
	}

	var (
		order   Order
		attempt PaymentAttempt
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := ownedOrder(o, buyer); err != nil {
			return err
		}
		next, err := Apply(o, EventPaymentRetried)
		if err != nil {
			return err
		}
		now := s.now()
		if next.PaymentStatus != o.PaymentStatus {
			next.UpdatedAt = now
			if err := tx.UpdateOrderState(ctx, next); err != nil {
				return err
			}
		}

		latest, err := tx.LatestAttempt(ctx, o.ID)
		if err != nil {
			return err
		}
		attempt = PaymentAttempt{
			Reference:   payment.NewReference(s.cfg.ReferencePrefix, o.ID, latest+1),
			OrderID:     o.ID,
			Attempt:     latest + 1,
			AmountMinor: o.TotalMinor,
			Currency:    o.Currency,
			Status:      AttemptInitiated,
			InitiatedAt: now,
		}
		if err := tx.InsertAttempt(ctx, attempt); err != nil {
			return err
		}
		order = next
		return nil
	})
	if err != nil {
		return PaymentRedirect{}, err
	}

	// The attempt stays "initiated" if the gateway call fails: the gateway
	// may still have created the transaction, so it is left for the sweeper
	// to verify instead of being written off.
	redirect, err := s.gateway.Initiate(ctx, payment.InitiateRequest{
		OrderID:     order.ID,
		AmountMinor: order.TotalMinor,
		Currency:    order.Currency,
		Email:       buyer.Email,
		Reference:   attempt.Reference,
		CallbackURL: s.cfg.CallbackURL,
	})
	if err != nil {
		s.log.Warn("payment initiation failed",
			zap.String("order_id", order.ID),
			zap.String("reference", attempt.Reference),
			zap.Error(err),
		)
		return PaymentRedirect{}, err
	}

	s.committed(ctx, order.ID, TopicPaymentInitiated, EventTypePaymentInitiated, PaymentPayload{
		OrderID:       order.ID,
		Reference:     attempt.Reference,
		Attempt:       attempt.Attempt,
		AmountMinor:   attempt.AmountMinor,
		Status:        order.Status,
		PaymentStatus: order.PaymentStatus,
	})
	return PaymentRedirect{
		OrderID:          order.ID,
		Reference:        attempt.Reference,
		Attempt:          attempt.Attempt,
		AuthorizationURL: redirect.AuthorizationURL,
		AmountMinor:      order.TotalMinor,
		Currency:         order.Currency,
	}, nil
}
