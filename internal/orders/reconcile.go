package orders

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/ariefcatur/marketplace-checkout/internal/payment"
)

const defaultMaxVerifications = 10

type Outcome string

const (
	OutcomePaid     Outcome = "paid"
	OutcomeFailed   Outcome = "failed"
	OutcomePending  Outcome = "pending"
	OutcomeRejected Outcome = "rejected"
)

type ReconciliationResult struct {
	OrderID       string
	Reference     string
	Outcome       Outcome
	Status        Status
	PaymentStatus PaymentStatus
	// Replayed is true when this call applied nothing because the result
	// had already been applied earlier.
	Replayed bool
}

type ReconcilerConfig struct {
	// MaxVerifications bounds how often an unresolved attempt is re-verified
	// through retry events and the sweeper.
	MaxVerifications int
}

// Reconciler applies gateway verification results to orders. The
// confirmation page, the webhook, the retry consumer and the sweeper all
// funnel through Reconcile, which may be called any number of times for the
// same reference.
type Reconciler struct {
	base
	maxVerifications int
}

func NewReconciler(deps Deps, cfg ReconcilerConfig) (*Reconciler, error) {
	b, err := newBase(deps, true)
	if err != nil {
		return nil, err
	}
	max := cfg.MaxVerifications
	if max <= 0 {
		max = defaultMaxVerifications
	}
	return &Reconciler{base: b, maxVerifications: max}, nil
}

// MaxVerifications is the verification budget shared with the sweeper.
func (r *Reconciler) MaxVerifications() int { return r.maxVerifications }

// ReconcileReference resolves the order owning reference, then reconciles it.
func (r *Reconciler) ReconcileReference(ctx context.Context, reference string) (ReconciliationResult, error) {
	reference = strings.TrimSpace(reference)
	a, err := r.store.AttemptByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, ErrAttemptNotFound) {
			r.log.Warn("unknown payment reference", zap.String("reference", reference))
			return ReconciliationResult{}, ErrInvalidReference
		}
		return ReconciliationResult{}, err
	}
	return r.Reconcile(ctx, a.OrderID, reference)
}

// Reconcile verifies reference with the gateway and applies the result to
// the order exactly once. The gateway is never called while rows are
// locked; the settled check is repeated under the order lock before
// anything is written, so racing callers apply side effects at most once.
func (r *Reconciler) Reconcile(ctx context.Context, orderID, reference string) (ReconciliationResult, error) {
	orderID = strings.TrimSpace(orderID)
	reference = strings.TrimSpace(reference)
	if orderID == "" || reference == "" {
		return ReconciliationResult{}, ErrInvalidReference
	}
	log := r.log.With(zap.String("order_id", orderID), zap.String("reference", reference))

	order, err := r.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			log.Warn("reconcile for unknown order")
			return ReconciliationResult{}, ErrInvalidReference
		}
		return ReconciliationResult{}, err
	}
	attempt, err := r.store.AttemptByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, ErrAttemptNotFound) {
			log.Warn("reconcile for unknown reference")
			return ReconciliationResult{}, ErrInvalidReference
		}
		return ReconciliationResult{}, err
	}
	if attempt.OrderID != order.ID {
		log.Warn("reference belongs to another order", zap.String("owner_order_id", attempt.OrderID))
		return ReconciliationResult{}, ErrInvalidReference
	}
	if res, err, ok := settled(order, attempt); ok {
		return res, err
	}

	v, verr := r.gateway.Verify(ctx, reference)
	if verr != nil {
		return r.unverified(ctx, log, order, reference, verr)
	}

	var (
		res    ReconciliationResult
		resErr error
		after  func()
	)
	err = r.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		after = nil
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		a, err := tx.LockAttempt(ctx, reference)
		if err != nil {
			return err
		}
		if settledRes, settledErr, ok := settled(o, a); ok {
			res, resErr = settledRes, settledErr
			return nil
		}

		now := r.now()
		a.VerifyCount++
		a.LastVerifiedAt = &now

		switch v.Status {
		case payment.StatusSuccess:
			if v.AmountMinor != o.TotalMinor || !strings.EqualFold(v.Currency, o.Currency) {
				a.Status = AttemptAmountMismatch
				a.AppliedAt = &now
				if err := tx.UpdateAttempt(ctx, a); err != nil {
					return err
				}
				res, resErr = result(o, a, OutcomeRejected, false), ErrAmountMismatch
				after = func() {
					log.Error("verified amount does not match order total",
						zap.Int64("verified_minor", v.AmountMinor),
						zap.String("verified_currency", v.Currency),
						zap.Int64("order_total_minor", o.TotalMinor),
						zap.String("order_currency", o.Currency),
					)
					r.committed(ctx, o.ID, TopicPaymentRejected, EventTypePaymentRejected, paymentPayload(o, a, "amount_mismatch"))
				}
				return nil
			}

			next, err := Apply(o, EventPaymentSucceeded)
			if err != nil {
				a.Status = AttemptUnapplied
				a.AppliedAt = &now
				if err := tx.UpdateAttempt(ctx, a); err != nil {
					return err
				}
				res, resErr = result(o, a, OutcomeRejected, false), err
				after = func() {
					log.Error("payment captured for an order that can no longer be confirmed; refund manually",
						zap.String("status", string(o.Status)),
						zap.String("payment_status", string(o.PaymentStatus)),
					)
					r.committed(ctx, o.ID, TopicPaymentRejected, EventTypePaymentRejected, paymentPayload(o, a, "order_not_confirmable"))
				}
				return nil
			}
			next.UpdatedAt = now
			if err := tx.UpdateOrderState(ctx, next); err != nil {
				return err
			}
			cleared, err := tx.ClearCart(ctx, o.BuyerID)
			if err != nil {
				return err
			}
			a.Status = AttemptSuccess
			a.AppliedAt = &now
			if err := tx.UpdateAttempt(ctx, a); err != nil {
				return err
			}
			res = result(next, a, OutcomePaid, false)
			after = func() {
				log.Info("payment confirmed", zap.Int("cart_lines_cleared", cleared))
				r.committed(ctx, next.ID, TopicPaymentConfirmed, EventTypePaymentConfirmed, paymentPayload(next, a, ""))
			}

		case payment.StatusFailed:
			a.Status = AttemptFailed
			a.AppliedAt = &now
			latest, err := tx.LatestAttempt(ctx, o.ID)
			if err != nil {
				return err
			}
			next := o
			// Only the newest attempt speaks for the order; an older attempt
			// failing must not override a retry in flight.
			if a.Attempt == latest && o.Status == StatusPending && o.PaymentStatus == PaymentPending {
				if next, err = Apply(o, EventPaymentFailed); err != nil {
					return err
				}
				next.UpdatedAt = now
				if err := tx.UpdateOrderState(ctx, next); err != nil {
					return err
				}
			}
			if err := tx.UpdateAttempt(ctx, a); err != nil {
				return err
			}
			res = result(next, a, OutcomeFailed, false)
			after = func() {
				log.Info("payment failed", zap.String("gateway_status", v.GatewayStatus))
				r.committed(ctx, next.ID, TopicPaymentFailed, EventTypePaymentFailed, paymentPayload(next, a, v.GatewayStatus))
			}

		default:
			a.Status = AttemptPending
			// An order that no longer awaits payment keeps a pending sibling
			// under watch for a late capture until the budget runs out, then
			// closes it.
			if o.Status != StatusPending && a.VerifyCount >= r.maxVerifications {
				a.Status = AttemptSuperseded
				a.AppliedAt = &now
			}
			if err := tx.UpdateAttempt(ctx, a); err != nil {
				return err
			}
			if a.Applied() {
				res, resErr = result(o, a, OutcomeRejected, false), newStateError(o, EventPaymentSucceeded)
				after = func() {
					log.Warn("closed unresolved attempt for an order that no longer awaits payment",
						zap.String("status", string(o.Status)),
						zap.Int("verify_count", a.VerifyCount),
					)
				}
				return nil
			}
			res = result(o, a, OutcomePending, false)
			after = func() { r.retryLater(ctx, o, a, v.GatewayStatus) }
		}
		return nil
	})
	if err != nil {
		log.Error("reconcile transaction failed", zap.Error(err))
		return ReconciliationResult{}, err
	}
	if after != nil {
		after()
	}
	return res, resErr
}

// unverified handles a Verify error. Order state is left as it is; only the
// attempt's verify count moves so retries stay bounded.
func (r *Reconciler) unverified(ctx context.Context, log *zap.Logger, order Order, reference string, verr error) (ReconciliationResult, error) {
	log.Warn("payment verification failed", zap.Error(verr))

	var a PaymentAttempt
	err := r.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		if a, err = tx.LockAttempt(ctx, reference); err != nil {
			return err
		}
		if a.Applied() {
			return nil
		}
		now := r.now()
		a.VerifyCount++
		a.LastVerifiedAt = &now
		return tx.UpdateAttempt(ctx, a)
	})
	if err != nil {
		log.Error("record verification attempt", zap.Error(err))
		return ReconciliationResult{}, verr
	}
	if a.Applied() {
		// Settled by a concurrent caller while the gateway was unreachable.
		o, err := r.store.GetOrder(ctx, order.ID)
		if err != nil {
			return ReconciliationResult{}, err
		}
		res, serr, _ := settled(o, a)
		return res, serr
	}

	if errors.Is(verr, payment.ErrPaymentUnavailable) {
		r.retryLater(ctx, order, a, "unavailable")
	}
	return result(order, a, OutcomePending, false), verr
}

// retryLater asks the reconciler process to verify again while the attempt
// still has verification budget left.
func (r *Reconciler) retryLater(ctx context.Context, o Order, a PaymentAttempt, reason string) {
	if a.VerifyCount >= r.maxVerifications {
		r.log.Warn("payment still unresolved after verification budget",
			zap.String("order_id", o.ID),
			zap.String("reference", a.Reference),
			zap.Int("verify_count", a.VerifyCount),
		)
		return
	}
	r.committed(ctx, o.ID, TopicPaymentPending, EventTypePaymentPending, paymentPayload(o, a, reason))
}

// settled reports the stored outcome once the attempt's result has been
// applied. An unapplied attempt is always verified, even when the order was
// paid through a sibling: a second capture must be caught and refunded.
func settled(o Order, a PaymentAttempt) (ReconciliationResult, error, bool) {
	if a.Applied() {
		switch a.Status {
		case AttemptSuccess:
			return result(o, a, OutcomePaid, true), nil, true
		case AttemptFailed:
			return result(o, a, OutcomeFailed, true), nil, true
		case AttemptAmountMismatch:
			return result(o, a, OutcomeRejected, true), ErrAmountMismatch, true
		default:
			return result(o, a, OutcomeRejected, true), newStateError(o, EventPaymentSucceeded), true
		}
	}
	return ReconciliationResult{}, nil, false
}

func result(o Order, a PaymentAttempt, outcome Outcome, replayed bool) ReconciliationResult {
	return ReconciliationResult{
		OrderID:       o.ID,
		Reference:     a.Reference,
		Outcome:       outcome,
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
		Replayed:      replayed,
	}
}

func paymentPayload(o Order, a PaymentAttempt, reason string) PaymentPayload {
	return PaymentPayload{
		OrderID:       o.ID,
		Reference:     a.Reference,
		Attempt:       a.Attempt,
		AmountMinor:   a.AmountMinor,
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
		Reason:        reason,
	}
}
