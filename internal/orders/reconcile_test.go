package orders_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/marketplace-checkout/internal/orders"
	"github.com/ariefcatur/marketplace-checkout/internal/payment"
)

func TestReconcileSuccessAndReplay(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	placed, redirect := f.placeAndInitiate(t)
	f.gw.set(redirect.Reference, payment.StatusSuccess, 2759, "USD")

	res, err := f.reconciler.Reconcile(ctx, placed.OrderID, redirect.Reference)
	require.NoError(t, err)
	assert.Equal(t, orders.ReconciliationResult{
		OrderID:       placed.OrderID,
		Reference:     redirect.Reference,
		Outcome:       orders.OutcomePaid,
		Status:        orders.StatusConfirmed,
		PaymentStatus: orders.PaymentPaid,
	}, res)

	o := f.order(t, placed.OrderID)
	assert.Equal(t, orders.StatusConfirmed, o.Status)
	assert.Equal(t, orders.PaymentPaid, o.PaymentStatus)
	assert.Equal(t, 3, f.stock(t, "7"), "stock was taken at placement, not again on payment")
	assert.Empty(t, f.store.CartLines(buyer.BuyerID))

	attempts := f.store.Attempts(placed.OrderID)
	require.Len(t, attempts, 1)
	assert.Equal(t, orders.AttemptSuccess, attempts[0].Status)
	assert.True(t, attempts[0].Applied())
	assert.Equal(t, 1, attempts[0].VerifyCount)

	again, err := f.reconciler.Reconcile(ctx, placed.OrderID, redirect.Reference)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, orders.OutcomePaid, again.Outcome)
	assert.Equal(t, orders.StatusConfirmed, again.Status)

	assert.Equal(t, 1, f.gw.calls(), "a settled attempt is not verified again")
	assert.Equal(t, 1, f.store.CartClears())
	assert.Equal(t, 1, f.pub.count(orders.TopicPaymentConfirmed))
	assert.Positive(t, f.cache.invalidated[placed.OrderID])
}

func TestReconcileConcurrentCallersApplyOnce(t *testing.T) {
	f := newFixture(t, nil)
	placed, redirect := f.placeAndInitiate(t)
	f.gw.set(redirect.Reference, payment.StatusSuccess, placed.TotalMinor, placed.Currency)

	const callers = 8
	var (
		g       errgroup.Group
		results = make([]orders.ReconciliationResult, callers)
	)
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			res, err := f.reconciler.Reconcile(context.Background(), placed.OrderID, redirect.Reference)
			results[i] = res
			return err
		})
	}
	require.NoError(t, g.Wait())

	fresh := 0
	for _, res := range results {
		assert.Equal(t, orders.OutcomePaid, res.Outcome)
		if !res.Replayed {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Equal(t, 1, f.store.CartClears())
	assert.Equal(t, 1, f.pub.count(orders.TopicPaymentConfirmed))
	assert.Equal(t, 3, f.stock(t, "7"))
}

func TestReconcileAmountMismatchIsTerminal(t *testing.T) {
	cases := []struct {
		name     string
		amount   int64
		currency string
	}{
		{name: "short amount", amount: 2758, currency: "USD"},
		{name: "other currency", amount: 2759, currency: "NGN"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.ErrorLevel)
			f := newFixture(t, zap.New(core))
			ctx := context.Background()
			placed, redirect := f.placeAndInitiate(t)
			f.gw.set(redirect.Reference, payment.StatusSuccess, tc.amount, tc.currency)

			res, err := f.reconciler.Reconcile(ctx, placed.OrderID, redirect.Reference)
			require.ErrorIs(t, err, orders.ErrAmountMismatch)
			assert.Equal(t, orders.OutcomeRejected, res.Outcome)

			o := f.order(t, placed.OrderID)
			assert.Equal(t, orders.StatusPending, o.Status)
			assert.Equal(t, orders.PaymentPending, o.PaymentStatus)
			assert.Len(t, f.store.CartLines(buyer.BuyerID), 1)
			assert.Equal(t, orders.AttemptAmountMismatch, f.store.Attempts(placed.OrderID)[0].Status)
			assert.Equal(t, 1, f.pub.count(orders.TopicPaymentRejected))
			assert.Equal(t, 1, logs.FilterMessage("verified amount does not match order total").Len())

			res, err = f.reconciler.Reconcile(ctx, placed.OrderID, redirect.Reference)
			require.ErrorIs(t, err, orders.ErrAmountMismatch)
			assert.True(t, res.Replayed)
			assert.Equal(t, 1, f.gw.calls())
			assert.Equal(t, 1, f.pub.count(orders.TopicPaymentRejected))
		})
	}
}

func TestReconcileCurrencyCaseInsensitive(t *testing.T) {
	f := newFixture(t, nil)
	placed, redirect := f.placeAndInitiate(t)
	f.gw.set(redirect.Reference, payment.StatusSuccess, placed.TotalMinor, "usd")

	res, err := f.reconciler.Reconcile(context.Background(), placed.OrderID, redirect.Reference)
	require.NoError(t, err)
	assert.Equal(t, orders.OutcomePaid, res.Outcome)
}

func TestReconcileFailedThenRetrySucceeds(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	placed, first := f.placeAndInitiate(t)
	f.gw.set(first.Reference, payment.StatusFailed, 0, "")

	res, err := f.reconciler.Reconcile(ctx, placed.OrderID, first.Reference)
	require.NoError(t, err)
	assert.Equal(t, orders.OutcomeFailed, res.Outcome)
	assert.Equal(t, orders.StatusPending, res.Status)
	assert.Equal(t, orders.PaymentFailed, res.PaymentStatus)
	assert.Equal(t, 3, f.stock(t, "7"), "a failed payment keeps the reservation")
	assert.Len(t, f.store.CartLines(buyer.BuyerID), 1)
	assert.Equal(t, 1, f.pub.count(orders.TopicPaymentFailed))

	second, err := f.initiator.Initiate(ctx, buyer, placed.OrderID)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Attempt)
	assert.Equal(t, fmt.Sprintf("MKT-%s-2", placed.OrderID), second.Reference)
	assert.Equal(t, orders.PaymentPending, f.order(t, placed.OrderID).PaymentStatus)

	f.gw.set(second.Reference, payment.StatusSuccess, placed.TotalMinor, placed.Currency)
	res, err = f.reconciler.Reconcile(ctx, placed.OrderID, second.Reference)
	require.NoError(t, err)
	assert.Equal(t, orders.OutcomePaid, res.Outcome)
	assert.Equal(t, orders.StatusConfirmed, f.order(t, placed.OrderID).Status)

	// The first attempt stays failed; replaying it reports the paid order.
	res, err = f.reconciler.Reconcile(ctx, placed.OrderID, first.Reference)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, orders.PaymentPaid, res.PaymentStatus)
}

func TestReconcileOlderAttemptFailureDoesNotOverrideLatest(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	placed, first := f.placeAndInitiate(t)
	second, err := f.initiator.Initiate(ctx, buyer, placed.OrderID)
	require.NoError(t, err)

	f.gw.set(first.Reference, payment.StatusFailed, 0, "")
	res, err := f.reconciler.Reconcile(ctx, placed.OrderID, first.Reference)
	require.NoError(t, err)
	assert.Equal(t, orders.OutcomeFailed, res.Outcome)
	assert.Equal(t, orders.PaymentPending, f.order(t, placed.OrderID).PaymentStatus)

	attempts := f.store.Attempts(placed.OrderID)
	require.Len(t, attempts, 2)
	assert.Equal(t, orders.AttemptFailed, attempts[0].Status)
	assert.Equal(t, orders.AttemptInitiated, attempts[1].Status)

	f.gw.set(second.Reference, payment.StatusSuccess, placed.TotalMinor, placed.Currency)
	res, err = f.reconciler.Reconcile(ctx, placed.OrderID, second.Reference)
	require.NoError(t, err)
	assert.Equal(t, orders.OutcomePaid, res.Outcome)
}

func TestReconcilePendingIsBounded(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	placed, redirect := f.placeAndInitiate(t)

	for i := 1; i <= 4; i++ {
		res, err := f.reconciler.Reconcile(ctx, placed.OrderID, redirect.Reference)
		require.NoError(t, err)
		assert.Equal(t, orders.OutcomePending, res.Outcome)
		assert.Equal(t, i, f.store.Attempts(placed.OrderID)[0].VerifyCount)
	}

	a := f.store.Attempts(placed.OrderID)[0]
	assert.Equal(t, orders.AttemptPending, a.Status)
	assert.False(t, a.Applied())
	assert.Equal(t, 2, f.pub.count(orders.TopicPaymentPending), "retry events stop once the budget of 3 is used")

	o := f.order(t, placed.OrderID)
	assert.Equal(t, orders.StatusPending, o.Status)
	assert.Equal(t, orders.PaymentPending, o.PaymentStatus)
}

func TestReconcileGatewayTimeoutLeavesOrderUntouched(t *testing.T) {
	f := newFixture(t, nil)
	placed, redirect := f.placeAndInitiate(t)
	f.gw.failVerify(fmt.Errorf("%w: %w", payment.ErrPaymentUnavailable, payment.ErrGatewayTimeout))

	res, err := f.reconciler.Reconcile(context.Background(), placed.OrderID, redirect.Reference)
	require.ErrorIs(t, err, payment.ErrGatewayTimeout)
	require.ErrorIs(t, err, payment.ErrPaymentUnavailable)
	assert.Equal(t, placed.OrderID, res.OrderID)
	assert.Equal(t, orders.OutcomePending, res.Outcome)

	o := f.order(t, placed.OrderID)
	assert.Equal(t, orders.StatusPending, o.Status)
	assert.Equal(t, orders.PaymentPending, o.PaymentStatus)
	assert.Len(t, f.store.CartLines(buyer.BuyerID), 1)

	a := f.store.Attempts(placed.OrderID)[0]
	assert.Equal(t, orders.AttemptInitiated, a.Status)
	assert.Equal(t, 1, a.VerifyCount)
	assert.Equal(t, 1, f.pub.count(orders.TopicPaymentPending))
}

func TestReconcileMalformedResponse(t *testing.T) {
	f := newFixture(t, nil)
	placed, redirect := f.placeAndInitiate(t)
	f.gw.failVerify(payment.ErrMalformedResponse)

	_, err := f.reconciler.Reconcile(context.Background(), placed.OrderID, redirect.Reference)
	require.ErrorIs(t, err, payment.ErrMalformedResponse)
	assert.Zero(t, f.pub.count(orders.TopicPaymentPending))
	assert.Equal(t, 1, f.store.Attempts(placed.OrderID)[0].VerifyCount)
	assert.Equal(t, orders.PaymentPending, f.order(t, placed.OrderID).PaymentStatus)
}

func TestReconcileInvalidReference(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	placed, redirect := f.placeAndInitiate(t)

	other := orders.BuyerContext{BuyerID: "buyer-2", Email: "bob@example.com"}
	f.store.AddCartLine(other.BuyerID, "7", 1)
	otherOrder, err := f.placement.PlaceOrder(ctx, other, shipTo, orders.Address{})
	require.NoError(t, err)
	otherRedirect, err := f.initiator.Initiate(ctx, other, otherOrder.OrderID)
	require.NoError(t, err)

	cases := []struct {
		name      string
		orderID   string
		reference string
	}{
		{name: "blank", orderID: " ", reference: ""},
		{name: "unknown order", orderID: "nope", reference: redirect.Reference},
		{name: "unknown reference", orderID: placed.OrderID, reference: "MKT-nope-1"},
		{name: "reference of another order", orderID: placed.OrderID, reference: otherRedirect.Reference},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.reconciler.Reconcile(ctx, tc.orderID, tc.reference)
			assert.ErrorIs(t, err, orders.ErrInvalidReference)
		})
	}
	assert.Zero(t, f.gw.calls())
	assert.Equal(t, orders.PaymentPending, f.order(t, placed.OrderID).PaymentStatus)
}

func TestReconcileSuccessAfterCancelNeedsRefund(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	f := newFixture(t, zap.New(core))
	ctx := context.Background()
	placed, redirect := f.placeAndInitiate(t)

	_, err := f.cancel.Cancel(ctx, buyer, placed.OrderID)
	require.NoError(t, err)
	f.gw.set(redirect.Reference, payment.StatusSuccess, placed.TotalMinor, placed.Currency)

	res, err := f.reconciler.Reconcile(ctx, placed.OrderID, redirect.Reference)
	require.ErrorIs(t, err, orders.ErrInvalidState)
	var stateErr *orders.StateError
	require.True(t, errors.As(err, &stateErr))
	assert.Equal(t, orders.StatusCancelled, stateErr.Status)
	assert.Equal(t, orders.OutcomeRejected, res.Outcome)

	o := f.order(t, placed.OrderID)
	assert.Equal(t, orders.StatusCancelled, o.Status)
	assert.Equal(t, orders.PaymentPending, o.PaymentStatus)
	assert.Equal(t, 5, f.stock(t, "7"))
	assert.Zero(t, f.store.CartClears())

	a := f.store.Attempts(placed.OrderID)[0]
	assert.Equal(t, orders.AttemptUnapplied, a.Status)
	assert.True(t, a.Applied())
	assert.Equal(t, 1, f.pub.count(orders.TopicPaymentRejected))
	assert.Equal(t, 1, logs.FilterMessageSnippet("refund manually").Len())

	res, err = f.reconciler.Reconcile(ctx, placed.OrderID, redirect.Reference)
	require.ErrorIs(t, err, orders.ErrInvalidState)
	assert.True(t, res.Replayed)
	assert.Equal(t, 1, f.gw.calls())
}

func TestReconcileRollsBackOnStoreFailure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	placed, redirect := f.placeAndInitiate(t)
	f.gw.set(redirect.Reference, payment.StatusSuccess, placed.TotalMinor, placed.Currency)
	boom := errors.New("connection reset")
	f.store.FailOn("UpdateAttempt", boom)

	_, err := f.reconciler.Reconcile(ctx, placed.OrderID, redirect.Reference)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, orders.PaymentPending, f.order(t, placed.OrderID).PaymentStatus)
	assert.Len(t, f.store.CartLines(buyer.BuyerID), 1)
	assert.Zero(t, f.pub.count(orders.TopicPaymentConfirmed))

	f.store.FailOn("UpdateAttempt", nil)
	res, err := f.reconciler.Reconcile(ctx, placed.OrderID, redirect.Reference)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, orders.OutcomePaid, res.Outcome)
}

func TestReconcileReference(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	placed, redirect := f.placeAndInitiate(t)
	f.gw.set(redirect.Reference, payment.StatusSuccess, placed.TotalMinor, placed.Currency)

	res, err := f.reconciler.ReconcileReference(ctx, "  "+redirect.Reference+" ")
	require.NoError(t, err)
	assert.Equal(t, placed.OrderID, res.OrderID)
	assert.Equal(t, orders.OutcomePaid, res.Outcome)

	_, err = f.reconciler.ReconcileReference(ctx, "MKT-missing-1")
	assert.ErrorIs(t, err, orders.ErrInvalidReference)
}

func TestNewReconcilerDefaults(t *testing.T) {
	r, err := orders.NewReconciler(orders.Deps{Store: newFixture(t, nil).store, Gateway: newFakeGateway()}, orders.ReconcilerConfig{})
	require.NoError(t, err)
	assert.Equal(t, 10, r.MaxVerifications())

	_, err = orders.NewReconciler(orders.Deps{Gateway: newFakeGateway()}, orders.ReconcilerConfig{})
	assert.Error(t, err)
}

func TestReconcileSiblingCaptureAfterPaidNeedsRefund(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	f := newFixture(t, zap.New(core))
	ctx := context.Background()
	placed, first := f.placeAndInitiate(t)
	second, err := f.initiator.Initiate(ctx, buyer, placed.OrderID)
	require.NoError(t, err)
	f.gw.set(first.Reference, payment.StatusSuccess, placed.TotalMinor, placed.Currency)
	f.gw.set(second.Reference, payment.StatusSuccess, placed.TotalMinor, placed.Currency)

	res, err := f.reconciler.Reconcile(ctx, placed.OrderID, second.Reference)
	require.NoError(t, err)
	require.Equal(t, orders.OutcomePaid, res.Outcome)

	res, err = f.reconciler.Reconcile(ctx, placed.OrderID, first.Reference)
	require.ErrorIs(t, err, orders.ErrInvalidState)
	assert.Equal(t, orders.OutcomeRejected, res.Outcome)
	assert.False(t, res.Replayed)
	assert.Equal(t, 2, f.gw.calls(), "the sibling attempt is verified")

	for i := 0; i < 4; i++ {
		res, err = f.reconciler.Reconcile(ctx, placed.OrderID, first.Reference)
		require.ErrorIs(t, err, orders.ErrInvalidState)
		assert.True(t, res.Replayed)
	}
	assert.Equal(t, 2, f.gw.calls())

	attempts := f.store.Attempts(placed.OrderID)
	require.Len(t, attempts, 2)
	assert.Equal(t, orders.AttemptUnapplied, attempts[0].Status)
	assert.True(t, attempts[0].Applied())
	assert.Equal(t, 1, attempts[0].VerifyCount)
	assert.Equal(t, orders.AttemptSuccess, attempts[1].Status)

	o := f.order(t, placed.OrderID)
	assert.Equal(t, orders.StatusConfirmed, o.Status)
	assert.Equal(t, orders.PaymentPaid, o.PaymentStatus)
	assert.Equal(t, 1, f.store.CartClears())
	assert.Equal(t, 1, f.pub.count(orders.TopicPaymentConfirmed))
	assert.Equal(t, 1, f.pub.count(orders.TopicPaymentRejected))
	assert.Equal(t, 1, logs.FilterMessageSnippet("refund manually").Len())

	stale, err := f.store.StaleAttempts(ctx, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), 3, 0)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestReconcilePendingSiblingClosesAfterBudget(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	placed, first := f.placeAndInitiate(t)
	second, err := f.initiator.Initiate(ctx, buyer, placed.OrderID)
	require.NoError(t, err)
	f.gw.set(second.Reference, payment.StatusSuccess, placed.TotalMinor, placed.Currency)
	_, err = f.reconciler.Reconcile(ctx, placed.OrderID, second.Reference)
	require.NoError(t, err)

	// The gateway keeps answering pending for the first attempt.
	for i := 1; i < 3; i++ {
		res, err := f.reconciler.Reconcile(ctx, placed.OrderID, first.Reference)
		require.NoError(t, err)
		assert.Equal(t, orders.OutcomePending, res.Outcome)
		assert.Equal(t, i, f.store.Attempts(placed.OrderID)[0].VerifyCount)
	}
	res, err := f.reconciler.Reconcile(ctx, placed.OrderID, first.Reference)
	require.ErrorIs(t, err, orders.ErrInvalidState)
	assert.Equal(t, orders.OutcomeRejected, res.Outcome)

	a := f.store.Attempts(placed.OrderID)[0]
	assert.Equal(t, orders.AttemptSuperseded, a.Status)
	assert.True(t, a.Applied())
	assert.Equal(t, 2, f.pub.count(orders.TopicPaymentPending))
	assert.Equal(t, orders.PaymentPaid, f.order(t, placed.OrderID).PaymentStatus)

	stale, err := f.store.StaleAttempts(ctx, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), 10, 0)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestReconcileFailureAfterCancelClosesAttempt(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	placed, redirect := f.placeAndInitiate(t)
	_, err := f.cancel.Cancel(ctx, buyer, placed.OrderID)
	require.NoError(t, err)
	f.gw.set(redirect.Reference, payment.StatusFailed, 0, "")

	res, err := f.reconciler.Reconcile(ctx, placed.OrderID, redirect.Reference)
	require.NoError(t, err)
	assert.Equal(t, orders.OutcomeFailed, res.Outcome)
	assert.Equal(t, orders.StatusCancelled, res.Status)
	assert.Equal(t, orders.PaymentPending, res.PaymentStatus)

	a := f.store.Attempts(placed.OrderID)[0]
	assert.Equal(t, orders.AttemptFailed, a.Status)
	assert.True(t, a.Applied())
}
