package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/marketplace-checkout/internal/memstore"
	"github.com/ariefcatur/marketplace-checkout/internal/orders"
	"github.com/ariefcatur/marketplace-checkout/internal/payment"
)

func seedAttempts(t *testing.T, s *memstore.Store, attempts ...orders.PaymentAttempt) {
	t.Helper()
	require.NoError(t, s.WithTx(context.Background(), func(ctx context.Context, tx orders.Tx) error {
		for _, a := range attempts {
			if err := tx.InsertAttempt(ctx, a); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestSweepOnce(t *testing.T) {
	store := memstore.New()
	old := t0.Add(-10 * time.Minute)
	seedAttempts(t, store,
		orders.PaymentAttempt{Reference: "paid", OrderID: "o1", Attempt: 1, InitiatedAt: old},
		orders.PaymentAttempt{Reference: "still-pending", OrderID: "o2", Attempt: 1, InitiatedAt: old},
		orders.PaymentAttempt{Reference: "gateway-down", OrderID: "o3", Attempt: 1, InitiatedAt: old},
		orders.PaymentAttempt{Reference: "too-new", OrderID: "o4", Attempt: 1, InitiatedAt: t0},
		orders.PaymentAttempt{Reference: "exhausted", OrderID: "o5", Attempt: 1, InitiatedAt: old, VerifyCount: 5},
	)
	rec := &fakeReconciler{result: func(ref string) (orders.ReconciliationResult, error) {
		switch ref {
		case "paid":
			return orders.ReconciliationResult{Reference: ref, Outcome: orders.OutcomePaid}, nil
		case "still-pending":
			return orders.ReconciliationResult{Reference: ref, Outcome: orders.OutcomePending}, nil
		default:
			return orders.ReconciliationResult{Reference: ref, Outcome: orders.OutcomePending}, payment.ErrPaymentUnavailable
		}
	}}
	sw := &Sweeper{
		Attempts:         store,
		Reconciler:       rec,
		MinAge:           2 * time.Minute,
		MaxVerifications: 5,
		Concurrency:      2,
		Clock:            func() time.Time { return t0 },
	}

	stats, err := sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Listed: 3, Settled: 1, Failed: 1}, stats)

	got := map[string]bool{}
	for _, c := range rec.calls {
		got[c.reference] = true
	}
	assert.Equal(t, map[string]bool{"paid": true, "still-pending": true, "gateway-down": true}, got)
}

type budgetReconciler struct {
	fakeReconciler
	max int
}

func (b *budgetReconciler) MaxVerifications() int { return b.max }

func TestSweepOnceUsesReconcilerBudget(t *testing.T) {
	store := memstore.New()
	old := t0.Add(-10 * time.Minute)
	seedAttempts(t, store,
		orders.PaymentAttempt{Reference: "fresh", OrderID: "o1", Attempt: 1, InitiatedAt: old, VerifyCount: 1},
		orders.PaymentAttempt{Reference: "spent", OrderID: "o2", Attempt: 1, InitiatedAt: old, VerifyCount: 2},
	)
	rec := &budgetReconciler{max: 2}
	sw := &Sweeper{Attempts: store, Reconciler: rec, Clock: func() time.Time { return t0 }}

	stats, err := sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Listed)
	require.Len(t, rec.calls, 1)
	assert.Equal(t, "fresh", rec.calls[0].reference)
}

type failingLister struct{ err error }

func (f failingLister) StaleAttempts(context.Context, time.Time, int, int) ([]orders.PaymentAttempt, error) {
	return nil, f.err
}

func TestSweepOnceListFailure(t *testing.T) {
	boom := errors.New("db down")
	sw := &Sweeper{Attempts: failingLister{err: boom}, Reconciler: &fakeReconciler{}, MaxVerifications: 3}
	_, err := sw.SweepOnce(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestSweeperRunStopsWithContext(t *testing.T) {
	store := memstore.New()
	sw := &Sweeper{Attempts: store, Reconciler: &fakeReconciler{}, Interval: time.Millisecond, MaxVerifications: 3}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, sw.Run(ctx))
}
