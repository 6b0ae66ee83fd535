package reconciler

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/marketplace-checkout/internal/orders"
)

type AttemptLister interface {
	StaleAttempts(ctx context.Context, cutoff time.Time, maxVerifications, limit int) ([]orders.PaymentAttempt, error)
}

// Sweeper periodically re-verifies payment attempts that never received a
// final result, e.g. when the buyer closed the browser and the webhook was
// lost.
type Sweeper struct {
	Attempts         AttemptLister
	Reconciler       Reconciler
	Interval         time.Duration
	MinAge           time.Duration
	// MaxVerifications defaults to the reconciler's own budget when it
	// reports one, so retry events and sweeps stop at the same count.
	MaxVerifications int
	Concurrency      int
	BatchSize        int
	Log              *zap.Logger
	Clock            func() time.Time
}

type budgeted interface {
	MaxVerifications() int
}

func (s *Sweeper) budget() int {
	if s.MaxVerifications > 0 {
		return s.MaxVerifications
	}
	if b, ok := s.Reconciler.(budgeted); ok {
		return b.MaxVerifications()
	}
	return 0
}

type SweepStats struct {
	Listed  int
	Settled int
	Failed  int
}

func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger().Warn("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) (SweepStats, error) {
	now := time.Now
	if s.Clock != nil {
		now = s.Clock
	}
	batch := s.BatchSize
	if batch <= 0 {
		batch = 100
	}
	attempts, err := s.Attempts.StaleAttempts(ctx, now().Add(-s.MinAge), s.budget(), batch)
	if err != nil {
		return SweepStats{}, err
	}

	var settled, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	limit := s.Concurrency
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)
	for _, a := range attempts {
		g.Go(func() error {
			res, err := s.Reconciler.Reconcile(gctx, a.OrderID, a.Reference)
			if err != nil {
				failed.Add(1)
				s.logger().Debug("sweep reconcile", zap.String("reference", a.Reference), zap.Error(err))
				return nil
			}
			if res.Outcome != orders.OutcomePending {
				settled.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	stats := SweepStats{Listed: len(attempts), Settled: int(settled.Load()), Failed: int(failed.Load())}
	if stats.Listed > 0 {
		s.logger().Info("sweep finished",
			zap.Int("listed", stats.Listed),
			zap.Int("settled", stats.Settled),
			zap.Int("failed", stats.Failed),
		)
	}
	return stats, nil
}

func (s *Sweeper) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}
