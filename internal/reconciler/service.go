package reconciler

import (
	"context"
	"errors"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/ariefcatur/marketplace-checkout/internal/kafka"
	"github.com/ariefcatur/marketplace-checkout/internal/orders"
	"github.com/ariefcatur/marketplace-checkout/internal/payment"
)

type Reconciler interface {
	Reconcile(ctx context.Context, orderID, reference string) (orders.ReconciliationResult, error)
}

type Dedup interface {
	Claim(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
}

// Service handles order.payment.pending retry events.
type Service struct {
	Reconciler Reconciler
	Dedup      Dedup // optional
	RetryDelay time.Duration
	Log        *zap.Logger
	Clock      func() time.Time
}

func (s *Service) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

func (s *Service) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock()
}

// HandlePaymentPending is installed as the consumer handler. Undecodable
// messages are logged and skipped. An error releases the dedup claim so the
// consumer's in-place retries can run again; once those are spent the event
// is passed over and the sweeper picks the attempt up.
func (s *Service) HandlePaymentPending(ctx context.Context, m kafkago.Message) error {
	log := s.logger()

	// 1) decode envelope
	env, err := kafkax.UnmarshalEnvelope(m.Value)
	if err != nil {
		log.Error("skipping undecodable message", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if env.EventType != orders.EventTypePaymentPending {
		return nil
	}
	p, err := kafkax.UnwrapPayload[orders.PaymentPayload](env.Payload)
	if err != nil || p.OrderID == "" || p.Reference == "" {
		log.Error("skipping malformed payment pending event", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}
	log = log.With(zap.String("order_id", p.OrderID), zap.String("reference", p.Reference), zap.String("event_id", env.EventID))

	// 2) dedup via Redis (event_id)
	if s.Dedup != nil {
		claimed, err := s.Dedup.Claim(ctx, env.EventID)
		if err != nil {
			log.Warn("dedup unavailable", zap.Error(err))
		} else if !claimed {
			return nil
		}
	}

	// 3) wait out the retry delay measured from when the event was emitted
	if wait := env.OccurredAt.Add(s.RetryDelay).Sub(s.now()); wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			s.release(env.EventID)
			return ctx.Err()
		case <-t.C:
		}
	}

	// 4) reconcile; a still-unresolved attempt emits its own follow-up event
	res, err := s.Reconciler.Reconcile(ctx, p.OrderID, p.Reference)
	switch {
	case err == nil:
		log.Info("retry reconciled", zap.String("outcome", string(res.Outcome)), zap.Bool("replayed", res.Replayed))
		return nil
	case errors.Is(err, payment.ErrPaymentUnavailable),
		errors.Is(err, payment.ErrMalformedResponse),
		errors.Is(err, payment.ErrGatewayRejected):
		log.Warn("retry verification failed", zap.Error(err))
		return nil
	case errors.Is(err, orders.ErrInvalidReference),
		errors.Is(err, orders.ErrAmountMismatch),
		errors.Is(err, orders.ErrInvalidState):
		log.Warn("retry rejected", zap.Error(err))
		return nil
	default:
		s.release(env.EventID)
		return err
	}
}

func (s *Service) release(eventID string) {
	if s.Dedup == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Dedup.Release(ctx, eventID); err != nil {
		s.logger().Warn("dedup release failed", zap.String("event_id", eventID), zap.Error(err))
	}
}
