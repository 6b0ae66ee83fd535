package orders

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ariefcatur/marketplace-checkout/internal/payment"
)

// Deps wires the collaborators shared by the checkout services. Store is
// required; Gateway is required by the services that talk to the gateway.
type Deps struct {
	Store     Store
	Gateway   payment.Gateway
	Publisher Publisher
	Cache     Cache
	Logger    *zap.Logger
	Clock     func() time.Time
	Producer  string // envelope producer name
}

type base struct {
	store     Store
	gateway   payment.Gateway
	publisher Publisher
	cache     Cache
	log       *zap.Logger
	now       func() time.Time
	producer  string
}

func newBase(deps Deps, needGateway bool) (base, error) {
	if deps.Store == nil {
		return base{}, errors.New("orders: store is required")
	}
	if needGateway && deps.Gateway == nil {
		return base{}, errors.New("orders: payment gateway is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	producer := deps.Producer
	if producer == "" {
		producer = "checkout"
	}
	return base{
		store:     deps.Store,
		gateway:   deps.Gateway,
		publisher: deps.Publisher,
		cache:     deps.Cache,
		log:       logger,
		now:       func() time.Time { return clock().UTC() },
		producer:  producer,
	}, nil
}

// committed runs the post-commit side effects of a state change: the read
// model is dropped and the event published. Failures are logged only; the
// committed state is authoritative.
func (b base) committed(ctx context.Context, orderID, topic, eventType string, payload any) {
	if b.cache != nil {
		if err := b.cache.InvalidateOrder(ctx, orderID); err != nil {
			b.log.Warn("order cache invalidation failed", zap.String("order_id", orderID), zap.Error(err))
		}
	}
	if b.publisher == nil || topic == "" {
		return
	}
	env, err := NewEnvelope(eventType, b.producer, orderID, b.now(), payload)
	if err != nil {
		b.log.Error("encode event", zap.String("event_type", eventType), zap.Error(err))
		return
	}
	if err := b.publisher.Publish(ctx, topic, env); err != nil {
		b.log.Warn("publish event failed",
			zap.String("topic", topic),
			zap.String("order_id", orderID),
			zap.Error(err),
		)
	}
}

// ownedOrder hides orders of other buyers behind ErrOrderNotFound.
func ownedOrder(o Order, buyer BuyerContext) error {
	if buyer.BuyerID == "" || o.BuyerID != buyer.BuyerID {
		return ErrOrderNotFound
	}
	return nil
}
