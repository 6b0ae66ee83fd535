package orders_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ariefcatur/marketplace-checkout/internal/memstore"
	"github.com/ariefcatur/marketplace-checkout/internal/orders"
	"github.com/ariefcatur/marketplace-checkout/internal/payment"
)

var (
	shipTo = orders.Address{
		FullName: "Ada Buyer",
		Address:  "1 Main St",
		City:     "Springfield",
		State:    "IL",
		Country:  "US",
		Phone:    "+1-555-0100",
	}
	buyer = orders.BuyerContext{BuyerID: "buyer-1", Email: "ada@example.com"}
)

type fakeGateway struct {
	mu          sync.Mutex
	results     map[string]payment.Verification
	verifyErr   error
	initiateErr error
	initiated   []payment.InitiateRequest
	verifyCalls int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{results: map[string]payment.Verification{}}
}

func (g *fakeGateway) Initiate(_ context.Context, req payment.InitiateRequest) (payment.Redirect, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initiated = append(g.initiated, req)
	if g.initiateErr != nil {
		return payment.Redirect{}, g.initiateErr
	}
	return payment.Redirect{
		AuthorizationURL: "https://pay.example/" + req.Reference,
		AccessCode:       "ac_" + req.Reference,
		Reference:        req.Reference,
	}, nil
}

func (g *fakeGateway) Verify(_ context.Context, reference string) (payment.Verification, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verifyCalls++
	if g.verifyErr != nil {
		return payment.Verification{}, g.verifyErr
	}
	v, ok := g.results[reference]
	if !ok {
		return payment.Verification{Reference: reference, Status: payment.StatusPending, GatewayStatus: "ongoing"}, nil
	}
	return v, nil
}

func (g *fakeGateway) set(reference string, status payment.Status, amount int64, currency string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.results[reference] = payment.Verification{
		Reference:     reference,
		Status:        status,
		AmountMinor:   amount,
		Currency:      currency,
		GatewayStatus: string(status),
	}
}

func (g *fakeGateway) failVerify(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verifyErr = err
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.verifyCalls
}

type published struct {
	topic string
	env   orders.Envelope
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, env orders.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{topic: topic, env: env})
	return nil
}

func (p *recordingPublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.topic == topic {
			n++
		}
	}
	return n
}

type countingCache struct {
	mu          sync.Mutex
	invalidated map[string]int
}

func (c *countingCache) InvalidateOrder(_ context.Context, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.invalidated == nil {
		c.invalidated = map[string]int{}
	}
	c.invalidated[orderID]++
	return nil
}

type fixture struct {
	store *memstore.Store
	gw    *fakeGateway
	pub   *recordingPublisher
	cache *countingCache

	placement  *orders.PlacementService
	initiator  *orders.PaymentInitiator
	reconciler *orders.Reconciler
	cancel     *orders.CancellationService
	fulfil     *orders.FulfilmentService
	reader     *orders.OrderReader
}

func newFixture(t *testing.T, logger *zap.Logger) *fixture {
	t.Helper()
	f := &fixture{
		store: memstore.New(),
		gw:    newFakeGateway(),
		pub:   &recordingPublisher{},
		cache: &countingCache{},
	}
	deps := orders.Deps{
		Store:     f.store,
		Gateway:   f.gw,
		Publisher: f.pub,
		Cache:     f.cache,
		Logger:    logger,
		Clock:     func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
	var err error
	f.placement, err = orders.NewPlacementService(deps, orders.Pricing{
		Currency:      "usd",
		ShippingMinor: 599,
		TaxRate:       decimal.RequireFromString("0.08"),
	})
	require.NoError(t, err)
	f.initiator, err = orders.NewPaymentInitiator(deps, orders.InitiatorConfig{ReferencePrefix: "MKT", CallbackURL: "https://shop.example/confirm"})
	require.NoError(t, err)
	f.reconciler, err = orders.NewReconciler(deps, orders.ReconcilerConfig{MaxVerifications: 3})
	require.NoError(t, err)
	f.cancel, err = orders.NewCancellationService(deps)
	require.NoError(t, err)
	f.fulfil, err = orders.NewFulfilmentService(deps)
	require.NoError(t, err)
	f.reader = orders.NewOrderReader(f.store)
	return f
}

// seedScenario stocks product 7 at 10.00 x5 and puts two of them in the buyer's cart.
func (f *fixture) seedScenario() {
	f.store.PutProduct(orders.Product{ID: "7", VendorID: "vendor-a", Name: "Mug", PriceMinor: 1000, StockQuantity: 5})
	f.store.AddCartLine(buyer.BuyerID, "7", 2)
}

func (f *fixture) stock(t *testing.T, productID string) int {
	t.Helper()
	p, ok := f.store.Product(productID)
	require.True(t, ok)
	return p.StockQuantity
}

func (f *fixture) order(t *testing.T, orderID string) orders.Order {
	t.Helper()
	o, err := f.store.GetOrder(context.Background(), orderID)
	require.NoError(t, err)
	return o
}

// placeAndInitiate runs the scenario checkout and opens the first payment attempt.
func (f *fixture) placeAndInitiate(t *testing.T) (orders.PlacedOrder, orders.PaymentRedirect) {
	t.Helper()
	f.seedScenario()
	ctx := context.Background()
	placed, err := f.placement.PlaceOrder(ctx, buyer, shipTo, orders.Address{})
	require.NoError(t, err)
	redirect, err := f.initiator.Initiate(ctx, buyer, placed.OrderID)
	require.NoError(t, err)
	return placed, redirect
}

// confirm drives the order to confirmed/paid through a successful verification.
func (f *fixture) confirm(t *testing.T) orders.PlacedOrder {
	t.Helper()
	placed, redirect := f.placeAndInitiate(t)
	f.gw.set(redirect.Reference, payment.StatusSuccess, placed.TotalMinor, placed.Currency)
	res, err := f.reconciler.Reconcile(context.Background(), placed.OrderID, redirect.Reference)
	require.NoError(t, err)
	require.Equal(t, orders.OutcomePaid, res.Outcome)
	return placed
}
