package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"storefront-bot/internal/database"
	"storefront-bot/internal/domain"
	"storefront-bot/internal/infrastructure/payment"
	"storefront-bot/internal/logger"
	"storefront-bot/internal/repo"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeDelivery struct {
	mu        sync.Mutex
	delivered []string
	closed    []string
	sales     []string
	err       error
}

func (f *fakeDelivery) Deliver(ctx context.Context, c *domain.Checkout, p *domain.Product) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.delivered = append(f.delivered, c.ID)
	return nil
}

func (f *fakeDelivery) CloseChannel(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, channelID)
	return nil
}

func (f *fakeDelivery) NotifySale(ctx context.Context, c *domain.Checkout, p *domain.Product) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sales = append(f.sales, c.ID)
	return nil
}

func (f *fakeDelivery) failWith(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeDelivery) deliveries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.delivered...)
}

type harness struct {
	ctx         context.Context
	store       database.Store
	clock       *fakeClock
	gateway     *payment.SimulatedGateway
	products    *productService
	coupons     *couponService
	checkouts   *checkoutService
	fulfillment *fulfillmentService
	events      repo.WebhookEventRepo
	delivery    *fakeDelivery
}

func newHarness(t *testing.T, opts ...func(*CheckoutConfig)) *harness {
	t.Helper()

	cfg := CheckoutConfig{
		MaxPaymentAttempts: 3,
		PixExpiration:      30 * time.Minute,
		CardExpiration:     time.Hour,
		SingleActive:       true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	log := logger.Discard()
	store := database.NewMemoryStore()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	gw := payment.NewSimulatedGateway()
	router := payment.NewRouter().Register(gw, domain.MethodPix, domain.MethodCard)

	products := NewProductService(repo.NewProductRepo(store), func(string) string { return "BRL" }, log).(*productService)
	products.now = clock.Now
	coupons := NewCouponService(repo.NewCouponRepo(store), log).(*couponService)
	coupons.now = clock.Now
	checkouts := NewCheckoutService(repo.NewCheckoutRepo(store), repo.NewActiveCheckoutRepo(store),
		products, coupons, router, cfg, log).(*checkoutService)
	checkouts.now = clock.Now

	events := repo.NewWebhookEventRepo(store)
	fd := &fakeDelivery{}
	fulfillment := NewFulfillmentService(checkouts, products, router, events, fd, fd, fd,
		FulfillmentConfig{AutoCloseChannel: true}, log).(*fulfillmentService)
	fulfillment.now = clock.Now

	return &harness{
		ctx:         context.Background(),
		store:       store,
		clock:       clock,
		gateway:     gw,
		products:    products,
		coupons:     coupons,
		checkouts:   checkouts,
		fulfillment: fulfillment,
		events:      events,
		delivery:    fd,
	}
}

func (h *harness) product(t *testing.T, price string, stock *int) *domain.Product {
	t.Helper()
	p, err := h.products.Create(h.ctx, &domain.Product{
		Title:           "Steam key",
		Price:           decimal.RequireFromString(price),
		Stock:           stock,
		DeliveryContent: "KEY-123",
	})
	require.NoError(t, err)
	return p
}

func (h *harness) checkout(t *testing.T, userID string, p *domain.Product, qty int) *domain.Checkout {
	t.Helper()
	c, err := h.checkouts.CreateCheckout(h.ctx, CreateCheckoutRequest{
		UserID:    userID,
		ChannelID: "chan-" + userID,
		ProductID: p.ID,
		Quantity:  qty,
	})
	require.NoError(t, err)
	return c
}

func (h *harness) coupon(t *testing.T, c domain.Coupon) *domain.Coupon {
	t.Helper()
	created, err := h.coupons.Create(h.ctx, &c)
	require.NoError(t, err)
	return created
}

func (h *harness) stock(t *testing.T, productID string) int {
	t.Helper()
	p, err := h.products.Get(h.ctx, productID)
	require.NoError(t, err)
	require.NotNil(t, p.Stock)
	return *p.Stock
}

func (h *harness) recordCount(t *testing.T) int {
	t.Helper()
	recs, err := h.store.ListByPrefix(h.ctx, "")
	require.NoError(t, err)
	return len(recs)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
