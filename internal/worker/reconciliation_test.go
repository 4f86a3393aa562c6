package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"storefront-bot/internal/database"
	"storefront-bot/internal/domain"
	"storefront-bot/internal/infrastructure/delivery"
	"storefront-bot/internal/infrastructure/payment"
	"storefront-bot/internal/logger"
	"storefront-bot/internal/repo"
	"storefront-bot/internal/service"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type mockCheckouts struct {
	service.CheckoutService
	mock.Mock
}

func (m *mockCheckouts) GetCheckoutsByStatus(ctx context.Context, status domain.CheckoutStatus) ([]domain.Checkout, error) {
	args := m.Called(ctx, status)
	list, _ := args.Get(0).([]domain.Checkout)
	return list, args.Error(1)
}

func (m *mockCheckouts) FailCheckout(ctx context.Context, id, reason string) (*domain.Checkout, bool, error) {
	args := m.Called(ctx, id, reason)
	c, _ := args.Get(0).(*domain.Checkout)
	return c, args.Bool(1), args.Error(2)
}

func (m *mockCheckouts) CheckPaymentStatus(ctx context.Context, id string) (*domain.Checkout, bool, error) {
	args := m.Called(ctx, id)
	c, _ := args.Get(0).(*domain.Checkout)
	return c, args.Bool(1), args.Error(2)
}

func (m *mockCheckouts) CheckExpiredCheckouts(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *mockCheckouts) CleanupAbandoned(ctx context.Context, olderThan time.Duration) (int, error) {
	args := m.Called(ctx, olderThan)
	return args.Int(0), args.Error(1)
}

func (m *mockCheckouts) CleanupOldCheckouts(ctx context.Context, maxAge time.Duration) (int, error) {
	args := m.Called(ctx, maxAge)
	return args.Int(0), args.Error(1)
}

type mockFulfillment struct {
	service.FulfillmentService
	mock.Mock
}

func (m *mockFulfillment) Fulfill(ctx context.Context, id string) (*domain.Checkout, error) {
	args := m.Called(ctx, id)
	c, _ := args.Get(0).(*domain.Checkout)
	return c, args.Error(1)
}

func newTestWorker(checkouts service.CheckoutService, fulfillment service.FulfillmentService, events repo.WebhookEventRepo) *ReconciliationWorker {
	return NewReconciliationWorker(checkouts, fulfillment, events, Config{
		Interval:        10 * time.Millisecond,
		CleanupInterval: time.Hour,
		AbandonAfter:    time.Hour,
		Retention:       24 * time.Hour,
	}, logger.Discard())
}

func TestSweep_PendingCheckouts(t *testing.T) {
	checkouts := &mockCheckouts{}
	fulfillment := &mockFulfillment{}
	ctx := context.Background()

	exhausted := domain.Checkout{ID: "exhausted", Status: domain.CheckoutPending, PaymentAttempts: 3, MaxPaymentAttempts: 3}
	paid := domain.Checkout{ID: "paid", Status: domain.CheckoutPending, MaxPaymentAttempts: 3}
	broken := domain.Checkout{ID: "broken", Status: domain.CheckoutPending, MaxPaymentAttempts: 3}
	waiting := domain.Checkout{ID: "waiting", Status: domain.CheckoutPending, MaxPaymentAttempts: 3}
	rejected := domain.Checkout{ID: "rejected", Status: domain.CheckoutPending, MaxPaymentAttempts: 3}

	checkouts.On("GetCheckoutsByStatus", mock.Anything, domain.CheckoutPending).
		Return([]domain.Checkout{exhausted, paid, broken, waiting, rejected}, nil)
	checkouts.On("GetCheckoutsByStatus", mock.Anything, domain.CheckoutApproved).Return(nil, nil)
	checkouts.On("FailCheckout", mock.Anything, "exhausted", "payment attempts exceeded").
		Return(&domain.Checkout{ID: "exhausted", Status: domain.CheckoutFailed}, true, nil)
	checkouts.On("CheckPaymentStatus", mock.Anything, "paid").
		Return(&domain.Checkout{ID: "paid", Status: domain.CheckoutApproved}, true, nil)
	checkouts.On("CheckPaymentStatus", mock.Anything, "broken").
		Return(nil, false, &domain.ReconciliationError{CheckoutID: "broken", Err: errors.New("503")})
	checkouts.On("CheckPaymentStatus", mock.Anything, "waiting").
		Return(&waiting, false, nil)
	checkouts.On("CheckPaymentStatus", mock.Anything, "rejected").
		Return(&domain.Checkout{ID: "rejected", Status: domain.CheckoutFailed}, true, nil)
	checkouts.On("CheckExpiredCheckouts", mock.Anything).Return(1, nil)
	checkouts.On("CleanupAbandoned", mock.Anything, time.Hour).Return(2, nil)
	checkouts.On("CleanupOldCheckouts", mock.Anything, 24*time.Hour).Return(3, nil)
	fulfillment.On("Fulfill", mock.Anything, "paid").Return(&domain.Checkout{ID: "paid", Status: domain.CheckoutCompleted}, nil)

	stats := newTestWorker(checkouts, fulfillment, nil).Sweep(ctx)

	assert.Equal(t, SweepStats{
		Checked:   5,
		Approved:  1,
		Delivered: 1,
		Failed:    2,
		Expired:   1,
		Abandoned: 2,
		Deleted:   3,
		Errors:    1,
	}, stats)
	checkouts.AssertExpectations(t)
	fulfillment.AssertExpectations(t)
	checkouts.AssertNotCalled(t, "CheckPaymentStatus", mock.Anything, "exhausted")
}

func TestSweep_ExhaustedAttempts(t *testing.T) {
	now := time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC)
	checkouts := &mockCheckouts{}
	fulfillment := &mockFulfillment{}

	live := domain.Checkout{
		ID: "live", Status: domain.CheckoutPending, PaymentAttempts: 3, MaxPaymentAttempts: 3,
		Payment: &domain.Payment{PaymentID: "ch-live", ExpiresAt: now.Add(10 * time.Minute)},
	}
	lapsed := domain.Checkout{
		ID: "lapsed", Status: domain.CheckoutPending, PaymentAttempts: 3, MaxPaymentAttempts: 3,
		Payment: &domain.Payment{PaymentID: "ch-lapsed", ExpiresAt: now.Add(-time.Minute)},
	}

	checkouts.On("GetCheckoutsByStatus", mock.Anything, domain.CheckoutPending).
		Return([]domain.Checkout{live, lapsed}, nil)
	checkouts.On("GetCheckoutsByStatus", mock.Anything, domain.CheckoutApproved).Return(nil, nil)
	checkouts.On("CheckPaymentStatus", mock.Anything, "live").
		Return(&domain.Checkout{ID: "live", Status: domain.CheckoutApproved}, true, nil)
	checkouts.On("FailCheckout", mock.Anything, "lapsed", "payment attempts exceeded").
		Return(&domain.Checkout{ID: "lapsed", Status: domain.CheckoutFailed}, true, nil)
	checkouts.On("CheckExpiredCheckouts", mock.Anything).Return(0, nil)
	fulfillment.On("Fulfill", mock.Anything, "live").Return(&domain.Checkout{ID: "live", Status: domain.CheckoutCompleted}, nil)

	w := newTestWorker(checkouts, fulfillment, nil)
	w.now = func() time.Time { return now }
	w.lastCleanup = now
	stats := w.Sweep(context.Background())

	assert.Equal(t, 1, stats.Approved)
	assert.Equal(t, 1, stats.Delivered)
	assert.Equal(t, 1, stats.Failed)
	checkouts.AssertExpectations(t)
	checkouts.AssertNotCalled(t, "CheckPaymentStatus", mock.Anything, "lapsed")
	checkouts.AssertNotCalled(t, "FailCheckout", mock.Anything, "live", mock.Anything)
}

func TestSweep_RetriesStuckDeliveries(t *testing.T) {
	checkouts := &mockCheckouts{}
	fulfillment := &mockFulfillment{}

	checkouts.On("GetCheckoutsByStatus", mock.Anything, domain.CheckoutPending).Return(nil, nil)
	checkouts.On("GetCheckoutsByStatus", mock.Anything, domain.CheckoutApproved).
		Return([]domain.Checkout{{ID: "a1"}, {ID: "a2"}}, nil)
	checkouts.On("CheckExpiredCheckouts", mock.Anything).Return(0, nil)
	fulfillment.On("Fulfill", mock.Anything, "a1").Return(&domain.Checkout{ID: "a1"}, nil)
	fulfillment.On("Fulfill", mock.Anything, "a2").Return(nil, delivery.ErrNoRecipient)

	w := newTestWorker(checkouts, fulfillment, nil)
	w.lastCleanup = time.Now()
	stats := w.Sweep(context.Background())

	assert.Equal(t, 1, stats.Delivered)
	assert.Equal(t, 1, stats.Errors)
	checkouts.AssertNotCalled(t, "CleanupAbandoned", mock.Anything, mock.Anything)
	fulfillment.AssertExpectations(t)
}

func TestSweep_CleanupRunsOnItsOwnInterval(t *testing.T) {
	checkouts := &mockCheckouts{}
	fulfillment := &mockFulfillment{}
	events := repo.NewWebhookEventRepo(database.NewMemoryStore())
	ctx := context.Background()

	now := time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC)
	_, err := events.MarkProcessed(ctx, &repo.WebhookEvent{Provider: domain.ProviderStripe, EventID: "old", ProcessedAt: now.Add(-48 * time.Hour)})
	require.NoError(t, err)
	_, err = events.MarkProcessed(ctx, &repo.WebhookEvent{Provider: domain.ProviderStripe, EventID: "new", ProcessedAt: now.Add(-time.Hour)})
	require.NoError(t, err)

	checkouts.On("GetCheckoutsByStatus", mock.Anything, mock.Anything).Return(nil, nil)
	checkouts.On("CheckExpiredCheckouts", mock.Anything).Return(0, nil)
	checkouts.On("CleanupAbandoned", mock.Anything, time.Hour).Return(0, nil).Twice()
	checkouts.On("CleanupOldCheckouts", mock.Anything, 24*time.Hour).Return(0, nil).Twice()

	w := newTestWorker(checkouts, fulfillment, events)
	w.now = func() time.Time { return now }

	w.Sweep(ctx)
	now = now.Add(30 * time.Minute)
	w.Sweep(ctx)
	now = now.Add(31 * time.Minute)
	w.Sweep(ctx)

	checkouts.AssertNumberOfCalls(t, "CleanupAbandoned", 2)
	checkouts.AssertNumberOfCalls(t, "CleanupOldCheckouts", 2)

	seen, err := events.Exists(ctx, domain.ProviderStripe, "old")
	require.NoError(t, err)
	assert.False(t, seen)
	seen, err = events.Exists(ctx, domain.ProviderStripe, "new")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestSweep_ListFailure(t *testing.T) {
	checkouts := &mockCheckouts{}
	checkouts.On("GetCheckoutsByStatus", mock.Anything, mock.Anything).Return(nil, errors.New("store unavailable"))
	checkouts.On("CheckExpiredCheckouts", mock.Anything).Return(0, errors.New("store unavailable"))

	w := newTestWorker(checkouts, &mockFulfillment{}, nil)
	w.lastCleanup = time.Now()
	stats := w.Sweep(context.Background())

	assert.Equal(t, 3, stats.Errors)
	assert.Zero(t, stats.Checked)
}

func TestRun_StopsOnCancel(t *testing.T) {
	ticked := make(chan struct{}, 1)
	checkouts := &mockCheckouts{}
	checkouts.On("GetCheckoutsByStatus", mock.Anything, mock.Anything).Return(nil, nil).Maybe()
	checkouts.On("CheckExpiredCheckouts", mock.Anything).Return(0, nil).Maybe().Run(func(mock.Arguments) {
		select {
		case ticked <- struct{}{}:
		default:
		}
	})
	checkouts.On("CleanupAbandoned", mock.Anything, mock.Anything).Return(0, nil).Maybe()
	checkouts.On("CleanupOldCheckouts", mock.Anything, mock.Anything).Return(0, nil).Maybe()

	w := newTestWorker(checkouts, &mockFulfillment{}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case <-ticked:
	case <-time.After(time.Second):
		t.Fatal("worker never swept")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestSweep_EndToEnd(t *testing.T) {
	ctx := context.Background()
	log := logger.Discard()
	store := database.NewMemoryStore()
	gw := payment.NewSimulatedGateway()
	router := payment.NewRouter().Register(gw, domain.MethodPix, domain.MethodCard)

	products := service.NewProductService(repo.NewProductRepo(store), func(string) string { return "BRL" }, log)
	coupons := service.NewCouponService(repo.NewCouponRepo(store), log)
	checkouts := service.NewCheckoutService(repo.NewCheckoutRepo(store), repo.NewActiveCheckoutRepo(store),
		products, coupons, router, service.CheckoutConfig{MaxPaymentAttempts: 3, SingleActive: true}, log)
	events := repo.NewWebhookEventRepo(store)
	dispatcher := delivery.NewLogDispatcher(log)
	fulfillment := service.NewFulfillmentService(checkouts, products, router, events,
		dispatcher, dispatcher, dispatcher, service.FulfillmentConfig{}, log)

	p, err := products.Create(ctx, &domain.Product{Title: "Key", Price: decimal.NewFromInt(25), Stock: domain.IntPtr(4)})
	require.NoError(t, err)

	var pendingIDs []string
	for _, user := range []string{"u1", "u2"} {
		c, err := checkouts.CreateCheckout(ctx, service.CreateCheckoutRequest{UserID: user, ProductID: p.ID, Quantity: 1})
		require.NoError(t, err)
		c, err = checkouts.StartPayment(ctx, c.ID, domain.MethodPix)
		require.NoError(t, err)
		pendingIDs = append(pendingIDs, c.ID)
	}
	paid, err := checkouts.GetCheckout(ctx, pendingIDs[0])
	require.NoError(t, err)
	require.NoError(t, gw.Settle(paid.Payment.PaymentID, domain.PaymentPaid))

	w := newTestWorker(checkouts, fulfillment, events)
	stats := w.Sweep(ctx)

	assert.Equal(t, 2, stats.Checked)
	assert.Equal(t, 1, stats.Approved)
	assert.Equal(t, 1, stats.Delivered)
	assert.Zero(t, stats.Errors)

	got, err := checkouts.GetCheckout(ctx, pendingIDs[0])
	require.NoError(t, err)
	assert.Equal(t, domain.CheckoutCompleted, got.Status)
	got, err = checkouts.GetCheckout(ctx, pendingIDs[1])
	require.NoError(t, err)
	assert.Equal(t, domain.CheckoutPending, got.Status)

	stock, err := products.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, *stock.Stock)

	// a second sweep finds nothing new to do
	stats = w.Sweep(ctx)
	assert.Zero(t, stats.Approved)
	assert.Equal(t, 3, *mustStock(t, products, p.ID))
}

func mustStock(t *testing.T, products service.ProductService, id string) *int {
	t.Helper()
	p, err := products.Get(context.Background(), id)
	require.NoError(t, err)
	return p.Stock
}
