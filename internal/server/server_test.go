package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-bot/internal/database"
	"storefront-bot/internal/domain"
	"storefront-bot/internal/infrastructure/delivery"
	"storefront-bot/internal/infrastructure/payment"
	"storefront-bot/internal/logger"
	"storefront-bot/internal/repo"
	"storefront-bot/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type staticHealth map[string]string

func (h staticHealth) Health(context.Context) map[string]string { return h }

type testServer struct {
	handler http.Handler
	gateway *payment.SimulatedGateway
}

func newTestServer(t *testing.T, health database.HealthChecker) *testServer {
	t.Helper()
	log := logger.Discard()
	store := database.NewMemoryStore()
	gw := payment.NewSimulatedGateway()
	router := payment.NewRouter().Register(gw, domain.MethodPix, domain.MethodCard)

	products := service.NewProductService(repo.NewProductRepo(store), func(string) string { return "BRL" }, log)
	coupons := service.NewCouponService(repo.NewCouponRepo(store), log)
	checkouts := service.NewCheckoutService(repo.NewCheckoutRepo(store), repo.NewActiveCheckoutRepo(store),
		products, coupons, router, service.CheckoutConfig{
			MaxPaymentAttempts: 3,
			PixExpiration:      30 * time.Minute,
			CardExpiration:     time.Hour,
			SingleActive:       true,
		}, log)
	dispatcher := delivery.NewLogDispatcher(log)
	fulfillment := service.NewFulfillmentService(checkouts, products, router, repo.NewWebhookEventRepo(store),
		dispatcher, dispatcher, dispatcher, service.FulfillmentConfig{}, log)

	s := NewServer(Config{Addr: ":0"}, products, coupons, checkouts, fulfillment, health, log)
	return &testServer{handler: s.Handler(), gateway: gw}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func (ts *testServer) createProduct(t *testing.T, stock int) string {
	t.Helper()
	rec, body := ts.do(t, http.MethodPost, "/api/products", map[string]any{
		"title": "Steam key", "price": "50.00", "stock": stock, "delivery_content": "KEY",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return body["id"].(string)
}

func (ts *testServer) createCheckout(t *testing.T, userID, productID string, qty int) string {
	t.Helper()
	rec, body := ts.do(t, http.MethodPost, "/api/checkouts", map[string]any{
		"user_id": userID, "channel_id": "chan", "product_id": productID, "quantity": qty,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return body["id"].(string)
}

func TestHealth(t *testing.T) {
	rec, body := newTestServer(t, nil).do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "up", body["status"])

	rec, body = newTestServer(t, staticHealth{"status": "down", "error": "db down"}).do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "db down", body["error"])
}

func TestProductEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.createProduct(t, 3)

	rec, body := ts.do(t, http.MethodGet, "/api/products/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Steam key", body["title"])
	assert.Equal(t, "br", body["region"])

	rec, body = ts.do(t, http.MethodPatch, "/api/products/"+id, map[string]any{"title": "Steam key (BR)"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Steam key (BR)", body["title"])

	rec, body = ts.do(t, http.MethodGet, "/api/products?region=br&counts=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])
	assert.Equal(t, map[string]any{"br": float64(1)}, body["by_region"])

	rec, _ = ts.do(t, http.MethodPost, "/api/products", map[string]any{"price": "1"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec, _ = ts.do(t, http.MethodPost, "/api/products", "{")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = ts.do(t, http.MethodDelete, "/api/products/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec, _ = ts.do(t, http.MethodDelete, "/api/products/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = ts.do(t, http.MethodGet, "/api/products/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCouponEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	rec, body := ts.do(t, http.MethodPost, "/api/coupons", map[string]any{"code": "promo10", "type": "PERCENTAGE", "amount": "10"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "PROMO10", body["code"])

	rec, _ = ts.do(t, http.MethodPost, "/api/coupons", map[string]any{"code": "PROMO10", "amount": "5"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = ts.do(t, http.MethodGet, "/api/coupons/Promo10", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body = ts.do(t, http.MethodGet, "/api/coupons/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["total"])

	rec, _ = ts.do(t, http.MethodPatch, "/api/coupons/PROMO10", map[string]any{"max_uses": 5})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = ts.do(t, http.MethodDelete, "/api/coupons/PROMO10", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec, _ = ts.do(t, http.MethodGet, "/api/coupons/PROMO10", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckoutFlow(t *testing.T) {
	ts := newTestServer(t, nil)
	productID := ts.createProduct(t, 5)
	rec, _ := ts.do(t, http.MethodPost, "/api/coupons", map[string]any{"code": "PROMO10", "amount": "10"})
	require.Equal(t, http.StatusCreated, rec.Code)

	id := ts.createCheckout(t, "u1", productID, 2)

	rec, body := ts.do(t, http.MethodPost, "/api/checkouts/"+id+"/coupon", map[string]any{"code": "promo10"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "90", body["total"])

	rec, _ = ts.do(t, http.MethodPost, "/api/checkouts/"+id+"/coupon", map[string]any{"code": "NOPE"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec, body = ts.do(t, http.MethodPost, "/api/checkouts/"+id+"/payment", map[string]any{"method": "pix"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "PENDING", body["status"])
	externalID := body["payment"].(map[string]any)["payment_id"].(string)

	rec, _ = ts.do(t, http.MethodPost, "/api/checkouts/"+id+"/payment", map[string]any{"method": "pix"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, body = ts.do(t, http.MethodGet, "/api/users/u1/checkouts/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, body["id"])

	require.NoError(t, ts.gateway.Settle(externalID, domain.PaymentPaid))
	rec, body = ts.do(t, http.MethodPost, "/webhook/simulated",
		fmt.Sprintf(`{"event_id":"evt-1","external_id":%q}`, externalID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "COMPLETED", body["status"])

	rec, body = ts.do(t, http.MethodPost, "/webhook/simulated",
		fmt.Sprintf(`{"event_id":"evt-1","external_id":%q}`, externalID))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["duplicate"])

	rec, body = ts.do(t, http.MethodPost, "/api/checkouts/"+id+"/payment/check", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "COMPLETED", body["status"])

	rec, body = ts.do(t, http.MethodGet, "/api/products/"+productID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, body["stock"])

	rec, _ = ts.do(t, http.MethodGet, "/api/users/u1/checkouts/active", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = ts.do(t, http.MethodGet, "/api/users/u1/checkouts?status=COMPLETED", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])

	rec, _ = ts.do(t, http.MethodPost, "/api/checkouts/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCheckoutErrors(t *testing.T) {
	ts := newTestServer(t, nil)
	productID := ts.createProduct(t, 3)

	rec, _ := ts.do(t, http.MethodPost, "/api/checkouts", map[string]any{"user_id": "u1", "product_id": productID, "quantity": 4})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec, _ = ts.do(t, http.MethodPost, "/api/checkouts", map[string]any{"user_id": "u1", "product_id": "missing"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	id := ts.createCheckout(t, "u1", productID, 1)
	rec, _ = ts.do(t, http.MethodPost, "/api/checkouts", map[string]any{"user_id": "u1", "product_id": productID})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = ts.do(t, http.MethodPatch, "/api/checkouts/"+id+"/quantity", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body := ts.do(t, http.MethodPatch, "/api/checkouts/"+id+"/quantity", map[string]any{"quantity": 3})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "150", body["total"])

	rec, _ = ts.do(t, http.MethodDelete, "/api/checkouts/"+id+"/coupon", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = ts.do(t, http.MethodPost, "/api/checkouts/"+id+"/payment", map[string]any{"method": "boleto"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	ts.gateway.FailCreate(errors.New("down"))
	rec, _ = ts.do(t, http.MethodPost, "/api/checkouts/"+id+"/payment", map[string]any{"method": "pix"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec, _ = ts.do(t, http.MethodGet, "/api/checkouts/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = ts.do(t, http.MethodGet, "/api/checkouts?status=BOGUS", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = ts.do(t, http.MethodPost, "/api/checkouts/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CANCELLED", body["status"])

	rec, body = ts.do(t, http.MethodGet, "/api/checkouts?status=CANCELLED", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])
}

func TestWebhookEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	rec, _ := ts.do(t, http.MethodPost, "/webhook/paypal", "{}")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body := ts.do(t, http.MethodPost, "/webhook/simulated", `{"event_id":"x"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ignored"])

	// the provider lookup itself failed
	rec, _ = ts.do(t, http.MethodPost, "/webhook/simulated", `{"external_id":"unknown"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	// providers not wired into the router are rejected by reconciliation
	rec, _ = ts.do(t, http.MethodPost, "/webhook/stripe", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{payment.ErrInvalidSignature, http.StatusUnauthorized},
		{domain.ErrCheckoutNotFound, http.StatusNotFound},
		{&domain.ReconciliationError{Err: domain.ErrCheckoutNotFound}, http.StatusBadRequest},
		{domain.NewValidationError("product_id", domain.ErrProductNotFound), http.StatusUnprocessableEntity},
		{&domain.StockError{Requested: 2, Available: 1}, http.StatusUnprocessableEntity},
		{fmt.Errorf("wrapped: %w", domain.ErrInvalidTransition), http.StatusConflict},
		{domain.ErrPaymentAttemptsExceeded, http.StatusConflict},
		{&domain.GatewayError{Provider: domain.ProviderStripe, Op: "create charge", Err: errors.New("x")}, http.StatusBadGateway},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
