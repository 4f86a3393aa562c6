package main

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"storefront-bot/internal/database"
	"storefront-bot/internal/domain"
	"storefront-bot/internal/infrastructure/delivery"
	"storefront-bot/internal/infrastructure/payment"
	"storefront-bot/internal/logger"
	"storefront-bot/internal/repo"
	"storefront-bot/internal/service"
	"storefront-bot/internal/worker"
)

// simulate runs buyers against an in-memory storefront whose gateway drops
// some responses after charging, then lets the worker reconcile.
func main() {
	ctx := context.Background()
	log := logger.New("warn", "text")
	store := database.NewMemoryStore()

	gateway := payment.NewSimulatedGateway()
	gateway.PhantomRate = 0.3
	gateway.AutoApproveAfter = 500 * time.Millisecond
	router := payment.NewRouter().Register(gateway, domain.MethodPix, domain.MethodCard)

	products := service.NewProductService(repo.NewProductRepo(store), func(string) string { return "BRL" }, log)
	coupons := service.NewCouponService(repo.NewCouponRepo(store), log)
	checkouts := service.NewCheckoutService(repo.NewCheckoutRepo(store), repo.NewActiveCheckoutRepo(store),
		products, coupons, router, service.CheckoutConfig{MaxPaymentAttempts: 3, SingleActive: true}, log)
	dispatcher := delivery.NewLogDispatcher(log)
	fulfillment := service.NewFulfillmentService(checkouts, products, router, repo.NewWebhookEventRepo(store),
		dispatcher, dispatcher, dispatcher, service.FulfillmentConfig{}, log)

	product, err := products.Create(ctx, &domain.Product{
		Title:           "Gift card",
		Price:           decimal.NewFromInt(25),
		Stock:           domain.IntPtr(100),
		DeliveryContent: "CODE-1234",
	})
	if err != nil {
		log.WithError(err).Fatal("create product")
	}

	fmt.Println("--- STARTING SIMULATION (20 BUYERS) ---")
	for i := 0; i < 20; i++ {
		userID := fmt.Sprintf("user-%02d", i+1)
		c, err := checkouts.CreateCheckout(ctx, service.CreateCheckoutRequest{UserID: userID, ProductID: product.ID, Quantity: 1})
		if err != nil {
			fmt.Printf("[%d] create failed: %v\n", i+1, err)
			continue
		}

		fmt.Printf("[%d] paying checkout %s ... ", i+1, c.ID)
		_, err = checkouts.StartPayment(ctx, c.ID, domain.MethodPix)
		if err != nil {
			// the gateway may have charged anyway; retry with a fresh attempt
			fmt.Printf("FAILED: %v, retrying ... ", err)
			_, err = checkouts.StartPayment(ctx, c.ID, domain.MethodPix)
		}
		if err != nil {
			fmt.Printf("FAILED: %v\n", err)
		} else {
			fmt.Printf("PENDING\n")
		}
	}

	time.Sleep(time.Second)

	w := worker.NewReconciliationWorker(checkouts, fulfillment, nil, worker.Config{Interval: 200 * time.Millisecond}, log)
	stats := w.Sweep(ctx)

	p, _ := products.Get(ctx, product.ID)
	all, _ := checkouts.GetAllCheckouts(ctx)
	byStatus := map[domain.CheckoutStatus]int{}
	for _, c := range all {
		byStatus[c.Status]++
	}

	fmt.Println("---------------------------------------------------")
	log.SetLevel(logrus.InfoLevel)
	log.WithFields(logrus.Fields{
		"charges_at_gateway": gateway.ChargeCount(),
		"approved":           stats.Approved,
		"delivered":          stats.Delivered,
		"stock_left":         *p.Stock,
	}).Info("simulation finished")
	for status, n := range byStatus {
		fmt.Printf("    %-10s %d\n", status, n)
	}
}
