package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"storefront-bot/internal/config"
	"storefront-bot/internal/database"
	"storefront-bot/internal/domain"
	"storefront-bot/internal/infrastructure/delivery"
	"storefront-bot/internal/infrastructure/payment"
	"storefront-bot/internal/logger"
	"storefront-bot/internal/repo"
	"storefront-bot/internal/server"
	"storefront-bot/internal/service"
	"storefront-bot/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("storefront exited")
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var health database.HealthChecker
	if hc, ok := store.(database.HealthChecker); ok {
		health = hc
	}

	productRepo := repo.NewProductRepo(store)
	couponRepo := repo.NewCouponRepo(store)
	checkoutRepo := repo.NewCheckoutRepo(store)
	activeRepo := repo.NewActiveCheckoutRepo(store)
	eventRepo := repo.NewWebhookEventRepo(store)

	gateway := newGateway(cfg, log)
	dispatcher, closer, notifier := newDelivery(cfg, log)

	products := service.NewProductService(productRepo, cfg.CurrencyFor, log)
	coupons := service.NewCouponService(couponRepo, log)
	checkouts := service.NewCheckoutService(checkoutRepo, activeRepo, products, coupons, gateway, service.CheckoutConfig{
		MaxPaymentAttempts: cfg.Checkout.MaxPaymentAttempts,
		PixExpiration:      cfg.Checkout.PixExpiration,
		CardExpiration:     cfg.Checkout.CardExpiration,
		SingleActive:       cfg.Checkout.SingleActive,
	}, log)
	fulfillment := service.NewFulfillmentService(checkouts, products, gateway, eventRepo, dispatcher, closer, notifier,
		service.FulfillmentConfig{AutoCloseChannel: cfg.Worker.AutoCloseChannel}, log)

	reconciler := worker.NewReconciliationWorker(checkouts, fulfillment, eventRepo, worker.Config{
		Interval:        cfg.Worker.Interval,
		CleanupInterval: cfg.Worker.CleanupInterval,
		AbandonAfter:    cfg.Checkout.AbandonAfter,
		Retention:       cfg.Checkout.Retention,
	}, log)

	srv := server.NewServer(server.Config{
		Addr:        cfg.HTTP.Addr(),
		CORSOrigins: cfg.HTTP.CORSOrigins,
		Production:  cfg.IsProduction(),
	}, products, coupons, checkouts, fulfillment, health, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		reconciler.Run(gctx)
		return nil
	})
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config) (database.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		db, err := database.NewPostgres(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return database.NewPostgresStore(ctx, db)
	case "redis":
		return database.NewRedisStore(ctx, cfg.Store.RedisURL, cfg.Store.RedisKeyPrefix)
	default:
		return database.NewMemoryStore(), nil
	}
}

func newGateway(cfg *config.Config, log logrus.FieldLogger) payment.PaymentGateway {
	router := payment.NewRouter()
	sim := payment.NewSimulatedGateway()

	if cfg.Gateway.Sandbox {
		log.Warn("sandbox mode: every payment goes to the simulated gateway")
		return router.Register(sim, domain.MethodPix, domain.MethodCard)
	}

	router.Register(payment.NewMercadoPago(payment.MercadoPagoConfig{
		BaseURL:         cfg.MercadoPago.BaseURL,
		AccessToken:     cfg.MercadoPago.AccessToken,
		NotificationURL: cfg.MercadoPago.NotificationURL,
		WebhookSecret:   cfg.MercadoPago.WebhookSecret,
		Timeout:         cfg.Gateway.Timeout,
	}), domain.MethodPix)
	router.Register(payment.NewStripe(payment.StripeConfig{
		BaseURL:       cfg.Stripe.BaseURL,
		SecretKey:     cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		SuccessURL:    cfg.Stripe.SuccessURL,
		CancelURL:     cfg.Stripe.CancelURL,
		Timeout:       cfg.Gateway.Timeout,
	}), domain.MethodCard)
	// keeps status checks working for checkouts created in an earlier sandbox run
	router.Register(sim)
	return router
}

func newDelivery(cfg *config.Config, log logrus.FieldLogger) (delivery.Dispatcher, delivery.ChannelCloser, delivery.SaleNotifier) {
	if cfg.Discord.BotToken == "" {
		log.Warn("DISCORD_BOT_TOKEN not set: deliveries are only logged")
		d := delivery.NewLogDispatcher(log)
		return d, d, d
	}
	d := delivery.NewDiscord(delivery.DiscordConfig{
		APIURL:          cfg.Discord.APIURL,
		BotToken:        cfg.Discord.BotToken,
		SalesWebhookURL: cfg.Discord.SalesWebhookURL,
		Timeout:         cfg.Gateway.Timeout,
	}, log)
	return d, d, d
}
