package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"storefront-bot/internal/domain"
	"storefront-bot/internal/infrastructure/delivery"
	"storefront-bot/internal/infrastructure/payment"
	"storefront-bot/internal/repo"
)

type FulfillmentConfig struct {
	// AutoCloseChannel deletes the buyer's private channel after delivery.
	AutoCloseChannel bool
}

type WebhookResult struct {
	Ignored      bool
	Duplicate    bool
	Checkout     *domain.Checkout
	Transitioned bool
}

// FulfillmentService drives a checkout from payment confirmation to delivery.
type FulfillmentService interface {
	// Fulfill delivers an APPROVED checkout and completes it. COMPLETED
	// checkouts are returned as is.
	Fulfill(ctx context.Context, checkoutID string) (*domain.Checkout, error)
	// CheckAndFulfill polls the gateway and delivers on a fresh approval.
	CheckAndFulfill(ctx context.Context, checkoutID string) (*domain.Checkout, error)
	HandleWebhook(ctx context.Context, provider domain.Provider, payload []byte, header http.Header) (*WebhookResult, error)
}

type fulfillmentService struct {
	checkouts  CheckoutService
	products   ProductService
	gateway    payment.PaymentGateway
	events     repo.WebhookEventRepo
	dispatcher delivery.Dispatcher
	closer     delivery.ChannelCloser
	notifier   delivery.SaleNotifier
	cfg        FulfillmentConfig
	locks      *keyLock
	log        logrus.FieldLogger
	now        func() time.Time
}

func NewFulfillmentService(
	checkouts CheckoutService,
	products ProductService,
	gateway payment.PaymentGateway,
	events repo.WebhookEventRepo,
	dispatcher delivery.Dispatcher,
	closer delivery.ChannelCloser,
	notifier delivery.SaleNotifier,
	cfg FulfillmentConfig,
	log logrus.FieldLogger,
) FulfillmentService {
	return &fulfillmentService{
		checkouts:  checkouts,
		products:   products,
		gateway:    gateway,
		events:     events,
		dispatcher: dispatcher,
		closer:     closer,
		notifier:   notifier,
		cfg:        cfg,
		locks:      newKeyLock(),
		log:        log,
		now:        time.Now,
	}
}

func (s *fulfillmentService) Fulfill(ctx context.Context, checkoutID string) (*domain.Checkout, error) {
	unlock := s.locks.Lock(checkoutID)
	defer unlock()

	c, err := s.checkouts.GetCheckout(ctx, checkoutID)
	if err != nil {
		return nil, err
	}
	switch c.Status {
	case domain.CheckoutCompleted:
		return c, nil
	case domain.CheckoutApproved:
	default:
		return nil, fmt.Errorf("%w: cannot deliver %s checkout", domain.ErrInvalidTransition, c.Status)
	}

	logger := s.log.WithFields(logrus.Fields{"checkout_id": c.ID, "user_id": c.UserID})

	product, err := s.products.Get(ctx, c.ProductID)
	if err != nil {
		return nil, fmt.Errorf("load product for delivery: %w", err)
	}
	if err := s.dispatcher.Deliver(ctx, c, product); err != nil {
		logger.WithError(err).WithField("event", "delivery_failed").Error("delivery failed, will retry")
		return nil, fmt.Errorf("deliver checkout %s: %w", c.ID, err)
	}

	completed, _, err := s.checkouts.MarkDelivered(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	if s.notifier != nil {
		if err := s.notifier.NotifySale(ctx, completed, product); err != nil {
			logger.WithError(err).Warn("sale notification failed")
		}
	}
	if s.cfg.AutoCloseChannel && s.closer != nil && completed.ChannelID != "" {
		if err := s.closer.CloseChannel(ctx, completed.ChannelID); err != nil {
			logger.WithError(err).WithField("channel_id", completed.ChannelID).Warn("failed to close checkout channel")
		}
	}
	return completed, nil
}

func (s *fulfillmentService) CheckAndFulfill(ctx context.Context, checkoutID string) (*domain.Checkout, error) {
	c, changed, err := s.checkouts.CheckPaymentStatus(ctx, checkoutID)
	if err != nil {
		return nil, err
	}
	if !changed || c.Status != domain.CheckoutApproved {
		return c, nil
	}
	completed, err := s.Fulfill(ctx, checkoutID)
	if err != nil {
		// paid is paid; the worker picks up the delivery
		return c, nil
	}
	return completed, nil
}

// HandleWebhook verifies and normalizes a provider notification, drops
// repeats, and feeds the observation into the same reconcile path the
// poller uses.
func (s *fulfillmentService) HandleWebhook(ctx context.Context, provider domain.Provider, payload []byte, header http.Header) (*WebhookResult, error) {
	ev, err := s.gateway.ParseWebhook(ctx, provider, payload, header)
	if errors.Is(err, payment.ErrIgnoredEvent) {
		return &WebhookResult{Ignored: true}, nil
	}
	if errors.Is(err, payment.ErrInvalidSignature) {
		return nil, err
	}
	if err != nil {
		return nil, &domain.ReconciliationError{Err: err}
	}

	logger := s.log.WithFields(logrus.Fields{
		"provider":    provider,
		"event_id":    ev.EventID,
		"checkout_id": ev.ExternalReference,
		"status":      ev.Status,
	})

	if ev.EventID != "" {
		seen, err := s.events.Exists(ctx, provider, ev.EventID)
		if err != nil {
			return nil, err
		}
		if seen {
			logger.Debug("duplicate webhook event")
			return &WebhookResult{Duplicate: true}, nil
		}
	}
	if ev.ExternalReference == "" {
		return nil, &domain.ReconciliationError{Err: errors.New("webhook carries no checkout reference")}
	}

	c, changed, err := s.checkouts.Reconcile(ctx, ev.ExternalReference, domain.PaymentUpdate{
		Provider:   provider,
		ExternalID: ev.ExternalID,
		Status:     ev.Status,
		PaidAt:     ev.PaidAt,
		Amount:     ev.Amount,
	})
	if err != nil {
		logger.WithError(err).Error("webhook reconcile failed")
		var rerr *domain.ReconciliationError
		if errors.As(err, &rerr) {
			return nil, err
		}
		return nil, &domain.ReconciliationError{CheckoutID: ev.ExternalReference, Err: err}
	}

	if ev.EventID != "" {
		if _, err := s.events.MarkProcessed(ctx, &repo.WebhookEvent{
			Provider:    provider,
			EventID:     ev.EventID,
			CheckoutID:  c.ID,
			ProcessedAt: s.now().UTC(),
		}); err != nil {
			logger.WithError(err).Warn("failed to record webhook event")
		}
	}

	result := &WebhookResult{Checkout: c, Transitioned: changed}
	if changed && c.Status == domain.CheckoutApproved {
		logger.Info("payment approved by webhook")
		if completed, err := s.Fulfill(ctx, c.ID); err == nil {
			result.Checkout = completed
		}
	}
	return result, nil
}
