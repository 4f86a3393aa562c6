package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"storefront-bot/internal/domain"
	"storefront-bot/internal/infrastructure/payment"
	"storefront-bot/internal/repo"
)

type CheckoutConfig struct {
	MaxPaymentAttempts int
	PixExpiration      time.Duration
	CardExpiration     time.Duration
	// SingleActive keeps at most one non-terminal checkout per user.
	SingleActive bool
}

type CreateCheckoutRequest struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity"`
}

type CheckoutService interface {
	CreateCheckout(ctx context.Context, req CreateCheckoutRequest) (*domain.Checkout, error)
	GetCheckout(ctx context.Context, id string) (*domain.Checkout, error)
	UpdateQuantity(ctx context.Context, id string, qty int) (*domain.Checkout, error)
	ApplyCoupon(ctx context.Context, id, code string) (*domain.Checkout, error)
	RemoveCoupon(ctx context.Context, id string) (*domain.Checkout, error)
	StartPayment(ctx context.Context, id string, method domain.PaymentMethod) (*domain.Checkout, error)
	// CheckPaymentStatus polls the gateway and reconciles. The bool reports
	// whether this call moved the checkout to a new status.
	CheckPaymentStatus(ctx context.Context, id string) (*domain.Checkout, bool, error)
	// Reconcile applies an observed gateway status. Poller and webhooks both
	// land here; only a PENDING checkout is ever changed.
	Reconcile(ctx context.Context, id string, update domain.PaymentUpdate) (*domain.Checkout, bool, error)
	CancelCheckout(ctx context.Context, id string) (*domain.Checkout, error)
	// MarkDelivered moves APPROVED to COMPLETED.
	MarkDelivered(ctx context.Context, id string) (*domain.Checkout, bool, error)
	FailCheckout(ctx context.Context, id, reason string) (*domain.Checkout, bool, error)
	GetUserCheckouts(ctx context.Context, userID string, status domain.CheckoutStatus) ([]domain.Checkout, error)
	GetAllCheckouts(ctx context.Context) ([]domain.Checkout, error)
	GetCheckoutsByStatus(ctx context.Context, status domain.CheckoutStatus) ([]domain.Checkout, error)
	GetActiveCheckout(ctx context.Context, userID string) (*domain.Checkout, error)
	CheckExpiredCheckouts(ctx context.Context) (int, error)
	CleanupAbandoned(ctx context.Context, olderThan time.Duration) (int, error)
	CleanupOldCheckouts(ctx context.Context, maxAge time.Duration) (int, error)
}

type checkoutService struct {
	checkouts repo.CheckoutRepo
	active    repo.ActiveCheckoutRepo
	products  ProductService
	coupons   CouponService
	gateway   payment.PaymentGateway
	cfg       CheckoutConfig
	locks     *keyLock
	log       logrus.FieldLogger
	now       func() time.Time
}

func NewCheckoutService(
	checkouts repo.CheckoutRepo,
	active repo.ActiveCheckoutRepo,
	products ProductService,
	coupons CouponService,
	gateway payment.PaymentGateway,
	cfg CheckoutConfig,
	log logrus.FieldLogger,
) CheckoutService {
	if cfg.MaxPaymentAttempts <= 0 {
		cfg.MaxPaymentAttempts = 3
	}
	if cfg.PixExpiration <= 0 {
		cfg.PixExpiration = 30 * time.Minute
	}
	if cfg.CardExpiration <= 0 {
		cfg.CardExpiration = time.Hour
	}
	return &checkoutService{
		checkouts: checkouts,
		active:    active,
		products:  products,
		coupons:   coupons,
		gateway:   gateway,
		cfg:       cfg,
		locks:     newKeyLock(),
		log:       log,
		now:       time.Now,
	}
}

func (s *checkoutService) CreateCheckout(ctx context.Context, req CreateCheckoutRequest) (*domain.Checkout, error) {
	if req.UserID == "" {
		return nil, domain.NewValidationError("user_id", errors.New("user is required"))
	}
	if req.Quantity < 1 {
		return nil, domain.NewValidationError("quantity", domain.ErrInvalidQuantity)
	}

	product, err := s.products.Get(ctx, req.ProductID)
	if errors.Is(err, domain.ErrProductNotFound) {
		return nil, domain.NewValidationError("product_id", err)
	}
	if err != nil {
		return nil, err
	}
	unitPrice, err := product.PriceFor(req.VariantID)
	if err != nil {
		return nil, domain.NewValidationError("variant_id", err)
	}
	if err := s.ensureStock(ctx, product, req.VariantID, req.Quantity); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	checkout := &domain.Checkout{
		ID:                 uuid.NewString(),
		UserID:             req.UserID,
		ChannelID:          req.ChannelID,
		ProductID:          product.ID,
		VariantID:          req.VariantID,
		Region:             product.Region,
		Quantity:           req.Quantity,
		UnitPrice:          unitPrice,
		Currency:           product.Currency,
		Status:             domain.CheckoutDraft,
		MaxPaymentAttempts: s.cfg.MaxPaymentAttempts,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	checkout.Recalculate()

	if s.cfg.SingleActive {
		unlock := s.locks.Lock("user:" + req.UserID)
		defer unlock()
		if err := s.claimActive(ctx, req.UserID, checkout.ID); err != nil {
			return nil, err
		}
	}
	if err := s.checkouts.Create(ctx, checkout); err != nil {
		if s.cfg.SingleActive {
			s.releaseActive(ctx, req.UserID, checkout.ID)
		}
		return nil, fmt.Errorf("create checkout: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"event":       "checkout_created",
		"checkout_id": checkout.ID,
		"user_id":     checkout.UserID,
		"product_id":  checkout.ProductID,
		"total":       checkout.Total.StringFixed(2),
	}).Info("checkout created")
	return checkout, nil
}

func (s *checkoutService) GetCheckout(ctx context.Context, id string) (*domain.Checkout, error) {
	c, _, err := s.checkouts.FindById(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, domain.ErrCheckoutNotFound
	}
	return c, nil
}

// UpdateQuantity re-checks stock and recomputes the total. A PENDING checkout
// drops its charge and returns to DRAFT since the charged amount no longer
// matches.
func (s *checkoutService) UpdateQuantity(ctx context.Context, id string, qty int) (*domain.Checkout, error) {
	if qty < 1 {
		return nil, domain.NewValidationError("quantity", domain.ErrInvalidQuantity)
	}
	return s.mutate(ctx, id, func(c *domain.Checkout) error {
		if !c.Status.IsActive() {
			return fmt.Errorf("%w: cannot change quantity of %s checkout", domain.ErrInvalidTransition, c.Status)
		}
		if qty == c.Quantity {
			return errUnchanged
		}
		product, err := s.products.Get(ctx, c.ProductID)
		if err != nil {
			return err
		}
		if err := s.ensureStock(ctx, product, c.VariantID, qty); err != nil {
			return err
		}
		c.Quantity = qty
		c.Recalculate()
		s.resetPayment(c)
		return nil
	})
}

// ApplyCoupon validates code against the checkout's undiscounted total and
// attaches it, replacing any coupon already present. The redemption is
// counted before the checkout is written and given back if the write fails.
func (s *checkoutService) ApplyCoupon(ctx context.Context, id, code string) (*domain.Checkout, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	c, err := s.GetCheckout(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.Status.IsActive() {
		return nil, fmt.Errorf("%w: cannot apply coupon to %s checkout", domain.ErrInvalidTransition, c.Status)
	}
	if c.Coupon != nil && c.Coupon.Code == repo.NormalizeCode(code) {
		return c, nil
	}

	result, err := s.coupons.Validate(ctx, CouponValidationRequest{
		Code:      code,
		UserID:    c.UserID,
		ProductID: c.ProductID,
		Region:    c.Region,
		Amount:    c.BaseTotal(),
	})
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		return nil, domain.NewValidationError("coupon", result.Reason)
	}
	coupon, err := s.coupons.Use(ctx, result.Coupon.Code)
	if err != nil {
		if errors.Is(err, domain.ErrCouponExhausted) || errors.Is(err, domain.ErrCouponNotFound) {
			return nil, domain.NewValidationError("coupon", err)
		}
		return nil, err
	}

	updated, err := s.mutateLocked(ctx, id, func(c *domain.Checkout) error {
		if !c.Status.IsActive() {
			return fmt.Errorf("%w: cannot apply coupon to %s checkout", domain.ErrInvalidTransition, c.Status)
		}
		c.Coupon = coupon.Snapshot(coupon.Discount(c.BaseTotal()))
		c.Recalculate()
		s.resetPayment(c)
		return nil
	})
	if err != nil {
		if rerr := s.coupons.Release(ctx, coupon.Code); rerr != nil {
			s.log.WithError(rerr).WithField("code", coupon.Code).Error("failed to release coupon redemption")
		}
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"event":       "coupon_applied",
		"checkout_id": id,
		"code":        coupon.Code,
		"discount":    updated.Coupon.Discount.StringFixed(2),
	}).Info("coupon applied")
	return updated, nil
}

// RemoveCoupon restores the undiscounted total. The redemption stays counted.
func (s *checkoutService) RemoveCoupon(ctx context.Context, id string) (*domain.Checkout, error) {
	return s.mutate(ctx, id, func(c *domain.Checkout) error {
		if !c.Status.IsActive() {
			return fmt.Errorf("%w: cannot remove coupon from %s checkout", domain.ErrInvalidTransition, c.Status)
		}
		if c.Coupon == nil {
			return domain.ErrNoCoupon
		}
		c.Coupon = nil
		c.Recalculate()
		s.resetPayment(c)
		return nil
	})
}

// StartPayment counts the attempt before calling the gateway, so a failed or
// timed-out call still uses one up. The charge is only attached if the
// checkout is still the DRAFT it was when the request went out: same total,
// same attempt. A request that failed without a definite answer leaves its
// idempotency key behind, and a retry for the same method and amount reuses
// it so a charge the gateway did create is picked up instead of duplicated.
func (s *checkoutService) StartPayment(ctx context.Context, id string, method domain.PaymentMethod) (*domain.Checkout, error) {
	if !method.Valid() {
		return nil, domain.NewValidationError("method", fmt.Errorf("%w: %q", domain.ErrUnsupportedMethod, method))
	}

	// one payment creation per checkout at a time; the checkout itself stays
	// unlocked during the gateway call so a cancel is not held up
	unlock := s.locks.Lock("payment:" + id)
	defer unlock()

	var (
		chargedTotal decimal.Decimal
		attempt      int
		key          string
	)
	c, err := s.mutate(ctx, id, func(c *domain.Checkout) error {
		if c.Status != domain.CheckoutDraft {
			return fmt.Errorf("%w: cannot start payment for %s checkout", domain.ErrInvalidTransition, c.Status)
		}
		if c.AttemptsExhausted() {
			return domain.ErrPaymentAttemptsExceeded
		}
		c.PaymentAttempts++
		chargedTotal = c.Total
		attempt = c.PaymentAttempts
		key = fmt.Sprintf("%s-%d", c.ID, attempt)
		if c.UnconfirmedCharge.Matches(method, c.Total) {
			key = c.UnconfirmedCharge.Key
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	expiration := s.cfg.PixExpiration
	if method == domain.MethodCard {
		expiration = s.cfg.CardExpiration
	}
	expiresAt := s.now().UTC().Add(expiration)

	charge, err := s.gateway.CreateCharge(ctx, payment.ChargeRequest{
		Method:         method,
		Amount:         chargedTotal,
		Currency:       c.Currency,
		Description:    fmt.Sprintf("Order %s", c.ID),
		CheckoutID:     c.ID,
		UserID:         c.UserID,
		IdempotencyKey: key,
		ExpiresAt:      expiresAt,
	})
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"checkout_id": id,
			"attempt":     attempt,
			"method":      method,
		}).Warn("payment creation failed")
		s.rememberUnconfirmed(ctx, id, &domain.ChargeRequestKey{Key: key, Method: method, Amount: chargedTotal})
		return nil, err
	}
	if !charge.ExpiresAt.IsZero() {
		expiresAt = charge.ExpiresAt
	}

	updated, err := s.mutate(ctx, id, func(c *domain.Checkout) error {
		if c.Status != domain.CheckoutDraft {
			return fmt.Errorf("%w: checkout became %s while payment was created", domain.ErrInvalidTransition, c.Status)
		}
		if !c.Total.Equal(chargedTotal) || c.PaymentAttempts != attempt {
			return fmt.Errorf("%w: checkout changed while payment was created", domain.ErrInvalidTransition)
		}
		c.Payment = &domain.Payment{
			Method:     method,
			Provider:   charge.Provider,
			PaymentID:  charge.ExternalID,
			Status:     domain.PaymentPending,
			Amount:     chargedTotal,
			QRCode:     charge.QRCode,
			QRCodeText: charge.QRCodeText,
			URL:        charge.URL,
			ExpiresAt:  expiresAt,
			CreatedAt:  s.now().UTC(),
		}
		c.UnconfirmedCharge = nil
		c.Status = domain.CheckoutPending
		return nil
	})
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"checkout_id": id,
			"payment_id":  charge.ExternalID,
			"amount":      chargedTotal.StringFixed(2),
		}).Warn("discarding charge created for a checkout that changed")
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"event":       "payment_generated",
		"checkout_id": id,
		"provider":    charge.Provider,
		"payment_id":  charge.ExternalID,
		"amount":      chargedTotal.StringFixed(2),
	}).Info("payment generated")
	return updated, nil
}

// rememberUnconfirmed keeps the key of a failed charge request while the
// checkout still matches it.
func (s *checkoutService) rememberUnconfirmed(ctx context.Context, id string, key *domain.ChargeRequestKey) {
	_, err := s.mutate(ctx, id, func(c *domain.Checkout) error {
		if c.Status != domain.CheckoutDraft || !c.Total.Equal(key.Amount) {
			return errUnchanged
		}
		c.UnconfirmedCharge = key
		return nil
	})
	if err != nil {
		s.log.WithError(err).WithField("checkout_id", id).Warn("failed to record unconfirmed charge")
	}
}

func (s *checkoutService) CheckPaymentStatus(ctx context.Context, id string) (*domain.Checkout, bool, error) {
	c, err := s.GetCheckout(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if c.Status != domain.CheckoutPending {
		return c, false, nil
	}
	if c.Payment == nil {
		return nil, false, &domain.ReconciliationError{CheckoutID: id, Err: domain.ErrNoPayment}
	}

	st, err := s.gateway.GetStatus(ctx, c.Payment.Provider, c.Payment.PaymentID)
	if err != nil {
		if c.PaymentExpired(s.now()) {
			return s.Reconcile(ctx, id, domain.PaymentUpdate{
				Provider:   c.Payment.Provider,
				ExternalID: c.Payment.PaymentID,
				Status:     domain.PaymentExpired,
			})
		}
		return nil, false, &domain.ReconciliationError{CheckoutID: id, Err: err}
	}

	return s.Reconcile(ctx, id, domain.PaymentUpdate{
		Provider:   c.Payment.Provider,
		ExternalID: st.ExternalID,
		Status:     st.Status,
		PaidAt:     st.PaidAt,
		Amount:     st.Amount,
	})
}

func (s *checkoutService) Reconcile(ctx context.Context, id string, update domain.PaymentUpdate) (*domain.Checkout, bool, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	var from domain.CheckoutStatus
	changed := false
	c, err := s.mutateLocked(ctx, id, func(c *domain.Checkout) error {
		changed = false
		from = c.Status
		if c.Status != domain.CheckoutPending || c.Payment == nil {
			return errUnchanged
		}
		if update.ExternalID != "" && update.ExternalID != c.Payment.PaymentID {
			s.log.WithFields(logrus.Fields{
				"checkout_id": id,
				"payment_id":  update.ExternalID,
				"current":     c.Payment.PaymentID,
			}).Warn("ignoring status for superseded charge")
			return errUnchanged
		}

		now := s.now().UTC()
		switch update.Status {
		case domain.PaymentPaid:
			paidAt := now
			if update.PaidAt != nil {
				paidAt = update.PaidAt.UTC()
			}
			c.Payment.Status = domain.PaymentPaid
			c.Payment.PaidAt = &paidAt
			c.Status = domain.CheckoutApproved
			if update.Amount.IsPositive() && update.Amount.Round(2).LessThan(c.Total.Round(2)) {
				c.Status = domain.CheckoutFailed
				c.FailureReason = fmt.Sprintf("paid %s, expected %s", update.Amount.StringFixed(2), c.Total.StringFixed(2))
			}
		case domain.PaymentFailed:
			c.Payment.Status = domain.PaymentFailed
			c.Status = domain.CheckoutFailed
			c.FailureReason = "payment rejected by gateway"
		case domain.PaymentExpired:
			c.Payment.Status = domain.PaymentExpired
			c.Status = domain.CheckoutExpired
			c.FailureReason = "payment window expired"
		default:
			if !c.PaymentExpired(now) {
				return errUnchanged
			}
			c.Payment.Status = domain.PaymentExpired
			c.Status = domain.CheckoutExpired
			c.FailureReason = "payment window expired"
		}
		changed = true
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrCheckoutNotFound) {
			return nil, false, &domain.ReconciliationError{CheckoutID: id, Err: err}
		}
		return nil, false, err
	}
	if !changed {
		return c, false, nil
	}

	fields := logrus.Fields{
		"checkout_id": id,
		"user_id":     c.UserID,
		"provider":    c.Payment.Provider,
		"from":        from,
		"status":      c.Status,
	}
	switch c.Status {
	case domain.CheckoutApproved:
		c = s.commitStock(ctx, c)
		s.log.WithFields(fields).WithField("event", "payment_approved").Info("payment approved")
	case domain.CheckoutFailed:
		s.releaseActive(ctx, c.UserID, c.ID)
		if c.Payment.Status == domain.PaymentPaid {
			s.log.WithFields(fields).WithFields(logrus.Fields{
				"event": "payment_underpaid",
				"paid":  update.Amount.StringFixed(2),
				"total": c.Total.StringFixed(2),
			}).Error("payment below checkout total, needs a refund")
			break
		}
		s.log.WithFields(fields).WithField("event", "payment_failed").Info("payment failed")
	case domain.CheckoutExpired:
		s.releaseActive(ctx, c.UserID, c.ID)
		s.log.WithFields(fields).WithField("event", "payment_expired").Info("payment expired")
	}
	return c, true, nil
}

// commitStock runs once, right after this process won the transition into
// APPROVED. A failure is logged and never retried so stock cannot be taken
// twice.
func (s *checkoutService) commitStock(ctx context.Context, c *domain.Checkout) *domain.Checkout {
	logger := s.log.WithFields(logrus.Fields{"checkout_id": c.ID, "product_id": c.ProductID})
	if _, err := s.products.ReduceStock(ctx, c.ProductID, c.Quantity, c.VariantID); err != nil {
		logger.WithError(err).WithField("event", "stock_commit_failed").Error("failed to reduce stock for approved checkout")
		return c
	}
	updated, err := s.mutateLocked(ctx, c.ID, func(c *domain.Checkout) error {
		t := s.now().UTC()
		c.StockCommittedAt = &t
		return nil
	})
	if err != nil {
		logger.WithError(err).Warn("stock reduced but commit time not recorded")
		return c
	}
	return updated
}

func (s *checkoutService) CancelCheckout(ctx context.Context, id string) (*domain.Checkout, error) {
	c, err := s.mutate(ctx, id, func(c *domain.Checkout) error {
		if !c.Status.IsActive() {
			return fmt.Errorf("%w: cannot cancel %s checkout", domain.ErrInvalidTransition, c.Status)
		}
		c.Status = domain.CheckoutCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.releaseActive(ctx, c.UserID, c.ID)
	s.log.WithFields(logrus.Fields{"event": "checkout_cancelled", "checkout_id": id, "user_id": c.UserID}).Info("checkout cancelled")
	return c, nil
}

func (s *checkoutService) MarkDelivered(ctx context.Context, id string) (*domain.Checkout, bool, error) {
	changed := false
	c, err := s.mutate(ctx, id, func(c *domain.Checkout) error {
		changed = false
		switch c.Status {
		case domain.CheckoutCompleted:
			return errUnchanged
		case domain.CheckoutApproved:
		default:
			return fmt.Errorf("%w: cannot complete %s checkout", domain.ErrInvalidTransition, c.Status)
		}
		t := s.now().UTC()
		c.DeliveredAt = &t
		c.Status = domain.CheckoutCompleted
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if changed {
		s.releaseActive(ctx, c.UserID, c.ID)
		s.log.WithFields(logrus.Fields{"event": "delivered", "checkout_id": id, "user_id": c.UserID}).Info("checkout completed")
	}
	return c, changed, nil
}

func (s *checkoutService) FailCheckout(ctx context.Context, id, reason string) (*domain.Checkout, bool, error) {
	changed := false
	c, err := s.mutate(ctx, id, func(c *domain.Checkout) error {
		changed = false
		if c.Status == domain.CheckoutFailed {
			return errUnchanged
		}
		if !c.Status.IsActive() {
			return fmt.Errorf("%w: cannot fail %s checkout", domain.ErrInvalidTransition, c.Status)
		}
		if c.Payment != nil {
			c.Payment.Status = domain.PaymentFailed
		}
		c.Status = domain.CheckoutFailed
		c.FailureReason = reason
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if changed {
		s.releaseActive(ctx, c.UserID, c.ID)
		s.log.WithFields(logrus.Fields{"event": "payment_failed", "checkout_id": id, "reason": reason}).Info("checkout failed")
	}
	return c, changed, nil
}

// GetUserCheckouts lists a user's checkouts newest first; an empty status
// returns all of them.
func (s *checkoutService) GetUserCheckouts(ctx context.Context, userID string, status domain.CheckoutStatus) ([]domain.Checkout, error) {
	list, err := s.checkouts.FindByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if status != "" {
		list = filterStatus(list, status)
	}
	return newestFirst(list), nil
}

func (s *checkoutService) GetAllCheckouts(ctx context.Context) ([]domain.Checkout, error) {
	list, err := s.checkouts.List(ctx)
	if err != nil {
		return nil, err
	}
	return newestFirst(list), nil
}

func (s *checkoutService) GetCheckoutsByStatus(ctx context.Context, status domain.CheckoutStatus) ([]domain.Checkout, error) {
	list, err := s.checkouts.FindByStatus(ctx, status)
	if err != nil {
		return nil, err
	}
	return newestFirst(list), nil
}

// GetActiveCheckout returns the user's non-terminal checkout, or nil.
func (s *checkoutService) GetActiveCheckout(ctx context.Context, userID string) (*domain.Checkout, error) {
	if s.cfg.SingleActive {
		entry, _, err := s.active.Find(ctx, userID)
		if err != nil {
			return nil, err
		}
		if entry == nil || entry.CheckoutID == "" {
			return nil, nil
		}
		c, _, err := s.checkouts.FindById(ctx, entry.CheckoutID)
		if err != nil {
			return nil, err
		}
		if c == nil || c.Status.IsTerminal() {
			return nil, nil
		}
		return c, nil
	}

	list, err := s.GetUserCheckouts(ctx, userID, "")
	if err != nil {
		return nil, err
	}
	for i := range list {
		if !list[i].Status.IsTerminal() {
			return &list[i], nil
		}
	}
	return nil, nil
}

// CheckExpiredCheckouts expires PENDING checkouts whose payment window has
// passed, without asking the gateway.
func (s *checkoutService) CheckExpiredCheckouts(ctx context.Context) (int, error) {
	pending, err := s.checkouts.FindByStatus(ctx, domain.CheckoutPending)
	if err != nil {
		return 0, err
	}
	now := s.now()
	n := 0
	for _, c := range pending {
		if !c.PaymentExpired(now) {
			continue
		}
		_, changed, err := s.Reconcile(ctx, c.ID, domain.PaymentUpdate{Status: domain.PaymentExpired})
		if err != nil {
			s.log.WithError(err).WithField("checkout_id", c.ID).Error("failed to expire checkout")
			continue
		}
		if changed {
			n++
		}
	}
	return n, nil
}

// CleanupAbandoned cancels DRAFT checkouts neither created nor touched within
// olderThan.
func (s *checkoutService) CleanupAbandoned(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)
	stale, err := s.checkouts.FindStale(ctx, domain.CheckoutDraft, cutoff)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, candidate := range stale {
		c, err := s.mutate(ctx, candidate.ID, func(c *domain.Checkout) error {
			if c.Status != domain.CheckoutDraft || c.UpdatedAt.After(cutoff) {
				return errUnchanged
			}
			c.Status = domain.CheckoutCancelled
			c.FailureReason = "abandoned"
			return nil
		})
		if err != nil {
			s.log.WithError(err).WithField("checkout_id", candidate.ID).Error("failed to cancel abandoned checkout")
			continue
		}
		if c.Status != domain.CheckoutCancelled {
			continue
		}
		s.releaseActive(ctx, c.UserID, c.ID)
		s.log.WithFields(logrus.Fields{"event": "checkout_abandoned", "checkout_id": c.ID, "user_id": c.UserID}).Info("abandoned checkout cancelled")
		n++
	}
	return n, nil
}

// CleanupOldCheckouts deletes terminal checkouts last updated before maxAge.
func (s *checkoutService) CleanupOldCheckouts(ctx context.Context, maxAge time.Duration) (int, error) {
	all, err := s.checkouts.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-maxAge)
	n := 0
	for _, c := range all {
		if !c.Status.IsTerminal() || !c.UpdatedAt.Before(cutoff) {
			continue
		}
		ok, err := s.checkouts.Delete(ctx, c.ID)
		if err != nil {
			s.log.WithError(err).WithField("checkout_id", c.ID).Error("failed to delete old checkout")
			continue
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		s.log.WithField("deleted", n).Info("old checkouts removed")
	}
	return n, nil
}

func (s *checkoutService) ensureStock(ctx context.Context, product *domain.Product, variantID string, qty int) error {
	stock, err := product.StockFor(variantID)
	if err != nil {
		return domain.NewValidationError("variant_id", err)
	}
	if stock != nil && *stock < qty {
		return &domain.StockError{ProductID: product.ID, VariantID: variantID, Requested: qty, Available: *stock}
	}
	return nil
}

// resetPayment voids an issued charge after the total changed.
func (s *checkoutService) resetPayment(c *domain.Checkout) {
	if c.Status != domain.CheckoutPending {
		return
	}
	c.Status = domain.CheckoutDraft
	c.Payment = nil
}

func (s *checkoutService) mutate(ctx context.Context, id string, fn func(c *domain.Checkout) error) (*domain.Checkout, error) {
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.mutateLocked(ctx, id, fn)
}

// mutateLocked is read, apply fn, compare-and-swap, retried on conflict. fn
// returns errUnchanged to skip the write. Callers hold the checkout's lock.
func (s *checkoutService) mutateLocked(ctx context.Context, id string, fn func(c *domain.Checkout) error) (*domain.Checkout, error) {
	var out *domain.Checkout
	err := retryOnConflict("update checkout", func() error {
		c, rev, err := s.checkouts.FindById(ctx, id)
		if err != nil {
			return err
		}
		if c == nil {
			return domain.ErrCheckoutNotFound
		}
		if err := fn(c); err != nil {
			if errors.Is(err, errUnchanged) {
				out = c
				return nil
			}
			return err
		}
		c.Touch(s.now().UTC())
		if _, err := s.checkouts.Update(ctx, c, rev); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// claimActive points the user's active slot at checkoutID. A slot held by a
// terminal or missing checkout is taken over.
func (s *checkoutService) claimActive(ctx context.Context, userID, checkoutID string) error {
	return retryOnConflict("claim active checkout", func() error {
		entry, rev, err := s.active.Find(ctx, userID)
		if err != nil {
			return err
		}
		if entry == nil {
			return s.active.Claim(ctx, userID, checkoutID)
		}
		if entry.CheckoutID != "" {
			current, _, err := s.checkouts.FindById(ctx, entry.CheckoutID)
			if err != nil {
				return err
			}
			if current != nil && !current.Status.IsTerminal() {
				return domain.ErrActiveCheckoutExists
			}
		}
		return s.active.Replace(ctx, userID, checkoutID, rev)
	})
}

// releaseActive frees the user's slot if it still points at checkoutID.
func (s *checkoutService) releaseActive(ctx context.Context, userID, checkoutID string) {
	if !s.cfg.SingleActive {
		return
	}
	err := retryOnConflict("release active checkout", func() error {
		entry, rev, err := s.active.Find(ctx, userID)
		if err != nil || entry == nil || entry.CheckoutID != checkoutID {
			return err
		}
		return s.active.Replace(ctx, userID, "", rev)
	})
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"user_id": userID, "checkout_id": checkoutID}).Warn("failed to release active checkout")
	}
}

func filterStatus(list []domain.Checkout, status domain.CheckoutStatus) []domain.Checkout {
	out := list[:0]
	for _, c := range list {
		if c.Status == status {
			out = append(out, c)
		}
	}
	return out
}

func newestFirst(list []domain.Checkout) []domain.Checkout {
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list
}
