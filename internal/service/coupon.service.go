package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"storefront-bot/internal/database"
	"storefront-bot/internal/domain"
	"storefront-bot/internal/repo"
)

const (
	couponCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	couponCodeLength   = 8
	codeGenAttempts    = 16
)

type CouponValidationRequest struct {
	Code      string
	UserID    string
	ProductID string
	Region    string
	Amount    decimal.Decimal
}

// CouponValidation is the outcome of Validate. Reason is one of the
// domain.ErrCoupon* sentinels when Valid is false.
type CouponValidation struct {
	Valid    bool
	Coupon   *domain.Coupon
	Discount decimal.Decimal
	Reason   error
}

// CouponPatch carries the fields to change; nil leaves a field as is.
type CouponPatch struct {
	Type            *domain.CouponType `json:"type"`
	Amount          *decimal.Decimal   `json:"amount"`
	MaxUses         *int               `json:"max_uses"`
	UnlimitedUses   bool               `json:"unlimited_uses"`
	MinPurchase     *decimal.Decimal   `json:"min_purchase"`
	MaxDiscount     *decimal.Decimal   `json:"max_discount"`
	ValidFrom       *time.Time         `json:"valid_from"`
	ValidUntil      *time.Time         `json:"valid_until"`
	ClearValidUntil bool               `json:"clear_valid_until"`
	Products        *[]string          `json:"products"`
	Regions         *[]string          `json:"regions"`
}

type CouponService interface {
	Create(ctx context.Context, coupon *domain.Coupon) (*domain.Coupon, error)
	Get(ctx context.Context, code string) (*domain.Coupon, error)
	Validate(ctx context.Context, req CouponValidationRequest) (*CouponValidation, error)
	// Use counts one redemption; domain.ErrCouponExhausted once the limit is hit.
	Use(ctx context.Context, code string) (*domain.Coupon, error)
	// Release gives back a redemption counted by Use.
	Release(ctx context.Context, code string) error
	Update(ctx context.Context, code string, patch CouponPatch) (*domain.Coupon, error)
	Delete(ctx context.Context, code string) (bool, error)
	List(ctx context.Context) ([]domain.Coupon, error)
	Stats(ctx context.Context) (*domain.CouponStats, error)
}

type couponService struct {
	coupons repo.CouponRepo
	log     logrus.FieldLogger
	now     func() time.Time
}

func NewCouponService(coupons repo.CouponRepo, log logrus.FieldLogger) CouponService {
	return &couponService{
		coupons: coupons,
		log:     log,
		now:     time.Now,
	}
}

func (s *couponService) Create(ctx context.Context, c *domain.Coupon) (*domain.Coupon, error) {
	coupon := *c
	if coupon.Type == "" {
		coupon.Type = domain.CouponPercentage
	}
	now := s.now().UTC()
	if coupon.ValidFrom.IsZero() {
		coupon.ValidFrom = now
	}
	coupon.Regions = normalizeRegions(coupon.Regions)
	coupon.UsedCount = 0
	coupon.CreatedAt = now
	coupon.UpdatedAt = now
	if err := validateCoupon(&coupon); err != nil {
		return nil, err
	}

	if coupon.Code != "" {
		coupon.Code = repo.NormalizeCode(coupon.Code)
		err := s.coupons.Create(ctx, &coupon)
		if errors.Is(err, database.ErrConflict) {
			return nil, domain.NewValidationError("code", domain.ErrCouponExists)
		}
		if err != nil {
			return nil, fmt.Errorf("create coupon: %w", err)
		}
		s.logCreated(&coupon)
		return &coupon, nil
	}

	for i := 0; i < codeGenAttempts; i++ {
		coupon.Code = generateCode()
		err := s.coupons.Create(ctx, &coupon)
		if errors.Is(err, database.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create coupon: %w", err)
		}
		s.logCreated(&coupon)
		return &coupon, nil
	}
	return nil, fmt.Errorf("create coupon: no free code after %d attempts", codeGenAttempts)
}

func (s *couponService) logCreated(c *domain.Coupon) {
	s.log.WithFields(logrus.Fields{
		"event":      "coupon_created",
		"code":       c.Code,
		"type":       c.Type,
		"created_by": c.CreatedBy,
	}).Info("coupon created")
}

func (s *couponService) Get(ctx context.Context, code string) (*domain.Coupon, error) {
	c, _, err := s.coupons.FindByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, domain.ErrCouponNotFound
	}
	return c, nil
}

// Validate runs the checks in order and stops at the first failure.
func (s *couponService) Validate(ctx context.Context, req CouponValidationRequest) (*CouponValidation, error) {
	c, _, err := s.coupons.FindByCode(ctx, req.Code)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return &CouponValidation{Reason: domain.ErrCouponNotFound}, nil
	}
	if reason := checkCoupon(c, s.now(), req); reason != nil {
		return &CouponValidation{Coupon: c, Reason: reason}, nil
	}
	return &CouponValidation{Valid: true, Coupon: c, Discount: c.Discount(req.Amount)}, nil
}

func checkCoupon(c *domain.Coupon, now time.Time, req CouponValidationRequest) error {
	switch {
	case now.Before(c.ValidFrom):
		return domain.ErrCouponNotYetValid
	case c.Expired(now):
		return domain.ErrCouponExpired
	case c.Exhausted():
		return domain.ErrCouponExhausted
	case req.Amount.LessThan(c.MinPurchase):
		return domain.ErrCouponMinPurchase
	case len(c.Products) > 0 && !slices.Contains(c.Products, req.ProductID):
		return domain.ErrCouponWrongProduct
	case len(c.Regions) > 0 && !slices.Contains(c.Regions, strings.ToLower(req.Region)):
		return domain.ErrCouponWrongRegion
	}
	return nil
}

func (s *couponService) Use(ctx context.Context, code string) (*domain.Coupon, error) {
	var used *domain.Coupon
	err := retryOnConflict("use coupon", func() error {
		c, rev, err := s.coupons.FindByCode(ctx, code)
		if err != nil {
			return err
		}
		if c == nil {
			return domain.ErrCouponNotFound
		}
		if c.Exhausted() {
			return domain.ErrCouponExhausted
		}
		c.UsedCount++
		c.UpdatedAt = s.now().UTC()
		if _, err := s.coupons.Update(ctx, c, rev); err != nil {
			return err
		}
		used = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return used, nil
}

func (s *couponService) Release(ctx context.Context, code string) error {
	return retryOnConflict("release coupon", func() error {
		c, rev, err := s.coupons.FindByCode(ctx, code)
		if err != nil || c == nil {
			return err
		}
		if c.UsedCount == 0 {
			return nil
		}
		c.UsedCount--
		c.UpdatedAt = s.now().UTC()
		_, err = s.coupons.Update(ctx, c, rev)
		return err
	})
}

func (s *couponService) Update(ctx context.Context, code string, patch CouponPatch) (*domain.Coupon, error) {
	var updated *domain.Coupon
	err := retryOnConflict("update coupon", func() error {
		c, rev, err := s.coupons.FindByCode(ctx, code)
		if err != nil {
			return err
		}
		if c == nil {
			return domain.ErrCouponNotFound
		}
		applyCouponPatch(c, patch)
		if err := validateCoupon(c); err != nil {
			return err
		}
		c.UpdatedAt = s.now().UTC()
		if _, err := s.coupons.Update(ctx, c, rev); err != nil {
			return err
		}
		updated = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *couponService) Delete(ctx context.Context, code string) (bool, error) {
	return s.coupons.Delete(ctx, code)
}

func (s *couponService) List(ctx context.Context) ([]domain.Coupon, error) {
	return s.coupons.List(ctx)
}

func (s *couponService) Stats(ctx context.Context) (*domain.CouponStats, error) {
	coupons, err := s.coupons.List(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	stats := &domain.CouponStats{Total: len(coupons)}
	for _, c := range coupons {
		if c.Expired(now) {
			stats.Expired++
		} else {
			stats.Active++
		}
		stats.TotalUses += c.UsedCount
		switch c.Type {
		case domain.CouponPercentage:
			stats.PercentageCoupons++
		case domain.CouponFixed:
			stats.FixedCoupons++
		}
	}
	return stats, nil
}

func applyCouponPatch(c *domain.Coupon, patch CouponPatch) {
	if patch.Type != nil {
		c.Type = *patch.Type
	}
	if patch.Amount != nil {
		c.Amount = *patch.Amount
	}
	if patch.MaxUses != nil {
		c.MaxUses = domain.IntPtr(*patch.MaxUses)
	}
	if patch.UnlimitedUses {
		c.MaxUses = nil
	}
	if patch.MinPurchase != nil {
		c.MinPurchase = *patch.MinPurchase
	}
	if patch.MaxDiscount != nil {
		c.MaxDiscount = *patch.MaxDiscount
	}
	if patch.ValidFrom != nil {
		c.ValidFrom = *patch.ValidFrom
	}
	if patch.ValidUntil != nil {
		t := *patch.ValidUntil
		c.ValidUntil = &t
	}
	if patch.ClearValidUntil {
		c.ValidUntil = nil
	}
	if patch.Products != nil {
		c.Products = *patch.Products
	}
	if patch.Regions != nil {
		c.Regions = normalizeRegions(*patch.Regions)
	}
}

func validateCoupon(c *domain.Coupon) error {
	if !c.Type.Valid() {
		return domain.NewValidationError("type", fmt.Errorf("unknown coupon type %q", c.Type))
	}
	if !c.Amount.IsPositive() {
		return domain.NewValidationError("amount", domain.ErrCouponInvalidAmount)
	}
	if c.Type == domain.CouponPercentage && c.Amount.GreaterThan(decimal.NewFromInt(100)) {
		return domain.NewValidationError("amount", errors.New("percentage must not exceed 100"))
	}
	if c.MaxUses != nil && *c.MaxUses < 1 {
		return domain.NewValidationError("max_uses", errors.New("max uses must be at least 1"))
	}
	if c.MaxUses != nil && *c.MaxUses < c.UsedCount {
		return domain.NewValidationError("max_uses", fmt.Errorf("max uses %d is below current usage %d", *c.MaxUses, c.UsedCount))
	}
	if c.MinPurchase.IsNegative() || c.MaxDiscount.IsNegative() {
		return domain.NewValidationError("min_purchase", errors.New("limits must not be negative"))
	}
	if c.ValidUntil != nil && c.ValidUntil.Before(c.ValidFrom) {
		return domain.NewValidationError("valid_until", errors.New("valid_until is before valid_from"))
	}
	return nil
}

func normalizeRegions(regions []string) []string {
	if len(regions) == 0 {
		return nil
	}
	out := make([]string, 0, len(regions))
	for _, r := range regions {
		if r = strings.ToLower(strings.TrimSpace(r)); r != "" {
			out = append(out, r)
		}
	}
	return out
}

func generateCode() string {
	b := make([]byte, couponCodeLength)
	for i := range b {
		b[i] = couponCodeAlphabet[rand.IntN(len(couponCodeAlphabet))]
	}
	return string(b)
}
