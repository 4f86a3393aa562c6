package service

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-bot/internal/domain"
)

func TestCouponCreate(t *testing.T) {
	h := newHarness(t)

	c := h.coupon(t, domain.Coupon{Code: " welcome ", Amount: dec("15"), Regions: []string{"BR", " "}})
	assert.Equal(t, "WELCOME", c.Code)
	assert.Equal(t, domain.CouponPercentage, c.Type)
	assert.Equal(t, []string{"br"}, c.Regions)
	assert.Equal(t, h.clock.Now(), c.ValidFrom)

	_, err := h.coupons.Create(h.ctx, &domain.Coupon{Code: "Welcome", Amount: dec("5")})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.ErrorIs(t, err, domain.ErrCouponExists)

	generated := h.coupon(t, domain.Coupon{Type: domain.CouponFixed, Amount: dec("5")})
	assert.Regexp(t, regexp.MustCompile(`^[A-Z0-9]{8}$`), generated.Code)

	got, err := h.coupons.Get(h.ctx, "welcome")
	require.NoError(t, err)
	assert.Equal(t, "WELCOME", got.Code)
}

func TestCouponCreate_Invalid(t *testing.T) {
	h := newHarness(t)
	past := h.clock.Now().Add(-time.Hour)

	for name, c := range map[string]domain.Coupon{
		"zero amount":         {Code: "A", Amount: dec("0")},
		"percentage over 100": {Code: "B", Amount: dec("101")},
		"unknown type":        {Code: "C", Type: "BOGO", Amount: dec("1")},
		"max uses zero":       {Code: "D", Amount: dec("1"), MaxUses: domain.IntPtr(0)},
		"negative minimum":    {Code: "E", Amount: dec("1"), MinPurchase: dec("-1")},
		"window inverted":     {Code: "F", Amount: dec("1"), ValidUntil: &past},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := h.coupons.Create(h.ctx, &c)
			var verr *domain.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}

	list, err := h.coupons.List(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCouponValidate_Order(t *testing.T) {
	h := newHarness(t)
	until := h.clock.Now().Add(time.Hour)
	h.coupon(t, domain.Coupon{
		Code:        "STRICT",
		Amount:      dec("10"),
		MaxUses:     domain.IntPtr(1),
		MinPurchase: dec("50"),
		ValidUntil:  &until,
		Products:    []string{"p1"},
		Regions:     []string{"br"},
	})

	req := CouponValidationRequest{Code: "strict", ProductID: "p2", Region: "us", Amount: dec("10")}

	// every check fails; each fix surfaces the next reason in order
	res, err := h.coupons.Validate(h.ctx, req)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Reason, domain.ErrCouponMinPurchase)

	req.Amount = dec("100")
	res, err = h.coupons.Validate(h.ctx, req)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Reason, domain.ErrCouponWrongProduct)

	req.ProductID = "p1"
	res, err = h.coupons.Validate(h.ctx, req)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Reason, domain.ErrCouponWrongRegion)

	req.Region = "BR"
	res, err = h.coupons.Validate(h.ctx, req)
	require.NoError(t, err)
	require.True(t, res.Valid)
	assert.True(t, res.Discount.Equal(dec("10")))

	_, err = h.coupons.Use(h.ctx, "STRICT")
	require.NoError(t, err)
	res, err = h.coupons.Validate(h.ctx, req)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Reason, domain.ErrCouponExhausted)

	h.clock.Advance(2 * time.Hour)
	res, err = h.coupons.Validate(h.ctx, req)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Reason, domain.ErrCouponExpired)

	res, err = h.coupons.Validate(h.ctx, CouponValidationRequest{Code: "nope"})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.ErrorIs(t, res.Reason, domain.ErrCouponNotFound)
}

func TestCouponUseAndRelease(t *testing.T) {
	h := newHarness(t)
	h.coupon(t, domain.Coupon{Code: "TWICE", Amount: dec("5"), MaxUses: domain.IntPtr(2)})

	for i := 1; i <= 2; i++ {
		c, err := h.coupons.Use(h.ctx, "twice")
		require.NoError(t, err)
		assert.Equal(t, i, c.UsedCount)
	}
	_, err := h.coupons.Use(h.ctx, "TWICE")
	assert.ErrorIs(t, err, domain.ErrCouponExhausted)

	require.NoError(t, h.coupons.Release(h.ctx, "TWICE"))
	c, err := h.coupons.Get(h.ctx, "TWICE")
	require.NoError(t, err)
	assert.Equal(t, 1, c.UsedCount)

	_, err = h.coupons.Use(h.ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrCouponNotFound)
	assert.NoError(t, h.coupons.Release(h.ctx, "missing"))
}

func TestCouponUpdateDeleteStats(t *testing.T) {
	h := newHarness(t)
	h.coupon(t, domain.Coupon{Code: "A", Amount: dec("10")})
	h.coupon(t, domain.Coupon{Code: "B", Type: domain.CouponFixed, Amount: dec("3"), MaxUses: domain.IntPtr(5)})
	_, err := h.coupons.Use(h.ctx, "B")
	require.NoError(t, err)

	until := h.clock.Now().Add(time.Minute)
	updated, err := h.coupons.Update(h.ctx, "a", CouponPatch{ValidUntil: &until, Amount: ptr(dec("20"))})
	require.NoError(t, err)
	assert.True(t, updated.Amount.Equal(dec("20")))

	updated, err = h.coupons.Update(h.ctx, "B", CouponPatch{UnlimitedUses: true})
	require.NoError(t, err)
	assert.Nil(t, updated.MaxUses)

	_, err = h.coupons.Update(h.ctx, "A", CouponPatch{Amount: ptr(dec("-1"))})
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = h.coupons.Update(h.ctx, "missing", CouponPatch{})
	assert.ErrorIs(t, err, domain.ErrCouponNotFound)

	h.clock.Advance(time.Hour)
	stats, err := h.coupons.Stats(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.CouponStats{
		Total:             2,
		Active:            1,
		Expired:           1,
		TotalUses:         1,
		PercentageCoupons: 1,
		FixedCoupons:      1,
	}, *stats)

	ok, err := h.coupons.Delete(h.ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = h.coupons.Get(h.ctx, "A")
	assert.ErrorIs(t, err, domain.ErrCouponNotFound)
}

func TestCouponUpdate_MaxUsesNotBelowUsage(t *testing.T) {
	h := newHarness(t)
	h.coupon(t, domain.Coupon{Code: "BUSY", Amount: dec("10"), MaxUses: domain.IntPtr(5)})
	for i := 0; i < 3; i++ {
		_, err := h.coupons.Use(h.ctx, "BUSY")
		require.NoError(t, err)
	}

	_, err := h.coupons.Update(h.ctx, "BUSY", CouponPatch{MaxUses: domain.IntPtr(1)})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "max_uses", verr.Field)

	got, err := h.coupons.Get(h.ctx, "BUSY")
	require.NoError(t, err)
	assert.Equal(t, 3, got.UsedCount)
	assert.Equal(t, 5, *got.MaxUses)

	// capping at the current usage closes the coupon
	updated, err := h.coupons.Update(h.ctx, "BUSY", CouponPatch{MaxUses: domain.IntPtr(3)})
	require.NoError(t, err)
	assert.Equal(t, 3, *updated.MaxUses)
	_, err = h.coupons.Use(h.ctx, "BUSY")
	assert.ErrorIs(t, err, domain.ErrCouponExhausted)
}

func ptr[T any](v T) *T {
	return &v
}
