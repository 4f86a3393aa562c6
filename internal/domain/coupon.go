package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type CouponType string

const (
	CouponPercentage CouponType = "PERCENTAGE"
	CouponFixed      CouponType = "FIXED"
)

func (t CouponType) Valid() bool {
	return t == CouponPercentage || t == CouponFixed
}

// Coupon codes are stored upper-case; lookups are case-insensitive.
type Coupon struct {
	Code        string          `json:"code"`
	Type        CouponType      `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	MaxUses     *int            `json:"max_uses"`
	UsedCount   int             `json:"used_count"`
	MinPurchase decimal.Decimal `json:"min_purchase"`
	MaxDiscount decimal.Decimal `json:"max_discount"`
	ValidFrom   time.Time       `json:"valid_from"`
	ValidUntil  *time.Time      `json:"valid_until"`
	Products    []string        `json:"products"`
	Regions     []string        `json:"regions"`
	CreatedBy   string          `json:"created_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (c *Coupon) Exhausted() bool {
	return c.MaxUses != nil && c.UsedCount >= *c.MaxUses
}

func (c *Coupon) Expired(now time.Time) bool {
	return c.ValidUntil != nil && now.After(*c.ValidUntil)
}

// Discount never exceeds amount.
func (c *Coupon) Discount(amount decimal.Decimal) decimal.Decimal {
	return computeDiscount(c.Type, c.Amount, c.MaxDiscount, amount)
}

func (c *Coupon) Snapshot(discount decimal.Decimal) *CouponSnapshot {
	return &CouponSnapshot{
		Code:        c.Code,
		Type:        c.Type,
		Amount:      c.Amount,
		MaxDiscount: c.MaxDiscount,
		Discount:    discount,
	}
}

// CouponSnapshot is the copy of a coupon attached to a checkout.
type CouponSnapshot struct {
	Code        string          `json:"code"`
	Type        CouponType      `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	MaxDiscount decimal.Decimal `json:"max_discount"`
	Discount    decimal.Decimal `json:"discount"`
}

func (s *CouponSnapshot) DiscountFor(amount decimal.Decimal) decimal.Decimal {
	return computeDiscount(s.Type, s.Amount, s.MaxDiscount, amount)
}

var hundred = decimal.NewFromInt(100)

func computeDiscount(t CouponType, value, maxDiscount, amount decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() {
		return decimal.Zero
	}
	var d decimal.Decimal
	switch t {
	case CouponPercentage:
		d = amount.Mul(value).Div(hundred).Round(2)
		if maxDiscount.IsPositive() {
			d = decimal.Min(d, maxDiscount)
		}
	case CouponFixed:
		d = value
	default:
		return decimal.Zero
	}
	if d.IsNegative() {
		return decimal.Zero
	}
	return decimal.Min(d, amount)
}

type CouponStats struct {
	Total             int `json:"total"`
	Active            int `json:"active"`
	Expired           int `json:"expired"`
	TotalUses         int `json:"total_uses"`
	PercentageCoupons int `json:"percentage_coupons"`
	FixedCoupons      int `json:"fixed_coupons"`
}
