package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type CheckoutStatus string

const (
	CheckoutDraft     CheckoutStatus = "DRAFT"
	CheckoutPending   CheckoutStatus = "PENDING"
	CheckoutApproved  CheckoutStatus = "APPROVED"
	CheckoutCompleted CheckoutStatus = "COMPLETED"
	CheckoutCancelled CheckoutStatus = "CANCELLED"
	CheckoutExpired   CheckoutStatus = "EXPIRED"
	CheckoutFailed    CheckoutStatus = "FAILED"
)

func (s CheckoutStatus) IsTerminal() bool {
	switch s {
	case CheckoutCompleted, CheckoutCancelled, CheckoutExpired, CheckoutFailed:
		return true
	}
	return false
}

// IsActive reports whether the buyer can still change or pay the checkout.
func (s CheckoutStatus) IsActive() bool {
	return s == CheckoutDraft || s == CheckoutPending
}

// Paid covers APPROVED and COMPLETED: stock has been committed.
func (s CheckoutStatus) Paid() bool {
	return s == CheckoutApproved || s == CheckoutCompleted
}

func (s CheckoutStatus) Valid() bool {
	switch s {
	case CheckoutDraft, CheckoutPending, CheckoutApproved, CheckoutCompleted,
		CheckoutCancelled, CheckoutExpired, CheckoutFailed:
		return true
	}
	return false
}

func (s CheckoutStatus) String() string {
	return string(s)
}

type Checkout struct {
	ID                 string            `json:"id"`
	UserID             string            `json:"user_id"`
	ChannelID          string            `json:"channel_id,omitempty"`
	ProductID          string            `json:"product_id"`
	VariantID          string            `json:"variant_id,omitempty"`
	Region             string            `json:"region"`
	Quantity           int               `json:"quantity"`
	UnitPrice          decimal.Decimal   `json:"unit_price"`
	Total              decimal.Decimal   `json:"total"`
	Currency           string            `json:"currency"`
	Coupon             *CouponSnapshot   `json:"coupon"`
	Payment            *Payment          `json:"payment"`
	UnconfirmedCharge  *ChargeRequestKey `json:"unconfirmed_charge,omitempty"`
	Status             CheckoutStatus    `json:"status"`
	FailureReason      string            `json:"failure_reason,omitempty"`
	PaymentAttempts    int               `json:"payment_attempts"`
	MaxPaymentAttempts int               `json:"max_payment_attempts"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
	StockCommittedAt   *time.Time        `json:"stock_committed_at,omitempty"`
	DeliveredAt        *time.Time        `json:"delivered_at,omitempty"`
}

func (c *Checkout) BaseTotal() decimal.Decimal {
	return c.UnitPrice.Mul(decimal.NewFromInt(int64(c.Quantity)))
}

// Recalculate sets Total = base - coupon discount, floored at zero, and
// refreshes the coupon snapshot's discount against the current base.
func (c *Checkout) Recalculate() {
	base := c.BaseTotal()
	if c.Coupon == nil {
		c.Total = base
		return
	}
	c.Coupon.Discount = c.Coupon.DiscountFor(base)
	c.Total = decimal.Max(base.Sub(c.Coupon.Discount), decimal.Zero)
}

func (c *Checkout) AttemptsExhausted() bool {
	return c.MaxPaymentAttempts > 0 && c.PaymentAttempts >= c.MaxPaymentAttempts
}

func (c *Checkout) PaymentExpired(now time.Time) bool {
	return c.Payment != nil && !c.Payment.ExpiresAt.IsZero() && now.After(c.Payment.ExpiresAt)
}

func (c *Checkout) Touch(now time.Time) {
	c.UpdatedAt = now
}
