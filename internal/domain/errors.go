package domain

import (
	"errors"
	"fmt"
)

var (
	ErrProductNotFound         = errors.New("product not found")
	ErrVariantRequired         = errors.New("variant is required for this product")
	ErrVariantNotFound         = errors.New("variant not found")
	ErrInvalidQuantity         = errors.New("quantity must be positive")
	ErrInsufficientStock       = errors.New("insufficient stock")
	ErrCheckoutNotFound        = errors.New("checkout not found")
	ErrInvalidTransition       = errors.New("operation not allowed in current checkout status")
	ErrPaymentAttemptsExceeded = errors.New("payment attempts exceeded")
	ErrNoPayment               = errors.New("checkout has no payment")
	ErrActiveCheckoutExists    = errors.New("user already has an active checkout")
	ErrUnsupportedMethod       = errors.New("unsupported payment method")

	ErrCouponNotFound      = errors.New("coupon not found")
	ErrCouponNotYetValid   = errors.New("coupon is not valid yet")
	ErrCouponExpired       = errors.New("coupon expired")
	ErrCouponExhausted     = errors.New("coupon usage limit reached")
	ErrCouponMinPurchase   = errors.New("purchase amount below coupon minimum")
	ErrCouponWrongProduct  = errors.New("coupon not valid for this product")
	ErrCouponWrongRegion   = errors.New("coupon not valid for this region")
	ErrCouponExists        = errors.New("coupon code already exists")
	ErrCouponInvalidAmount = errors.New("coupon amount must be positive")
	ErrNoCoupon            = errors.New("checkout has no coupon")
)

// ValidationError is bad input rejected before any state change.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func NewValidationError(field string, err error) error {
	return &ValidationError{Field: field, Err: err}
}

// StockError is raised when a purchase asks for more than is available.
type StockError struct {
	ProductID string
	VariantID string
	Requested int
	Available int
}

func (e *StockError) Error() string {
	if e.VariantID != "" {
		return fmt.Sprintf("insufficient stock for %s/%s: requested %d, available %d", e.ProductID, e.VariantID, e.Requested, e.Available)
	}
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *StockError) Unwrap() error { return ErrInsufficientStock }

// GatewayError wraps a failed or timed-out payment provider call.
type GatewayError struct {
	Provider Provider
	Op       string
	Err      error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// ReconciliationError is a poll or webhook that could not be applied to a checkout.
type ReconciliationError struct {
	CheckoutID string
	Err        error
}

func (e *ReconciliationError) Error() string {
	if e.CheckoutID == "" {
		return fmt.Sprintf("reconcile: %v", e.Err)
	}
	return fmt.Sprintf("reconcile checkout %s: %v", e.CheckoutID, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

// IsCouponRejection reports whether err is one of the coupon validation reasons.
func IsCouponRejection(err error) bool {
	for _, target := range []error{
		ErrCouponNotFound, ErrCouponNotYetValid, ErrCouponExpired, ErrCouponExhausted,
		ErrCouponMinPurchase, ErrCouponWrongProduct, ErrCouponWrongRegion,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
