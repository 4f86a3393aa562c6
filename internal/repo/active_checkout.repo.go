package repo

import (
	"context"

	"storefront-bot/internal/database"
)

// ActiveCheckout is the per-user index entry enforcing one open checkout.
// An empty CheckoutID means the slot is free.
type ActiveCheckout struct {
	UserID     string `json:"user_id"`
	CheckoutID string `json:"checkout_id"`
}

type ActiveCheckoutRepo interface {
	Find(ctx context.Context, userID string) (*ActiveCheckout, int64, error)
	// Claim creates the entry; database.ErrConflict if one already exists.
	Claim(ctx context.Context, userID, checkoutID string) error
	// Replace overwrites the entry at revision; database.ErrConflict if it moved.
	Replace(ctx context.Context, userID, checkoutID string, revision int64) error
}

type activeCheckoutRepo struct {
	docs documents[ActiveCheckout]
}

func NewActiveCheckoutRepo(store database.Store) ActiveCheckoutRepo {
	return &activeCheckoutRepo{docs: documents[ActiveCheckout]{store: store, kind: "active_checkout", prefix: "active_checkout:"}}
}

func (r *activeCheckoutRepo) Find(ctx context.Context, userID string) (*ActiveCheckout, int64, error) {
	return r.docs.get(ctx, userID)
}

func (r *activeCheckoutRepo) Claim(ctx context.Context, userID, checkoutID string) error {
	_, err := r.docs.create(ctx, userID, &ActiveCheckout{UserID: userID, CheckoutID: checkoutID})
	return err
}

func (r *activeCheckoutRepo) Replace(ctx context.Context, userID, checkoutID string, revision int64) error {
	_, err := r.docs.update(ctx, userID, revision, &ActiveCheckout{UserID: userID, CheckoutID: checkoutID})
	return err
}
