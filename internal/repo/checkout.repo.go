package repo

import (
	"context"
	"time"

	"storefront-bot/internal/database"
	"storefront-bot/internal/domain"
)

type CheckoutRepo interface {
	FindById(ctx context.Context, id string) (*domain.Checkout, int64, error)
	Create(ctx context.Context, checkout *domain.Checkout) error
	// Update writes only if the stored revision still matches; otherwise database.ErrConflict.
	Update(ctx context.Context, checkout *domain.Checkout, revision int64) (int64, error)
	Delete(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]domain.Checkout, error)
	FindByStatus(ctx context.Context, status domain.CheckoutStatus) ([]domain.Checkout, error)
	FindByUser(ctx context.Context, userID string) ([]domain.Checkout, error)
	// FindStale returns checkouts in status created before the cutoff.
	FindStale(ctx context.Context, status domain.CheckoutStatus, createdBefore time.Time) ([]domain.Checkout, error)
}

type checkoutRepo struct {
	docs documents[domain.Checkout]
}

func NewCheckoutRepo(store database.Store) CheckoutRepo {
	return &checkoutRepo{docs: documents[domain.Checkout]{store: store, kind: "checkout", prefix: "checkout:"}}
}

func (r *checkoutRepo) FindById(ctx context.Context, id string) (*domain.Checkout, int64, error) {
	return r.docs.get(ctx, id)
}

func (r *checkoutRepo) Create(ctx context.Context, checkout *domain.Checkout) error {
	_, err := r.docs.create(ctx, checkout.ID, checkout)
	return err
}

func (r *checkoutRepo) Update(ctx context.Context, checkout *domain.Checkout, revision int64) (int64, error) {
	return r.docs.update(ctx, checkout.ID, revision, checkout)
}

func (r *checkoutRepo) Delete(ctx context.Context, id string) (bool, error) {
	return r.docs.delete(ctx, id)
}

func (r *checkoutRepo) List(ctx context.Context) ([]domain.Checkout, error) {
	return r.docs.list(ctx)
}

func (r *checkoutRepo) FindByStatus(ctx context.Context, status domain.CheckoutStatus) ([]domain.Checkout, error) {
	return r.filter(ctx, func(c *domain.Checkout) bool { return c.Status == status })
}

func (r *checkoutRepo) FindByUser(ctx context.Context, userID string) ([]domain.Checkout, error) {
	return r.filter(ctx, func(c *domain.Checkout) bool { return c.UserID == userID })
}

func (r *checkoutRepo) FindStale(ctx context.Context, status domain.CheckoutStatus, createdBefore time.Time) ([]domain.Checkout, error) {
	return r.filter(ctx, func(c *domain.Checkout) bool {
		return c.Status == status && c.CreatedAt.Before(createdBefore)
	})
}

func (r *checkoutRepo) filter(ctx context.Context, keep func(*domain.Checkout) bool) ([]domain.Checkout, error) {
	all, err := r.docs.list(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.Checkout
	for i := range all {
		if keep(&all[i]) {
			out = append(out, all[i])
		}
	}
	return out, nil
}
