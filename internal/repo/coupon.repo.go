package repo

import (
	"context"
	"strings"

	"storefront-bot/internal/database"
	"storefront-bot/internal/domain"
)

type CouponRepo interface {
	FindByCode(ctx context.Context, code string) (*domain.Coupon, int64, error)
	// Create fails with database.ErrConflict when the code is taken.
	Create(ctx context.Context, coupon *domain.Coupon) error
	Update(ctx context.Context, coupon *domain.Coupon, revision int64) (int64, error)
	Delete(ctx context.Context, code string) (bool, error)
	List(ctx context.Context) ([]domain.Coupon, error)
}

type couponRepo struct {
	docs documents[domain.Coupon]
}

func NewCouponRepo(store database.Store) CouponRepo {
	return &couponRepo{docs: documents[domain.Coupon]{store: store, kind: "coupon", prefix: "coupon:"}}
}

func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (r *couponRepo) FindByCode(ctx context.Context, code string) (*domain.Coupon, int64, error) {
	return r.docs.get(ctx, NormalizeCode(code))
}

func (r *couponRepo) Create(ctx context.Context, coupon *domain.Coupon) error {
	_, err := r.docs.create(ctx, NormalizeCode(coupon.Code), coupon)
	return err
}

func (r *couponRepo) Update(ctx context.Context, coupon *domain.Coupon, revision int64) (int64, error) {
	return r.docs.update(ctx, NormalizeCode(coupon.Code), revision, coupon)
}

func (r *couponRepo) Delete(ctx context.Context, code string) (bool, error) {
	return r.docs.delete(ctx, NormalizeCode(code))
}

func (r *couponRepo) List(ctx context.Context) ([]domain.Coupon, error) {
	return r.docs.list(ctx)
}
