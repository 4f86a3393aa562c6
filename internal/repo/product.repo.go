package repo

import (
	"context"

	"storefront-bot/internal/database"
	"storefront-bot/internal/domain"
)

type ProductRepo interface {
	FindById(ctx context.Context, id string) (*domain.Product, int64, error)
	Create(ctx context.Context, product *domain.Product) error
	// Update fails with database.ErrConflict when revision is stale.
	Update(ctx context.Context, product *domain.Product, revision int64) (int64, error)
	Delete(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]domain.Product, error)
}

type productRepo struct {
	docs documents[domain.Product]
}

func NewProductRepo(store database.Store) ProductRepo {
	return &productRepo{docs: documents[domain.Product]{store: store, kind: "product", prefix: "product:"}}
}

func (r *productRepo) FindById(ctx context.Context, id string) (*domain.Product, int64, error) {
	return r.docs.get(ctx, id)
}

func (r *productRepo) Create(ctx context.Context, product *domain.Product) error {
	_, err := r.docs.create(ctx, product.ID, product)
	return err
}

func (r *productRepo) Update(ctx context.Context, product *domain.Product, revision int64) (int64, error) {
	return r.docs.update(ctx, product.ID, revision, product)
}

func (r *productRepo) Delete(ctx context.Context, id string) (bool, error) {
	return r.docs.delete(ctx, id)
}

func (r *productRepo) List(ctx context.Context) ([]domain.Product, error) {
	return r.docs.list(ctx)
}
