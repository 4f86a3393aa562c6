package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"storefront-bot/internal/domain"
	"storefront-bot/internal/repo"
)

const defaultRegion = "br"

type ProductFilter struct {
	Region string
	Search string
}

// ProductPatch carries the fields to change; nil leaves a field as is.
// UnlimitedStock clears the stock limit and wins over Stock.
type ProductPatch struct {
	Title           *string              `json:"title"`
	Description     *string              `json:"description"`
	Price           *decimal.Decimal     `json:"price"`
	Region          *string              `json:"region"`
	Stock           *int                 `json:"stock"`
	UnlimitedStock  bool                 `json:"unlimited_stock"`
	Variants        *[]domain.Variant    `json:"variants"`
	Image           *string              `json:"image"`
	Footer          *string              `json:"footer"`
	DeliveryType    *domain.DeliveryType `json:"delivery_type"`
	DeliveryContent *string              `json:"delivery_content"`
}

type ProductService interface {
	Create(ctx context.Context, product *domain.Product) (*domain.Product, error)
	Get(ctx context.Context, id string) (*domain.Product, error)
	Update(ctx context.Context, id string, patch ProductPatch) (*domain.Product, error)
	Delete(ctx context.Context, id string) (bool, error)
	CheckStock(ctx context.Context, id string, qty int, variantID string) (bool, error)
	ReduceStock(ctx context.Context, id string, qty int, variantID string) (bool, error)
	List(ctx context.Context, filter ProductFilter) ([]domain.Product, error)
	CountByRegion(ctx context.Context) (map[string]int, error)
	Recent(ctx context.Context, limit int) ([]domain.Product, error)
}

type productService struct {
	products    repo.ProductRepo
	currencyFor func(region string) string
	log         logrus.FieldLogger
	now         func() time.Time
}

func NewProductService(products repo.ProductRepo, currencyFor func(region string) string, log logrus.FieldLogger) ProductService {
	return &productService{
		products:    products,
		currencyFor: currencyFor,
		log:         log,
		now:         time.Now,
	}
}

func (s *productService) Create(ctx context.Context, p *domain.Product) (*domain.Product, error) {
	product := *p
	product.Variants = slices.Clone(p.Variants)
	if product.ID == "" {
		product.ID = uuid.NewString()
	}
	if product.Region == "" {
		product.Region = defaultRegion
	}
	product.Region = strings.ToLower(product.Region)
	if product.Currency == "" && s.currencyFor != nil {
		product.Currency = s.currencyFor(product.Region)
	}
	if product.DeliveryType == "" {
		product.DeliveryType = domain.DeliveryDigital
	}
	for i := range product.Variants {
		if product.Variants[i].ID == "" {
			product.Variants[i].ID = uuid.NewString()
		}
	}
	if err := validateProduct(&product); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	product.CreatedAt = now
	product.UpdatedAt = now

	if err := s.products.Create(ctx, &product); err != nil {
		return nil, fmt.Errorf("create product %s: %w", product.ID, err)
	}
	s.log.WithFields(logrus.Fields{"product_id": product.ID, "region": product.Region}).Info("product created")
	return &product, nil
}

func (s *productService) Get(ctx context.Context, id string) (*domain.Product, error) {
	p, _, err := s.products.FindById(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, domain.ErrProductNotFound
	}
	return p, nil
}

func (s *productService) Update(ctx context.Context, id string, patch ProductPatch) (*domain.Product, error) {
	var updated *domain.Product
	err := retryOnConflict("update product", func() error {
		p, rev, err := s.products.FindById(ctx, id)
		if err != nil {
			return err
		}
		if p == nil {
			return domain.ErrProductNotFound
		}
		applyProductPatch(p, patch)
		if patch.Region != nil && s.currencyFor != nil {
			p.Currency = s.currencyFor(p.Region)
		}
		if err := validateProduct(p); err != nil {
			return err
		}
		p.UpdatedAt = s.now().UTC()
		if _, err := s.products.Update(ctx, p, rev); err != nil {
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *productService) Delete(ctx context.Context, id string) (bool, error) {
	return s.products.Delete(ctx, id)
}

// CheckStock is true for unlimited stock or stock >= qty. Unknown products and
// bad variants are reported as errors.
func (s *productService) CheckStock(ctx context.Context, id string, qty int, variantID string) (bool, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	stock, err := p.StockFor(variantID)
	if err != nil {
		return false, err
	}
	return stock == nil || *stock >= qty, nil
}

// ReduceStock decrements the governing stock slot. Only the approval path of
// the checkout core calls it. Stock never goes below zero; an oversell is
// logged instead.
func (s *productService) ReduceStock(ctx context.Context, id string, qty int, variantID string) (bool, error) {
	err := retryOnConflict("reduce stock", func() error {
		p, rev, err := s.products.FindById(ctx, id)
		if err != nil {
			return err
		}
		if p == nil {
			return domain.ErrProductNotFound
		}
		stock, err := p.StockFor(variantID)
		if err != nil {
			return err
		}
		if stock == nil {
			return nil
		}
		if *stock < qty {
			s.log.WithFields(logrus.Fields{
				"product_id": id,
				"variant_id": variantID,
				"stock":      *stock,
				"quantity":   qty,
			}).Warn("oversold: approved quantity exceeds remaining stock")
			*stock = 0
		} else {
			*stock -= qty
		}
		p.UpdatedAt = s.now().UTC()
		_, err = s.products.Update(ctx, p, rev)
		return err
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *productService) List(ctx context.Context, filter ProductFilter) ([]domain.Product, error) {
	all, err := s.products.List(ctx)
	if err != nil {
		return nil, err
	}
	region := strings.ToLower(filter.Region)
	search := strings.ToLower(strings.TrimSpace(filter.Search))

	out := make([]domain.Product, 0, len(all))
	for _, p := range all {
		if region != "" && p.Region != region {
			continue
		}
		if search != "" && !matchesSearch(&p, search) {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *productService) CountByRegion(ctx context.Context) (map[string]int, error) {
	all, err := s.products.List(ctx)
	if err != nil {
		return nil, err
	}
	count := make(map[string]int)
	for _, p := range all {
		count[p.Region]++
	}
	return count, nil
}

func (s *productService) Recent(ctx context.Context, limit int) ([]domain.Product, error) {
	all, err := s.products.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func matchesSearch(p *domain.Product, term string) bool {
	return strings.Contains(strings.ToLower(p.Title), term) ||
		strings.Contains(strings.ToLower(p.Description), term) ||
		strings.Contains(strings.ToLower(p.ID), term)
}

func applyProductPatch(p *domain.Product, patch ProductPatch) {
	if patch.Title != nil {
		p.Title = *patch.Title
	}
	if patch.Description != nil {
		p.Description = *patch.Description
	}
	if patch.Price != nil {
		p.Price = *patch.Price
	}
	if patch.Region != nil {
		p.Region = strings.ToLower(*patch.Region)
	}
	if patch.Stock != nil {
		p.Stock = domain.IntPtr(*patch.Stock)
	}
	if patch.UnlimitedStock {
		p.Stock = nil
	}
	if patch.Variants != nil {
		p.Variants = slices.Clone(*patch.Variants)
		for i := range p.Variants {
			if p.Variants[i].ID == "" {
				p.Variants[i].ID = uuid.NewString()
			}
		}
	}
	if patch.Image != nil {
		p.Image = *patch.Image
	}
	if patch.Footer != nil {
		p.Footer = *patch.Footer
	}
	if patch.DeliveryType != nil {
		p.DeliveryType = *patch.DeliveryType
	}
	if patch.DeliveryContent != nil {
		p.DeliveryContent = *patch.DeliveryContent
	}
}

func validateProduct(p *domain.Product) error {
	if strings.TrimSpace(p.Title) == "" {
		return domain.NewValidationError("title", errors.New("title is required"))
	}
	if p.Price.IsNegative() {
		return domain.NewValidationError("price", errors.New("price must not be negative"))
	}
	if p.Stock != nil && *p.Stock < 0 {
		return domain.NewValidationError("stock", errors.New("stock must not be negative"))
	}
	if p.DeliveryType != domain.DeliveryDigital && p.DeliveryType != domain.DeliveryManual {
		return domain.NewValidationError("delivery_type", fmt.Errorf("unknown delivery type %q", p.DeliveryType))
	}
	seen := make(map[string]bool, len(p.Variants))
	for _, v := range p.Variants {
		if seen[v.ID] {
			return domain.NewValidationError("variants", fmt.Errorf("duplicate variant id %q", v.ID))
		}
		seen[v.ID] = true
		if strings.TrimSpace(v.Name) == "" {
			return domain.NewValidationError("variants", errors.New("variant name is required"))
		}
		if v.Price.IsNegative() {
			return domain.NewValidationError("variants", errors.New("variant price must not be negative"))
		}
		if v.Stock != nil && *v.Stock < 0 {
			return domain.NewValidationError("variants", errors.New("variant stock must not be negative"))
		}
	}
	return nil
}
