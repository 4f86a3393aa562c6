package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type DeliveryType string

const (
	DeliveryDigital DeliveryType = "digital"
	DeliveryManual  DeliveryType = "manual"
)

// Product is a digital good sold through the bot. A nil Stock means unlimited.
type Product struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Price           decimal.Decimal `json:"price"`
	Currency        string          `json:"currency"`
	Region          string          `json:"region"`
	Stock           *int            `json:"stock"`
	Variants        []Variant       `json:"variants"`
	Image           string          `json:"image,omitempty"`
	Footer          string          `json:"footer,omitempty"`
	DeliveryType    DeliveryType    `json:"delivery_type"`
	DeliveryContent string          `json:"delivery_content"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Variant overrides the parent product's price and stock.
type Variant struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
	Stock *int            `json:"stock"`
}

func (p *Product) HasVariants() bool {
	return len(p.Variants) > 0
}

func (p *Product) Variant(id string) *Variant {
	for i := range p.Variants {
		if p.Variants[i].ID == id {
			return &p.Variants[i]
		}
	}
	return nil
}

// StockFor returns the stock slot that governs a purchase: the variant's own
// field for variant products, the product's otherwise.
func (p *Product) StockFor(variantID string) (stock *int, err error) {
	if !p.HasVariants() {
		return p.Stock, nil
	}
	if variantID == "" {
		return nil, ErrVariantRequired
	}
	v := p.Variant(variantID)
	if v == nil {
		return nil, ErrVariantNotFound
	}
	return v.Stock, nil
}

// PriceFor returns the unit price of a purchase.
func (p *Product) PriceFor(variantID string) (decimal.Decimal, error) {
	if !p.HasVariants() {
		return p.Price, nil
	}
	if variantID == "" {
		return decimal.Zero, ErrVariantRequired
	}
	v := p.Variant(variantID)
	if v == nil {
		return decimal.Zero, ErrVariantNotFound
	}
	return v.Price, nil
}

func IntPtr(n int) *int {
	return &n
}
