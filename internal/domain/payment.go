package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	MethodPix  PaymentMethod = "pix"
	MethodCard PaymentMethod = "card"
)

func (m PaymentMethod) Valid() bool {
	return m == MethodPix || m == MethodCard
}

type Provider string

const (
	ProviderMercadoPago Provider = "mercadopago"
	ProviderStripe      Provider = "stripe"
	ProviderSimulated   Provider = "simulated"
)

// PaymentStatus is the gateway status normalized across providers.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
	PaymentExpired PaymentStatus = "expired"
)

type Payment struct {
	Method     PaymentMethod   `json:"method"`
	Provider   Provider        `json:"provider"`
	PaymentID  string          `json:"payment_id"`
	Status     PaymentStatus   `json:"status"`
	Amount     decimal.Decimal `json:"amount"`
	QRCode     string          `json:"qr_code,omitempty"`
	QRCodeText string          `json:"qr_code_text,omitempty"`
	URL        string          `json:"url,omitempty"`
	ExpiresAt  time.Time       `json:"expires_at"`
	CreatedAt  time.Time       `json:"created_at"`
	PaidAt     *time.Time      `json:"paid_at,omitempty"`
}

// ChargeRequestKey is the idempotency key of a charge request that failed
// without a definite answer. The gateway may still have created the charge.
type ChargeRequestKey struct {
	Key    string          `json:"key"`
	Method PaymentMethod   `json:"method"`
	Amount decimal.Decimal `json:"amount"`
}

// Matches reports whether a new request for method and amount may reuse the key.
func (k *ChargeRequestKey) Matches(method PaymentMethod, amount decimal.Decimal) bool {
	return k != nil && k.Method == method && k.Amount.Equal(amount)
}

// PaymentUpdate is what a poller or webhook observed at the gateway.
type PaymentUpdate struct {
	Provider   Provider
	ExternalID string
	Status     PaymentStatus
	PaidAt     *time.Time
	Amount     decimal.Decimal
}
