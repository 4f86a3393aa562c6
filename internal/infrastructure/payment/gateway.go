package payment

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"storefront-bot/internal/domain"
)

// ErrIgnoredEvent marks a webhook the core has no interest in; acknowledge and drop it.
var ErrIgnoredEvent = errors.New("webhook event ignored")

// ErrInvalidSignature is returned when a webhook fails verification.
var ErrInvalidSignature = errors.New("invalid webhook signature")

type ChargeRequest struct {
	Method         domain.PaymentMethod
	Amount         decimal.Decimal
	Currency       string
	Description    string
	CheckoutID     string
	UserID         string
	IdempotencyKey string
	ExpiresAt      time.Time
}

type Charge struct {
	Provider   domain.Provider
	ExternalID string
	Status     domain.PaymentStatus
	QRCode     string
	QRCodeText string
	URL        string
	ExpiresAt  time.Time
}

type Status struct {
	ExternalID        string
	ExternalReference string
	Status            domain.PaymentStatus
	PaidAt            *time.Time
	Amount            decimal.Decimal
}

// WebhookEvent is an inbound notification normalized across providers.
// ExternalReference carries the checkout id.
type WebhookEvent struct {
	Provider          domain.Provider
	EventID           string
	ExternalID        string
	ExternalReference string
	Status            domain.PaymentStatus
	PaidAt            *time.Time
	Amount            decimal.Decimal
}

// Provider is a single payment provider client.
type Provider interface {
	Name() domain.Provider
	CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
	GetStatus(ctx context.Context, externalID string) (*Status, error)
	ParseWebhook(ctx context.Context, payload []byte, header http.Header) (*WebhookEvent, error)
}

// PaymentGateway is the capability the checkout core consumes.
type PaymentGateway interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
	GetStatus(ctx context.Context, provider domain.Provider, externalID string) (*Status, error)
	ParseWebhook(ctx context.Context, provider domain.Provider, payload []byte, header http.Header) (*WebhookEvent, error)
}
