package delivery

import (
	"context"
	"errors"

	"storefront-bot/internal/domain"
)

var ErrNoRecipient = errors.New("no dm channel or fallback channel for delivery")

// Dispatcher hands purchased content to the buyer.
type Dispatcher interface {
	Deliver(ctx context.Context, checkout *domain.Checkout, product *domain.Product) error
}

// ChannelCloser removes the buyer's private purchase channel.
type ChannelCloser interface {
	CloseChannel(ctx context.Context, channelID string) error
}

// SaleNotifier posts a completed sale to the admin log.
type SaleNotifier interface {
	NotifySale(ctx context.Context, checkout *domain.Checkout, product *domain.Product) error
}
