package delivery

import (
	"context"

	"github.com/sirupsen/logrus"

	"storefront-bot/internal/domain"
)

// LogDispatcher only records deliveries. Used when no bot token is configured.
type LogDispatcher struct {
	log logrus.FieldLogger
}

func NewLogDispatcher(log logrus.FieldLogger) *LogDispatcher {
	return &LogDispatcher{log: log}
}

func (d *LogDispatcher) Deliver(ctx context.Context, checkout *domain.Checkout, product *domain.Product) error {
	d.log.WithFields(logrus.Fields{
		"event":       "delivery",
		"checkout_id": checkout.ID,
		"user_id":     checkout.UserID,
		"product_id":  product.ID,
		"quantity":    checkout.Quantity,
	}).Info("product delivered")
	return nil
}

func (d *LogDispatcher) CloseChannel(ctx context.Context, channelID string) error {
	d.log.WithField("channel_id", channelID).Debug("channel close skipped")
	return nil
}

func (d *LogDispatcher) NotifySale(ctx context.Context, checkout *domain.Checkout, product *domain.Product) error {
	d.log.WithFields(logrus.Fields{
		"event":       "sale",
		"checkout_id": checkout.ID,
		"total":       checkout.Total.StringFixed(2),
	}).Info("sale recorded")
	return nil
}
