package repo

import (
	"context"
	"errors"
	"time"

	"storefront-bot/internal/database"
	"storefront-bot/internal/domain"
)

type WebhookEvent struct {
	Provider    domain.Provider `json:"provider"`
	EventID     string          `json:"event_id"`
	CheckoutID  string          `json:"checkout_id,omitempty"`
	ProcessedAt time.Time       `json:"processed_at"`
}

type WebhookEventRepo interface {
	Exists(ctx context.Context, provider domain.Provider, eventID string) (bool, error)
	// MarkProcessed returns false when the event was already recorded.
	MarkProcessed(ctx context.Context, event *WebhookEvent) (bool, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

type webhookEventRepo struct {
	docs documents[WebhookEvent]
}

func NewWebhookEventRepo(store database.Store) WebhookEventRepo {
	return &webhookEventRepo{docs: documents[WebhookEvent]{store: store, kind: "webhook_event", prefix: "webhook_event:"}}
}

func eventKey(provider domain.Provider, eventID string) string {
	return string(provider) + ":" + eventID
}

func (r *webhookEventRepo) Exists(ctx context.Context, provider domain.Provider, eventID string) (bool, error) {
	ev, _, err := r.docs.get(ctx, eventKey(provider, eventID))
	return ev != nil, err
}

func (r *webhookEventRepo) MarkProcessed(ctx context.Context, event *WebhookEvent) (bool, error) {
	_, err := r.docs.create(ctx, eventKey(event.Provider, event.EventID), event)
	if errors.Is(err, database.ErrConflict) {
		return false, nil
	}
	return err == nil, err
}

func (r *webhookEventRepo) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	events, err := r.docs.list(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ev := range events {
		if !ev.ProcessedAt.Before(cutoff) {
			continue
		}
		ok, err := r.docs.delete(ctx, eventKey(ev.Provider, ev.EventID))
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}
