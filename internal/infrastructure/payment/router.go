package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"storefront-bot/internal/domain"
)

// Router dispatches to a provider by payment method (charges) or provider name
// (status and webhooks). Provider errors come back as *domain.GatewayError.
type Router struct {
	byMethod   map[domain.PaymentMethod]Provider
	byProvider map[domain.Provider]Provider
}

func NewRouter() *Router {
	return &Router{
		byMethod:   make(map[domain.PaymentMethod]Provider),
		byProvider: make(map[domain.Provider]Provider),
	}
}

// Register routes the given methods to p. A provider registered with no
// methods still serves status checks and webhooks.
func (r *Router) Register(p Provider, methods ...domain.PaymentMethod) *Router {
	r.byProvider[p.Name()] = p
	for _, m := range methods {
		r.byMethod[m] = p
	}
	return r
}

func (r *Router) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	p, ok := r.byMethod[req.Method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedMethod, req.Method)
	}
	charge, err := p.CreateCharge(ctx, req)
	if err != nil {
		return nil, &domain.GatewayError{Provider: p.Name(), Op: "create charge", Err: err}
	}
	return charge, nil
}

func (r *Router) GetStatus(ctx context.Context, provider domain.Provider, externalID string) (*Status, error) {
	p, err := r.provider(provider)
	if err != nil {
		return nil, err
	}
	st, err := p.GetStatus(ctx, externalID)
	if err != nil {
		return nil, &domain.GatewayError{Provider: provider, Op: "get status", Err: err}
	}
	return st, nil
}

func (r *Router) ParseWebhook(ctx context.Context, provider domain.Provider, payload []byte, header http.Header) (*WebhookEvent, error) {
	p, err := r.provider(provider)
	if err != nil {
		return nil, err
	}
	ev, err := p.ParseWebhook(ctx, payload, header)
	if err != nil {
		if errors.Is(err, ErrIgnoredEvent) || errors.Is(err, ErrInvalidSignature) {
			return nil, err
		}
		return nil, &domain.GatewayError{Provider: provider, Op: "parse webhook", Err: err}
	}
	ev.Provider = provider
	return ev, nil
}

func (r *Router) provider(name domain.Provider) (Provider, error) {
	p, ok := r.byProvider[name]
	if !ok {
		return nil, fmt.Errorf("unknown payment provider %q", name)
	}
	return p, nil
}
