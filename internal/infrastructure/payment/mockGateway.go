package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"storefront-bot/internal/domain"
)

var ErrChargeNotFound = errors.New("charge not found")

type simulatedCharge struct {
	charge    Charge
	reference string
	amount    decimal.Decimal
	createdAt time.Time
	paidAt    *time.Time
}

// SimulatedGateway is an in-memory provider for sandbox runs and tests.
// Charges are keyed by idempotency key, so a retried CreateCharge returns the
// original charge instead of issuing a second one.
type SimulatedGateway struct {
	mu        sync.RWMutex
	byKey     map[string]string
	charges   map[string]*simulatedCharge
	createErr error
	statusErr error

	// AutoApproveAfter, when set, reports a charge paid once it is this old.
	AutoApproveAfter time.Duration
	// PhantomRate is the probability that CreateCharge records the charge
	// but reports a timeout to the caller.
	PhantomRate float64

	now func() time.Time
}

func NewSimulatedGateway() *SimulatedGateway {
	return &SimulatedGateway{
		byKey:   make(map[string]string),
		charges: make(map[string]*simulatedCharge),
		now:     time.Now,
	}
}

func (g *SimulatedGateway) Name() domain.Provider {
	return domain.ProviderSimulated
}

func (g *SimulatedGateway) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.createErr != nil {
		return nil, g.createErr
	}

	if id, ok := g.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		c := g.charges[id].charge
		return &c, nil
	}

	id := uuid.NewString()
	charge := Charge{
		Provider:   domain.ProviderSimulated,
		ExternalID: id,
		Status:     domain.PaymentPending,
		QRCodeText: fmt.Sprintf("00020126SIMULATED%s5204000053039865802BR", id[:8]),
		URL:        "https://sandbox.invalid/pay/" + id,
		ExpiresAt:  req.ExpiresAt,
	}
	g.charges[id] = &simulatedCharge{
		charge:    charge,
		reference: req.CheckoutID,
		amount:    req.Amount,
		createdAt: g.now(),
	}
	if req.IdempotencyKey != "" {
		g.byKey[req.IdempotencyKey] = id
	}

	if g.PhantomRate > 0 && rand.Float64() < g.PhantomRate {
		// the charge exists, the caller just never hears about it
		return nil, errors.New("connection timeout")
	}
	return &charge, nil
}

func (g *SimulatedGateway) GetStatus(ctx context.Context, externalID string) (*Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.statusErr != nil {
		return nil, g.statusErr
	}
	c, ok := g.charges[externalID]
	if !ok {
		return nil, ErrChargeNotFound
	}
	if g.AutoApproveAfter > 0 && c.charge.Status == domain.PaymentPending && g.now().Sub(c.createdAt) >= g.AutoApproveAfter {
		g.settle(c, domain.PaymentPaid)
	}
	return g.status(c), nil
}

type simulatedWebhook struct {
	EventID    string `json:"event_id"`
	ExternalID string `json:"external_id"`
}

// ParseWebhook accepts {"event_id": "...", "external_id": "..."} and reports
// the charge's current state.
func (g *SimulatedGateway) ParseWebhook(ctx context.Context, payload []byte, header http.Header) (*WebhookEvent, error) {
	var body simulatedWebhook
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("decode simulated webhook: %w", err)
	}
	if body.ExternalID == "" {
		return nil, ErrIgnoredEvent
	}
	st, err := g.GetStatus(ctx, body.ExternalID)
	if err != nil {
		return nil, err
	}
	eventID := body.EventID
	if eventID == "" {
		eventID = body.ExternalID + ":" + string(st.Status)
	}
	return &WebhookEvent{
		Provider:          domain.ProviderSimulated,
		EventID:           eventID,
		ExternalID:        st.ExternalID,
		ExternalReference: st.ExternalReference,
		Status:            st.Status,
		PaidAt:            st.PaidAt,
		Amount:            st.Amount,
	}, nil
}

// Settle forces a charge into a final state.
func (g *SimulatedGateway) Settle(externalID string, status domain.PaymentStatus) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.charges[externalID]
	if !ok {
		return ErrChargeNotFound
	}
	g.settle(c, status)
	return nil
}

// ChargeFor returns the external id issued for a checkout, if any.
func (g *SimulatedGateway) ChargeFor(checkoutID string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for id, c := range g.charges {
		if c.reference == checkoutID {
			return id, true
		}
	}
	return "", false
}

func (g *SimulatedGateway) ChargeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.charges)
}

func (g *SimulatedGateway) FailCreate(err error) {
	g.mu.Lock()
	g.createErr = err
	g.mu.Unlock()
}

func (g *SimulatedGateway) FailStatus(err error) {
	g.mu.Lock()
	g.statusErr = err
	g.mu.Unlock()
}

func (g *SimulatedGateway) settle(c *simulatedCharge, status domain.PaymentStatus) {
	c.charge.Status = status
	if status == domain.PaymentPaid && c.paidAt == nil {
		t := g.now()
		c.paidAt = &t
	}
}

func (g *SimulatedGateway) status(c *simulatedCharge) *Status {
	return &Status{
		ExternalID:        c.charge.ExternalID,
		ExternalReference: c.reference,
		Status:            c.charge.Status,
		PaidAt:            c.paidAt,
		Amount:            c.amount,
	}
}
