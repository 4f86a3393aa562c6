package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"storefront-bot/internal/domain"
)

const stripeSignatureTolerance = 5 * time.Minute

type StripeConfig struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	Timeout       time.Duration
}

// Stripe issues card charges as hosted Checkout Sessions.
type Stripe struct {
	httpClient *http.Client
	cfg        StripeConfig
	now        func() time.Time
}

func NewStripe(cfg StripeConfig) *Stripe {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Stripe{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		now:        time.Now,
	}
}

func (c *Stripe) Name() domain.Provider {
	return domain.ProviderStripe
}

type stripeSession struct {
	ID                string            `json:"id"`
	URL               string            `json:"url"`
	Status            string            `json:"status"`
	PaymentStatus     string            `json:"payment_status"`
	ClientReferenceID string            `json:"client_reference_id"`
	AmountTotal       int64             `json:"amount_total"`
	ExpiresAt         int64             `json:"expires_at"`
	Created           int64             `json:"created"`
	Metadata          map[string]string `json:"metadata"`
}

func (s *stripeSession) reference() string {
	if s.ClientReferenceID != "" {
		return s.ClientReferenceID
	}
	return s.Metadata["checkout_id"]
}

func (c *Stripe) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	if req.Method != domain.MethodCard {
		return nil, fmt.Errorf("%w: stripe handles card only", domain.ErrUnsupportedMethod)
	}

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("payment_method_types[0]", "card")
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", strings.ToLower(req.Currency))
	form.Set("line_items[0][price_data][unit_amount]", req.Amount.Shift(2).Round(0).String())
	form.Set("line_items[0][price_data][product_data][name]", truncate(req.Description, 250))
	form.Set("client_reference_id", req.CheckoutID)
	form.Set("metadata[checkout_id]", req.CheckoutID)
	form.Set("metadata[user_id]", req.UserID)
	if c.cfg.SuccessURL != "" {
		form.Set("success_url", c.cfg.SuccessURL)
	}
	if c.cfg.CancelURL != "" {
		form.Set("cancel_url", c.cfg.CancelURL)
	}
	if !req.ExpiresAt.IsZero() {
		form.Set("expires_at", strconv.FormatInt(req.ExpiresAt.Unix(), 10))
	}

	httpReq, err := newRequest(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/checkout/sessions",
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return nil, err
	}
	c.authorize(httpReq)
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	var s stripeSession
	if err := do(c.httpClient, httpReq, &s); err != nil {
		return nil, err
	}

	expiresAt := req.ExpiresAt
	if s.ExpiresAt > 0 {
		expiresAt = time.Unix(s.ExpiresAt, 0).UTC()
	}
	return &Charge{
		Provider:   domain.ProviderStripe,
		ExternalID: s.ID,
		Status:     mapStripeStatus(s.Status, s.PaymentStatus),
		URL:        s.URL,
		ExpiresAt:  expiresAt,
	}, nil
}

func (c *Stripe) GetStatus(ctx context.Context, externalID string) (*Status, error) {
	httpReq, err := newRequest(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/checkout/sessions/"+url.PathEscape(externalID), nil, "")
	if err != nil {
		return nil, err
	}
	c.authorize(httpReq)

	var s stripeSession
	if err := do(c.httpClient, httpReq, &s); err != nil {
		return nil, err
	}
	return c.status(&s), nil
}

type stripeEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object stripeSession `json:"object"`
	} `json:"data"`
}

func (c *Stripe) ParseWebhook(ctx context.Context, payload []byte, header http.Header) (*WebhookEvent, error) {
	if c.cfg.WebhookSecret != "" {
		if err := c.verify(payload, header.Get("Stripe-Signature")); err != nil {
			return nil, err
		}
	}

	var evt stripeEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("decode stripe event: %w", err)
	}

	var status domain.PaymentStatus
	switch evt.Type {
	case "checkout.session.completed":
		// async methods complete the session before the money settles
		if evt.Data.Object.PaymentStatus != "paid" && evt.Data.Object.PaymentStatus != "no_payment_required" {
			return nil, ErrIgnoredEvent
		}
		status = domain.PaymentPaid
	case "checkout.session.async_payment_succeeded":
		status = domain.PaymentPaid
	case "checkout.session.async_payment_failed":
		status = domain.PaymentFailed
	case "checkout.session.expired":
		status = domain.PaymentExpired
	default:
		return nil, ErrIgnoredEvent
	}

	st := c.status(&evt.Data.Object)
	st.Status = status
	if status == domain.PaymentPaid && st.PaidAt == nil && evt.Created > 0 {
		t := time.Unix(evt.Created, 0).UTC()
		st.PaidAt = &t
	}
	return &WebhookEvent{
		Provider:          domain.ProviderStripe,
		EventID:           evt.ID,
		ExternalID:        st.ExternalID,
		ExternalReference: st.ExternalReference,
		Status:            st.Status,
		PaidAt:            st.PaidAt,
		Amount:            st.Amount,
	}, nil
}

// verify checks "t=<unix>,v1=<hex>" against HMAC-SHA256("<t>.<payload>").
func (c *Stripe) verify(payload []byte, header string) error {
	parts := parseSignatureHeader(header)
	if len(parts["t"]) == 0 || len(parts["v1"]) == 0 {
		return ErrInvalidSignature
	}
	ts, err := strconv.ParseInt(parts["t"][0], 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	if age := c.now().Sub(time.Unix(ts, 0)); age > stripeSignatureTolerance || age < -stripeSignatureTolerance {
		return ErrInvalidSignature
	}

	expected := hmacSHA256Hex(c.cfg.WebhookSecret, parts["t"][0]+"."+string(payload))
	for _, sig := range parts["v1"] {
		if hmacEqual(expected, sig) {
			return nil
		}
	}
	return ErrInvalidSignature
}

func (c *Stripe) status(s *stripeSession) *Status {
	st := &Status{
		ExternalID:        s.ID,
		ExternalReference: s.reference(),
		Status:            mapStripeStatus(s.Status, s.PaymentStatus),
		Amount:            decimal.New(s.AmountTotal, -2),
	}
	if st.Status == domain.PaymentPaid {
		t := c.now().UTC()
		st.PaidAt = &t
	}
	return st
}

func (c *Stripe) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.cfg.SecretKey)
}

func mapStripeStatus(status, paymentStatus string) domain.PaymentStatus {
	switch {
	case paymentStatus == "paid" || paymentStatus == "no_payment_required":
		return domain.PaymentPaid
	case status == "expired":
		return domain.PaymentExpired
	default:
		return domain.PaymentPending
	}
}
