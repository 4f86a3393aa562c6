package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"storefront-bot/internal/domain"
)

const mercadoPagoTimeLayout = "2006-01-02T15:04:05.000-07:00"

type MercadoPagoConfig struct {
	BaseURL         string
	AccessToken     string
	NotificationURL string
	WebhookSecret   string
	Timeout         time.Duration
}

// MercadoPago issues PIX charges through the /v1/payments API.
type MercadoPago struct {
	httpClient *http.Client
	cfg        MercadoPagoConfig
}

func NewMercadoPago(cfg MercadoPagoConfig) *MercadoPago {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &MercadoPago{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
	}
}

func (c *MercadoPago) Name() domain.Provider {
	return domain.ProviderMercadoPago
}

type mpPayer struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
}

type mpCreatePayment struct {
	TransactionAmount float64 `json:"transaction_amount"`
	Description       string  `json:"description"`
	PaymentMethodID   string  `json:"payment_method_id"`
	Payer             mpPayer `json:"payer"`
	ExternalReference string  `json:"external_reference"`
	NotificationURL   string  `json:"notification_url,omitempty"`
	DateOfExpiration  string  `json:"date_of_expiration,omitempty"`
}

type mpPayment struct {
	ID                 int64           `json:"id"`
	Status             string          `json:"status"`
	StatusDetail       string          `json:"status_detail"`
	ExternalReference  string          `json:"external_reference"`
	TransactionAmount  decimal.Decimal `json:"transaction_amount"`
	DateApproved       *time.Time      `json:"date_approved"`
	DateOfExpiration   *time.Time      `json:"date_of_expiration"`
	PointOfInteraction struct {
		TransactionData struct {
			QRCode       string `json:"qr_code"`
			QRCodeBase64 string `json:"qr_code_base64"`
			TicketURL    string `json:"ticket_url"`
		} `json:"transaction_data"`
	} `json:"point_of_interaction"`
}

func (c *MercadoPago) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	if req.Method != domain.MethodPix {
		return nil, fmt.Errorf("%w: mercadopago handles pix only", domain.ErrUnsupportedMethod)
	}

	payload := mpCreatePayment{
		TransactionAmount: req.Amount.Round(2).InexactFloat64(),
		Description:       truncate(req.Description, 255),
		PaymentMethodID:   "pix",
		Payer:             mpPayer{Email: req.UserID + "@discord.user", FirstName: "Discord"},
		ExternalReference: req.CheckoutID,
		NotificationURL:   c.cfg.NotificationURL,
	}
	if !req.ExpiresAt.IsZero() {
		payload.DateOfExpiration = req.ExpiresAt.Format(mercadoPagoTimeLayout)
	}

	body, err := jsonBody(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := newRequest(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/payments", body, "application/json")
	if err != nil {
		return nil, err
	}
	c.authorize(httpReq)
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("X-Idempotency-Key", req.IdempotencyKey)
	}

	var p mpPayment
	if err := do(c.httpClient, httpReq, &p); err != nil {
		return nil, err
	}
	if p.Status == "rejected" {
		return nil, fmt.Errorf("payment rejected: %s", p.StatusDetail)
	}
	td := p.PointOfInteraction.TransactionData
	if td.QRCode == "" {
		return nil, errors.New("pix data missing from response")
	}

	expiresAt := req.ExpiresAt
	if p.DateOfExpiration != nil {
		expiresAt = *p.DateOfExpiration
	}
	return &Charge{
		Provider:   domain.ProviderMercadoPago,
		ExternalID: fmt.Sprint(p.ID),
		Status:     mapMercadoPagoStatus(p.Status, p.StatusDetail),
		QRCode:     td.QRCodeBase64,
		QRCodeText: td.QRCode,
		URL:        td.TicketURL,
		ExpiresAt:  expiresAt,
	}, nil
}

func (c *MercadoPago) GetStatus(ctx context.Context, externalID string) (*Status, error) {
	httpReq, err := newRequest(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/payments/"+externalID, nil, "")
	if err != nil {
		return nil, err
	}
	c.authorize(httpReq)

	var p mpPayment
	if err := do(c.httpClient, httpReq, &p); err != nil {
		return nil, err
	}
	return &Status{
		ExternalID:        fmt.Sprint(p.ID),
		ExternalReference: p.ExternalReference,
		Status:            mapMercadoPagoStatus(p.Status, p.StatusDetail),
		PaidAt:            p.DateApproved,
		Amount:            p.TransactionAmount,
	}, nil
}

type mpNotification struct {
	ID     json.Number `json:"id"`
	Type   string      `json:"type"`
	Action string      `json:"action"`
	Data   struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ParseWebhook verifies the x-signature header when a secret is configured,
// then fetches the payment since notifications carry no status.
func (c *MercadoPago) ParseWebhook(ctx context.Context, payload []byte, header http.Header) (*WebhookEvent, error) {
	var n mpNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	if n.Type != "payment" || n.Data.ID == "" {
		return nil, ErrIgnoredEvent
	}
	if c.cfg.WebhookSecret != "" {
		if err := c.verify(header, n.Data.ID); err != nil {
			return nil, err
		}
	}

	st, err := c.GetStatus(ctx, n.Data.ID)
	if err != nil {
		return nil, err
	}
	eventID := n.ID.String()
	if eventID == "" {
		eventID = n.Action + ":" + n.Data.ID
	}
	return &WebhookEvent{
		Provider:          domain.ProviderMercadoPago,
		EventID:           eventID + ":" + string(st.Status),
		ExternalID:        st.ExternalID,
		ExternalReference: st.ExternalReference,
		Status:            st.Status,
		PaidAt:            st.PaidAt,
		Amount:            st.Amount,
	}, nil
}

// verify checks "ts=<unix>,v1=<hex>" against id:<data.id>;request-id:<x-request-id>;ts:<ts>;
func (c *MercadoPago) verify(header http.Header, dataID string) error {
	parts := parseSignatureHeader(header.Get("x-signature"))
	if len(parts["ts"]) == 0 || len(parts["v1"]) == 0 {
		return ErrInvalidSignature
	}
	ts := parts["ts"][0]
	manifest := fmt.Sprintf("id:%s;request-id:%s;ts:%s;", strings.ToLower(dataID), header.Get("x-request-id"), ts)
	if !hmacEqual(hmacSHA256Hex(c.cfg.WebhookSecret, manifest), parts["v1"][0]) {
		return ErrInvalidSignature
	}
	return nil
}

func (c *MercadoPago) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
}

func mapMercadoPagoStatus(status, detail string) domain.PaymentStatus {
	switch status {
	case "approved":
		return domain.PaymentPaid
	case "cancelled":
		if detail == "expired" {
			return domain.PaymentExpired
		}
		return domain.PaymentFailed
	case "rejected", "refunded", "charged_back":
		return domain.PaymentFailed
	default:
		return domain.PaymentPending
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
