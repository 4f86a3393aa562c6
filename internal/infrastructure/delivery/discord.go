package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"storefront-bot/internal/domain"
)

const (
	colorDelivered = 0x57F287
	colorSale      = 0x5865F2
)

type DiscordConfig struct {
	APIURL          string
	BotToken        string
	SalesWebhookURL string
	Timeout         time.Duration
}

// Discord delivers over the Discord REST API: a DM to the buyer first, the
// checkout's private channel when the DM is refused.
type Discord struct {
	httpClient *http.Client
	cfg        DiscordConfig
	log        logrus.FieldLogger
}

func NewDiscord(cfg DiscordConfig, log logrus.FieldLogger) *Discord {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &Discord{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		log:        log,
	}
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields,omitempty"`
	Footer      *embedFooter `json:"footer,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type embedFooter struct {
	Text string `json:"text"`
}

type message struct {
	Content string  `json:"content,omitempty"`
	Embeds  []embed `json:"embeds"`
}

func (d *Discord) Deliver(ctx context.Context, checkout *domain.Checkout, product *domain.Product) error {
	msg := deliveryMessage(checkout, product)

	dmErr := d.sendDM(ctx, checkout.UserID, msg)
	if dmErr == nil {
		return nil
	}
	d.log.WithError(dmErr).WithField("checkout_id", checkout.ID).Warn("dm delivery failed, falling back to channel")

	if checkout.ChannelID == "" {
		return fmt.Errorf("%w: %v", ErrNoRecipient, dmErr)
	}
	if err := d.post(ctx, http.MethodPost, d.cfg.APIURL+"/channels/"+checkout.ChannelID+"/messages", msg, nil); err != nil {
		return fmt.Errorf("deliver to channel %s: %w", checkout.ChannelID, err)
	}
	return nil
}

func (d *Discord) CloseChannel(ctx context.Context, channelID string) error {
	if channelID == "" {
		return nil
	}
	return d.post(ctx, http.MethodDelete, d.cfg.APIURL+"/channels/"+channelID, nil, nil)
}

func (d *Discord) NotifySale(ctx context.Context, checkout *domain.Checkout, product *domain.Product) error {
	if d.cfg.SalesWebhookURL == "" {
		return nil
	}
	return d.post(ctx, http.MethodPost, d.cfg.SalesWebhookURL, saleMessage(checkout, product), nil)
}

func (d *Discord) sendDM(ctx context.Context, userID string, msg message) error {
	var ch struct {
		ID string `json:"id"`
	}
	if err := d.post(ctx, http.MethodPost, d.cfg.APIURL+"/users/@me/channels", map[string]string{"recipient_id": userID}, &ch); err != nil {
		return fmt.Errorf("open dm: %w", err)
	}
	if err := d.post(ctx, http.MethodPost, d.cfg.APIURL+"/channels/"+ch.ID+"/messages", msg, nil); err != nil {
		return fmt.Errorf("send dm: %w", err)
	}
	return nil
}

func (d *Discord) post(ctx context.Context, method, url string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal discord payload: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("http new request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if d.cfg.BotToken != "" && strings.HasPrefix(url, d.cfg.APIURL) {
		req.Header.Set("Authorization", "Bot "+d.cfg.BotToken)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http client do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("discord %s %d: %s", method, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode discord response: %w", err)
		}
	}
	return nil
}

func deliveryMessage(c *domain.Checkout, p *domain.Product) message {
	e := embed{
		Title:       "Purchase delivered: " + p.Title,
		Description: p.DeliveryContent,
		Color:       colorDelivered,
		Fields: []embedField{
			{Name: "Order", Value: c.ID, Inline: true},
			{Name: "Quantity", Value: fmt.Sprint(c.Quantity), Inline: true},
			{Name: "Total", Value: c.Currency + " " + c.Total.StringFixed(2), Inline: true},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if v := p.Variant(c.VariantID); v != nil {
		e.Fields = append(e.Fields, embedField{Name: "Variant", Value: v.Name, Inline: true})
	}
	if p.DeliveryType == domain.DeliveryManual {
		e.Description = "A staff member will deliver your order shortly."
	}
	if p.Footer != "" {
		e.Footer = &embedFooter{Text: p.Footer}
	}
	return message{Embeds: []embed{e}}
}

func saleMessage(c *domain.Checkout, p *domain.Product) message {
	fields := []embedField{
		{Name: "Buyer", Value: "<@" + c.UserID + ">", Inline: true},
		{Name: "Product", Value: p.Title, Inline: true},
		{Name: "Quantity", Value: fmt.Sprint(c.Quantity), Inline: true},
		{Name: "Total", Value: c.Currency + " " + c.Total.StringFixed(2), Inline: true},
	}
	if c.Payment != nil {
		fields = append(fields, embedField{Name: "Method", Value: string(c.Payment.Method), Inline: true})
	}
	if c.Coupon != nil {
		fields = append(fields, embedField{Name: "Coupon", Value: c.Coupon.Code, Inline: true})
	}
	return message{Embeds: []embed{{
		Title:     "New sale",
		Color:     colorSale,
		Fields:    fields,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}}}
}
