package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeProvider implements Provider against the Stripe API.
type StripeProvider struct {
	apiKey        string
	webhookSecret string
}

// NewStripeProvider wires the global Stripe client key. Empty credentials
// produce an unconfigured provider; callers surface that as 503.
func NewStripeProvider(apiKey, webhookSecret string) *StripeProvider {
	if apiKey != "" {
		stripe.Key = apiKey
	}
	return &StripeProvider{
		apiKey:        apiKey,
		webhookSecret: webhookSecret,
	}
}

func (s *StripeProvider) Configured() bool {
	return s.apiKey != "" && s.webhookSecret != ""
}

func (s *StripeProvider) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error) {
	if s.apiKey == "" {
		return nil, ErrNotConfigured
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(p.Currency),
				UnitAmount: stripe.Int64(p.AmountCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(p.Description),
				},
			},
			Quantity: stripe.Int64(1),
		}},
	}
	params.Context = ctx
	if p.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(p.CustomerEmail)
	}
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}

	sess, err := session.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	out := &CheckoutSession{
		ID:        sess.ID,
		URL:       sess.URL,
		CreatedAt: time.Unix(sess.Created, 0).UTC(),
	}
	if sess.PaymentIntent != nil {
		out.PaymentIntentID = sess.PaymentIntent.ID
	}
	return out, nil
}

func (s *StripeProvider) VerifyWebhook(payload []byte, signature string) (*Event, error) {
	if s.webhookSecret == "" {
		return nil, ErrNotConfigured
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return parseEvent(ev.ID, string(ev.Type), ev.Created, ev.Data.Raw)
}

// rawObject is the tolerant decode of event.data.object. References may be
// bare ids or expanded objects depending on the event type.
type rawObject struct {
	ID             string            `json:"id"`
	Metadata       map[string]string `json:"metadata"`
	Customer       json.RawMessage   `json:"customer"`
	PaymentIntent  json.RawMessage   `json:"payment_intent"`
	Subscription   json.RawMessage   `json:"subscription"`
	AmountTotal    int64             `json:"amount_total"`
	AmountReceived int64             `json:"amount_received"`
	Currency       string            `json:"currency"`
	Status         string            `json:"status"`
	PaymentStatus  string            `json:"payment_status"`
}

func parseEvent(id, eventType string, created int64, raw json.RawMessage) (*Event, error) {
	var obj rawObject
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("decode event object: %w", err)
		}
	}
	return &Event{
		ID:        id,
		Type:      eventType,
		CreatedAt: time.Unix(created, 0).UTC(),
		Object: EventObject{
			ID:              obj.ID,
			Metadata:        obj.Metadata,
			CustomerID:      refID(obj.Customer),
			PaymentIntentID: refID(obj.PaymentIntent),
			SubscriptionID:  refID(obj.Subscription),
			AmountTotal:     obj.AmountTotal,
			AmountReceived:  obj.AmountReceived,
			Currency:        obj.Currency,
			Status:          obj.Status,
			PaymentStatus:   obj.PaymentStatus,
		},
	}, nil
}

// refID flattens an expandable reference to its id.
func refID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}
