// Package billing abstracts the payment provider. The production
// implementation is Stripe; tests use MockProvider.
package billing

import (
	"context"
	"time"
)

// Provider is the payment-processing surface the reconciler depends on.
type Provider interface {
	// CreateCheckoutSession creates a hosted checkout session for a deposit
	// or invoice payment and returns its id and redirect URL.
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)

	// VerifyWebhook checks the signature over the raw payload and parses the
	// event. Returns ErrInvalidSignature on verification failure.
	VerifyWebhook(payload []byte, signature string) (*Event, error)

	// Configured reports whether the provider has credentials to make calls.
	Configured() bool
}

// CheckoutParams describe one checkout session.
type CheckoutParams struct {
	AmountCents int64
	Currency    string
	Description string
	SuccessURL  string
	CancelURL   string
	CustomerEmail string

	// Metadata is echoed back on webhook events; the reconciler relies on
	// org_id plus booking_id or invoice_id being present.
	Metadata map[string]string

	// IdempotencyKey guards against duplicate sessions on retry.
	IdempotencyKey string
}

// CheckoutSession is the created session.
type CheckoutSession struct {
	ID              string
	URL             string
	PaymentIntentID string
	CreatedAt       time.Time
}

// Event is a provider webhook event reduced to the fields the reconciler
// consumes.
type Event struct {
	ID        string
	Type      string
	CreatedAt time.Time
	Object    EventObject
}

// EventObject is the event's data object. Expandable references (customer,
// payment_intent, subscription) are flattened to ids.
type EventObject struct {
	ID              string
	Metadata        map[string]string
	CustomerID      string
	PaymentIntentID string
	SubscriptionID  string
	AmountTotal     int64
	AmountReceived  int64
	Currency        string
	Status          string
	PaymentStatus   string
}
