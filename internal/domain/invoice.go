package domain

import (
	"time"

	"github.com/google/uuid"
)

// InvoiceStatus is the lifecycle state of an invoice.
type InvoiceStatus string

const (
	InvoiceDraft   InvoiceStatus = "DRAFT"
	InvoiceSent    InvoiceStatus = "SENT"
	InvoicePartial InvoiceStatus = "PARTIAL"
	InvoicePaid    InvoiceStatus = "PAID"
	InvoiceOverdue InvoiceStatus = "OVERDUE"
	InvoiceVoid    InvoiceStatus = "VOID"
)

// Invoice is a billable document tied to a booking and a customer.
type Invoice struct {
	ID            uuid.UUID
	OrgID         uuid.UUID
	InvoiceNumber string
	OrderID       uuid.UUID // the booking this invoice bills
	CustomerID    uuid.UUID // the lead/customer billed
	Status        InvoiceStatus
	TotalCents    int64
	PaidCents     int64
	Currency      string

	StripeCheckoutSessionID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// BalanceCents is the amount still owed.
func (i *Invoice) BalanceCents() int64 {
	if i.PaidCents >= i.TotalCents {
		return 0
	}
	return i.TotalCents - i.PaidCents
}

// StatusForPaid derives the invoice status from a paid amount.
// paid >= total => PAID; 0 < paid < total => PARTIAL; otherwise unchanged.
func (i *Invoice) StatusForPaid(paid int64) InvoiceStatus {
	switch {
	case paid >= i.TotalCents && i.TotalCents > 0:
		return InvoicePaid
	case paid > 0:
		return InvoicePartial
	default:
		return i.Status
	}
}

// PaymentStatus is the state of a payment attempt.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentSucceeded PaymentStatus = "SUCCEEDED"
	PaymentFailed    PaymentStatus = "FAILED"
)

// Payment records a payment attempt against an invoice or a booking deposit.
// (provider, provider_ref) is unique when provider_ref is set; succeeded
// payments never regress on replay.
type Payment struct {
	ID        uuid.UUID
	OrgID     uuid.UUID
	InvoiceID uuid.UUID // uuid.Nil for deposit payments
	BookingID uuid.UUID // uuid.Nil for invoice payments

	Provider          string // "stripe"
	ProviderRef       string // payment_intent id or charge id
	CheckoutSessionID string
	PaymentIntentID   string
	Method            string
	AmountCents       int64
	Currency          string
	Status            PaymentStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}

// StripeEventStatus is the processing state of a webhook event ledger row.
type StripeEventStatus string

const (
	StripeEventProcessing StripeEventStatus = "processing"
	StripeEventSucceeded  StripeEventStatus = "succeeded"
	StripeEventIgnored    StripeEventStatus = "ignored"
	StripeEventError      StripeEventStatus = "error"
)

// StripeEvent is the processed-event ledger row guaranteeing at-most-once
// effects per provider event id. The payload hash must match on replay.
type StripeEvent struct {
	ID             string // provider-global event id
	OrgID          uuid.UUID
	PayloadHash    string
	Status         StripeEventStatus
	EventType      string
	EventCreatedAt time.Time
	InvoiceID      uuid.UUID // uuid.Nil when not invoice-related
	BookingID      uuid.UUID // uuid.Nil when not booking-related
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// OrgBilling maps an organization to its billing provider customer record.
// Webhook org resolution falls back to this mapping when the payload carries
// only a Stripe customer id.
type OrgBilling struct {
	OrgID              uuid.UUID
	StripeCustomerID   string
	SubscriptionID     string
	SubscriptionStatus string
	UpdatedAt          time.Time
}
