// Package payments drives Stripe checkout creation and webhook
// reconciliation. Webhook effects are applied at most once per provider event
// id through the stripe_events ledger.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rowanhq/brightside/internal/billing"
	"github.com/rowanhq/brightside/internal/breaker"
	"github.com/rowanhq/brightside/internal/clock"
	"github.com/rowanhq/brightside/internal/domain"
	"github.com/rowanhq/brightside/internal/repository"
	"github.com/rowanhq/brightside/internal/telemetry"
)

const providerName = "stripe"

// Config carries the checkout redirect URLs and email retry budget.
type Config struct {
	SuccessURL        string
	CancelURL         string
	InvoiceSuccessURL string
	InvoiceCancelURL  string
	EmailMaxRetries   int32
}

// Service is the payment reconciler.
type Service struct {
	tx       repository.TxRunner
	provider billing.Provider
	brk      *breaker.Breaker
	clk      clock.Clock
	metrics  *telemetry.Ops
	logger   *slog.Logger
	cfg      Config
}

func NewService(tx repository.TxRunner, provider billing.Provider, brk *breaker.Breaker, clk clock.Clock, metrics *telemetry.Ops, logger *slog.Logger, cfg Config) *Service {
	return &Service{
		tx:       tx,
		provider: provider,
		brk:      brk,
		clk:      clk,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
	}
}

// CheckoutInit is the response to a checkout creation.
type CheckoutInit struct {
	CheckoutURL string    `json:"checkout_url"`
	Provider    string    `json:"provider"`
	BookingID   uuid.UUID `json:"booking_id,omitempty"`
	InvoiceID   uuid.UUID `json:"invoice_id,omitempty"`
}

// CreateDepositCheckout creates a Stripe checkout session for a booking
// deposit. The external call happens outside any transaction; correlation ids
// and the pending payment row commit only after Stripe succeeds.
func (s *Service) CreateDepositCheckout(ctx context.Context, orgID, bookingID uuid.UUID) (*CheckoutInit, error) {
	const op = "payments.deposit_checkout"

	var booking *domain.Booking
	err := s.tx.WithinTx(ctx, func(q repository.Querier) error {
		b, err := q.GetBooking(ctx, orgID, bookingID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.NotFound(op, "booking", bookingID.String())
			}
			return domain.Internal(err, op, "load booking")
		}
		if !b.DepositRequired {
			return domain.Conflict(op, "booking does not require a deposit")
		}
		if b.DepositStatus == domain.DepositPaid {
			return domain.Conflict(op, "deposit is already paid")
		}
		if b.Status.Terminal() {
			return domain.Conflict(op, "booking is "+string(b.Status))
		}
		booking = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	snapshot := depositSnapshot(booking)
	sess, err := s.createSession(ctx, op, "deposit", billing.CheckoutParams{
		AmountCents: booking.DepositCents,
		Currency:    snapshot.currency,
		Description: "Booking deposit",
		SuccessURL:  s.cfg.SuccessURL,
		CancelURL:   s.cfg.CancelURL,
		Metadata: map[string]string{
			"org_id":     orgID.String(),
			"booking_id": booking.ID.String(),
		},
		IdempotencyKey: fmt.Sprintf("deposit:%s", booking.ID),
	})
	if err != nil {
		return nil, err
	}

	now := s.clk.Now()
	err = s.tx.WithinTx(ctx, func(q repository.Querier) error {
		b, err := q.GetBookingForUpdate(ctx, orgID, bookingID)
		if err != nil {
			return domain.Internal(err, op, "relock booking")
		}
		b.StripeCheckoutSessionID = sess.ID
		b.StripePaymentIntentID = sess.PaymentIntentID
		b.UpdatedAt = now
		if err := q.UpdateBooking(ctx, b); err != nil {
			return domain.Internal(err, op, "attach correlation ids")
		}
		return q.CreatePayment(ctx, &domain.Payment{
			ID:                uuid.New(),
			OrgID:             orgID,
			BookingID:         b.ID,
			Provider:          providerName,
			ProviderRef:       sess.PaymentIntentID,
			CheckoutSessionID: sess.ID,
			PaymentIntentID:   sess.PaymentIntentID,
			AmountCents:       b.DepositCents,
			Currency:          snapshot.currency,
			Status:            domain.PaymentPending,
			CreatedAt:         now,
			UpdatedAt:         now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.metrics.CheckoutCreated.WithLabelValues("deposit").Inc()
	return &CheckoutInit{CheckoutURL: sess.URL, Provider: providerName, BookingID: booking.ID}, nil
}

// CreateInvoiceCheckout creates a checkout session for an invoice balance.
func (s *Service) CreateInvoiceCheckout(ctx context.Context, orgID, invoiceID uuid.UUID) (*CheckoutInit, error) {
	const op = "payments.invoice_checkout"

	var invoice *domain.Invoice
	err := s.tx.WithinTx(ctx, func(q repository.Querier) error {
		inv, err := q.GetInvoice(ctx, orgID, invoiceID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.NotFound(op, "invoice", invoiceID.String())
			}
			return domain.Internal(err, op, "load invoice")
		}
		switch inv.Status {
		case domain.InvoiceSent, domain.InvoicePartial, domain.InvoiceOverdue:
		case domain.InvoicePaid:
			return domain.Conflict(op, "invoice is already paid")
		default:
			return domain.Conflict(op, "invoice is not payable in status "+string(inv.Status))
		}
		if inv.BalanceCents() <= 0 {
			return domain.Conflict(op, "invoice has no outstanding balance")
		}
		invoice = inv
		return nil
	})
	if err != nil {
		return nil, err
	}

	sess, err := s.createSession(ctx, op, "invoice", billing.CheckoutParams{
		AmountCents: invoice.BalanceCents(),
		Currency:    invoice.Currency,
		Description: "Invoice " + invoice.InvoiceNumber,
		SuccessURL:  s.cfg.InvoiceSuccessURL,
		CancelURL:   s.cfg.InvoiceCancelURL,
		Metadata: map[string]string{
			"org_id":     orgID.String(),
			"invoice_id": invoice.ID.String(),
		},
		IdempotencyKey: fmt.Sprintf("invoice:%s:%d", invoice.ID, invoice.PaidCents),
	})
	if err != nil {
		return nil, err
	}

	now := s.clk.Now()
	err = s.tx.WithinTx(ctx, func(q repository.Querier) error {
		inv, err := q.GetInvoiceForUpdateAnyOrg(ctx, invoiceID)
		if err != nil {
			return domain.Internal(err, op, "relock invoice")
		}
		inv.StripeCheckoutSessionID = sess.ID
		inv.UpdatedAt = now
		if err := q.UpdateInvoice(ctx, inv); err != nil {
			return domain.Internal(err, op, "attach correlation id")
		}
		return q.CreatePayment(ctx, &domain.Payment{
			ID:                uuid.New(),
			OrgID:             orgID,
			InvoiceID:         inv.ID,
			Provider:          providerName,
			ProviderRef:       sess.PaymentIntentID,
			CheckoutSessionID: sess.ID,
			PaymentIntentID:   sess.PaymentIntentID,
			AmountCents:       inv.BalanceCents(),
			Currency:          inv.Currency,
			Status:            domain.PaymentPending,
			CreatedAt:         now,
			UpdatedAt:         now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.metrics.CheckoutCreated.WithLabelValues("invoice").Inc()
	return &CheckoutInit{CheckoutURL: sess.URL, Provider: providerName, InvoiceID: invoice.ID}, nil
}

// createSession runs the external Stripe call under the circuit breaker.
// Circuit open maps to 503, provider failure to 502.
func (s *Service) createSession(ctx context.Context, op, kind string, params billing.CheckoutParams) (*billing.CheckoutSession, error) {
	if !s.provider.Configured() {
		s.metrics.CheckoutFailed.WithLabelValues(kind, "not_configured").Inc()
		return nil, domain.Unavailable(op, "payment provider is not configured")
	}
	if err := s.brk.Allow(); err != nil {
		s.metrics.CheckoutFailed.WithLabelValues(kind, "circuit_open").Inc()
		return nil, domain.Unavailable(op, "stripe_temporarily_unavailable")
	}

	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	sess, err := s.provider.CreateCheckoutSession(callCtx, params)
	if err != nil {
		s.brk.Failure()
		s.metrics.CheckoutFailed.WithLabelValues(kind, "provider_error").Inc()
		return nil, &domain.Error{Code: domain.EBADGATEWAY, Op: op, Message: "stripe_checkout_unavailable", Err: err}
	}
	s.brk.Success()
	return sess, nil
}

type snapshotCurrency struct {
	currency string
}

// depositSnapshot pulls the snapshot currency off the booking, defaulting to
// the payment's currency rules when absent.
func depositSnapshot(b *domain.Booking) snapshotCurrency {
	cur := decodeSnapshotCurrency(b.PolicySnapshot)
	if cur == "" {
		cur = "aud"
	}
	return snapshotCurrency{currency: cur}
}
