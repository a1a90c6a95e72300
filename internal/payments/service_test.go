package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowanhq/brightside/internal/billing"
	"github.com/rowanhq/brightside/internal/breaker"
	"github.com/rowanhq/brightside/internal/clock"
	"github.com/rowanhq/brightside/internal/domain"
	"github.com/rowanhq/brightside/internal/policy"
	"github.com/rowanhq/brightside/internal/repository/repositorytest"
	"github.com/rowanhq/brightside/internal/telemetry"
)

type fixture struct {
	svc    *Service
	store  *repositorytest.Store
	mock   *billing.MockProvider
	brk    *breaker.Breaker
	clk    *clock.Fake
	orgID  uuid.UUID
	leadID uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repositorytest.New()
	clk := clock.NewFake(time.Date(2026, time.September, 14, 8, 0, 0, 0, time.UTC))
	mock := billing.NewMockProvider()
	brk := breaker.New("stripe", breaker.Config{
		FailureThreshold: 2,
		Cooldown:         30 * time.Second,
		ProbeSuccesses:   1,
	}, clk)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &fixture{
		store:  store,
		mock:   mock,
		brk:    brk,
		clk:    clk,
		orgID:  uuid.New(),
		leadID: uuid.New(),
	}
	f.svc = NewService(store, mock, brk, clk, telemetry.NewOps(prometheus.NewRegistry()), logger, Config{
		SuccessURL:        "https://app.test/pay/success",
		CancelURL:         "https://app.test/pay/cancel",
		InvoiceSuccessURL: "https://app.test/invoice/success",
		InvoiceCancelURL:  "https://app.test/invoice/cancel",
		EmailMaxRetries:   3,
	})
	store.SeedLead(domain.Lead{
		ID:    f.leadID,
		OrgID: f.orgID,
		Name:  "Dana Client",
		Email: "dana@example.com",
	})
	return f
}

func (f *fixture) seedDepositBooking(t *testing.T, band domain.RiskBand) *domain.Booking {
	t.Helper()
	snap, err := json.Marshal(policy.Decision{
		Version: policy.SnapshotVersion,
		Deposit: policy.DepositSnapshot{
			Required:    true,
			Percent:     50,
			AmountCents: 20_000,
			Currency:    "aud",
			Basis:       policy.BasisPercentClamped,
			Reasons:     []string{"first_time_client", "short_notice"},
		},
		EstimatedTotalCents: 40_000,
	})
	require.NoError(t, err)

	b := &domain.Booking{
		ID:              uuid.New(),
		OrgID:           f.orgID,
		TeamID:          uuid.New(),
		LeadID:          f.leadID,
		StartsAt:        f.clk.Now().Add(12 * time.Hour),
		DurationMinutes: 120,
		ServiceType:     "deep",
		Status:          domain.BookingPending,
		DepositRequired: true,
		DepositCents:    20_000,
		DepositStatus:   domain.DepositPending,
		PolicySnapshot:  snap,
		RiskBand:        band,
		CreatedAt:       f.clk.Now(),
		UpdatedAt:       f.clk.Now(),
	}
	require.NoError(t, f.store.CreateBooking(context.Background(), b))
	return b
}

func event(id, eventType string, object map[string]any) []byte {
	doc := map[string]any{
		"id":      id,
		"type":    eventType,
		"created": time.Date(2026, time.September, 14, 8, 5, 0, 0, time.UTC).Unix(),
		"data":    map[string]any{"object": object},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return raw
}

func TestDepositCheckoutCreatesPendingPayment(t *testing.T) {
	f := newFixture(t)
	b := f.seedDepositBooking(t, domain.RiskMedium)

	init, err := f.svc.CreateDepositCheckout(context.Background(), f.orgID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "stripe", init.Provider)
	assert.NotEmpty(t, init.CheckoutURL)
	assert.Equal(t, b.ID, init.BookingID)

	got, err := f.store.GetBooking(context.Background(), f.orgID, b.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.StripeCheckoutSessionID)
	assert.NotEmpty(t, got.StripePaymentIntentID)

	p, err := f.store.GetPaymentByProviderRef(context.Background(), "stripe", got.StripePaymentIntentID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, p.Status)
	assert.Equal(t, int64(20_000), p.AmountCents)
	assert.Equal(t, "aud", p.Currency)
	assert.Equal(t, b.ID, p.BookingID)
}

func TestDepositCheckoutPreconditions(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateDepositCheckout(context.Background(), f.orgID, uuid.New())
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))

	noDeposit := f.seedDepositBooking(t, domain.RiskLow)
	noDeposit.DepositRequired = false
	require.NoError(t, f.store.UpdateBooking(context.Background(), noDeposit))
	_, err = f.svc.CreateDepositCheckout(context.Background(), f.orgID, noDeposit.ID)
	assert.Equal(t, domain.ECONFLICT, domain.ErrorCode(err))

	paid := f.seedDepositBooking(t, domain.RiskLow)
	paid.DepositStatus = domain.DepositPaid
	require.NoError(t, f.store.UpdateBooking(context.Background(), paid))
	_, err = f.svc.CreateDepositCheckout(context.Background(), f.orgID, paid.ID)
	assert.Equal(t, domain.ECONFLICT, domain.ErrorCode(err))
}

func TestDepositCheckoutBreakerOpensAfterProviderFailures(t *testing.T) {
	f := newFixture(t)
	f.mock.CreateCheckoutSessionFunc = func(ctx context.Context, params billing.CheckoutParams) (*billing.CheckoutSession, error) {
		return nil, errors.New("stripe 500")
	}

	for i := 0; i < 2; i++ {
		b := f.seedDepositBooking(t, domain.RiskMedium)
		_, err := f.svc.CreateDepositCheckout(context.Background(), f.orgID, b.ID)
		assert.Equal(t, domain.EBADGATEWAY, domain.ErrorCode(err))
	}

	calls := len(f.mock.CallLog)
	b := f.seedDepositBooking(t, domain.RiskMedium)
	_, err := f.svc.CreateDepositCheckout(context.Background(), f.orgID, b.ID)
	assert.Equal(t, domain.EUNAVAILABLE, domain.ErrorCode(err))
	assert.Len(t, f.mock.CallLog, calls, "open circuit must not reach the provider")
}

func TestInvoiceCheckoutUsesOutstandingBalance(t *testing.T) {
	f := newFixture(t)
	inv := domain.Invoice{
		ID:            uuid.New(),
		OrgID:         f.orgID,
		InvoiceNumber: "INV-1042",
		CustomerID:    f.leadID,
		Status:        domain.InvoiceSent,
		TotalCents:    50_000,
		PaidCents:     10_000,
		Currency:      "aud",
	}
	f.store.SeedInvoice(inv)

	init, err := f.svc.CreateInvoiceCheckout(context.Background(), f.orgID, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, inv.ID, init.InvoiceID)

	got, err := f.store.GetInvoice(context.Background(), f.orgID, inv.ID)
	require.NoError(t, err)
	p, err := f.store.GetPaymentByInvoiceSession(context.Background(), inv.ID, got.StripeCheckoutSessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(40_000), p.AmountCents)
	assert.Equal(t, domain.PaymentPending, p.Status)
}

func TestInvoiceCheckoutRejectsPaidInvoice(t *testing.T) {
	f := newFixture(t)
	inv := domain.Invoice{
		ID:         uuid.New(),
		OrgID:      f.orgID,
		Status:     domain.InvoicePaid,
		TotalCents: 50_000,
		PaidCents:  50_000,
		Currency:   "aud",
	}
	f.store.SeedInvoice(inv)

	_, err := f.svc.CreateInvoiceCheckout(context.Background(), f.orgID, inv.ID)
	assert.Equal(t, domain.ECONFLICT, domain.ErrorCode(err))
}

func TestWebhookDepositPaidConfirmsAndDeduplicates(t *testing.T) {
	f := newFixture(t)
	b := f.seedDepositBooking(t, domain.RiskMedium)

	payload := event("evt_1", "checkout.session.completed", map[string]any{
		"id":             "cs_abc",
		"payment_status": "paid",
		"amount_total":   20_000,
		"currency":       "aud",
		"payment_intent": "pi_abc",
		"metadata":       map[string]string{"booking_id": b.ID.String()},
	})

	res, err := f.svc.ProcessWebhook(context.Background(), payload, "sig")
	require.NoError(t, err)
	assert.True(t, res.Processed)

	got, err := f.store.GetBooking(context.Background(), f.orgID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingConfirmed, got.Status)
	assert.Equal(t, domain.DepositPaid, got.DepositStatus)

	emails := f.store.EmailEvents()
	require.Len(t, emails, 1)
	assert.Equal(t, "booking:"+b.ID.String()+":booking_confirmed", emails[0].DedupeKey)
	assert.Equal(t, "dana@example.com", emails[0].Recipient)

	// Stripe redelivers the identical event.
	res, err = f.svc.ProcessWebhook(context.Background(), payload, "sig")
	require.NoError(t, err)
	assert.False(t, res.Processed)
	assert.Len(t, f.store.EmailEvents(), 1)

	p, err := f.store.GetPaymentByProviderRef(context.Background(), "stripe", "pi_abc")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentSucceeded, p.Status)
}

func TestWebhookHighRiskBookingStaysPending(t *testing.T) {
	f := newFixture(t)
	b := f.seedDepositBooking(t, domain.RiskHigh)

	payload := event("evt_high", "checkout.session.completed", map[string]any{
		"id":             "cs_high",
		"payment_status": "paid",
		"amount_total":   20_000,
		"currency":       "aud",
		"metadata":       map[string]string{"booking_id": b.ID.String()},
	})

	res, err := f.svc.ProcessWebhook(context.Background(), payload, "sig")
	require.NoError(t, err)
	assert.True(t, res.Processed)

	got, err := f.store.GetBooking(context.Background(), f.orgID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingPending, got.Status, "manual confirmation required")
	assert.Equal(t, domain.DepositPaid, got.DepositStatus)
	assert.Empty(t, f.store.EmailEvents())
}

func TestWebhookPayloadMismatchRejected(t *testing.T) {
	f := newFixture(t)
	b := f.seedDepositBooking(t, domain.RiskMedium)

	first := event("evt_dup", "checkout.session.completed", map[string]any{
		"id":             "cs_dup",
		"payment_status": "paid",
		"amount_total":   20_000,
		"metadata":       map[string]string{"booking_id": b.ID.String()},
	})
	_, err := f.svc.ProcessWebhook(context.Background(), first, "sig")
	require.NoError(t, err)

	tampered := event("evt_dup", "checkout.session.completed", map[string]any{
		"id":             "cs_dup",
		"payment_status": "paid",
		"amount_total":   1,
		"metadata":       map[string]string{"booking_id": b.ID.String()},
	})
	_, err = f.svc.ProcessWebhook(context.Background(), tampered, "sig")
	require.Error(t, err)
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}

func TestWebhookAmbiguousMetadataRejected(t *testing.T) {
	f := newFixture(t)
	payload := event("evt_amb", "checkout.session.completed", map[string]any{
		"id": "cs_amb",
		"metadata": map[string]string{
			"booking_id": uuid.NewString(),
			"invoice_id": uuid.NewString(),
		},
	})

	_, err := f.svc.ProcessWebhook(context.Background(), payload, "sig")
	require.Error(t, err)
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}

func TestWebhookUnresolvableEventIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	payload := event("evt_lost", "checkout.session.completed", map[string]any{
		"id":       "cs_lost",
		"metadata": map[string]string{"booking_id": uuid.NewString()},
	})

	res, err := f.svc.ProcessWebhook(context.Background(), payload, "sig")
	require.NoError(t, err)
	assert.False(t, res.Processed)

	_, err = f.store.GetStripeEventForUpdate(context.Background(), "evt_lost")
	assert.ErrorIs(t, err, pgx.ErrNoRows, "unresolvable events leave no ledger row")
}

func TestWebhookDepositFailureCancelsViaIntentCorrelation(t *testing.T) {
	f := newFixture(t)
	b := f.seedDepositBooking(t, domain.RiskMedium)
	b.StripePaymentIntentID = "pi_fail"
	require.NoError(t, f.store.UpdateBooking(context.Background(), b))

	payload := event("evt_fail", "payment_intent.payment_failed", map[string]any{
		"id":       "pi_fail",
		"currency": "aud",
	})

	res, err := f.svc.ProcessWebhook(context.Background(), payload, "sig")
	require.NoError(t, err)
	assert.True(t, res.Processed)

	got, err := f.store.GetBooking(context.Background(), f.orgID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingCancelled, got.Status)
	assert.Equal(t, domain.DepositFailed, got.DepositStatus)
}

func TestWebhookInvoicePaymentsRecomputeStatus(t *testing.T) {
	f := newFixture(t)
	inv := domain.Invoice{
		ID:            uuid.New(),
		OrgID:         f.orgID,
		InvoiceNumber: "INV-2001",
		CustomerID:    f.leadID,
		Status:        domain.InvoiceSent,
		TotalCents:    50_000,
		Currency:      "aud",
	}
	f.store.SeedInvoice(inv)

	partial := event("evt_p1", "checkout.session.completed", map[string]any{
		"id":             "cs_p1",
		"payment_status": "paid",
		"amount_total":   20_000,
		"currency":       "aud",
		"payment_intent": "pi_p1",
		"metadata":       map[string]string{"invoice_id": inv.ID.String()},
	})
	res, err := f.svc.ProcessWebhook(context.Background(), partial, "sig")
	require.NoError(t, err)
	assert.True(t, res.Processed)

	got, err := f.store.GetInvoice(context.Background(), f.orgID, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoicePartial, got.Status)
	assert.Equal(t, int64(20_000), got.PaidCents)

	rest := event("evt_p2", "checkout.session.completed", map[string]any{
		"id":             "cs_p2",
		"payment_status": "paid",
		"amount_total":   30_000,
		"currency":       "aud",
		"payment_intent": "pi_p2",
		"metadata":       map[string]string{"invoice_id": inv.ID.String()},
	})
	res, err = f.svc.ProcessWebhook(context.Background(), rest, "sig")
	require.NoError(t, err)
	assert.True(t, res.Processed)

	got, err = f.store.GetInvoice(context.Background(), f.orgID, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoicePaid, got.Status)
	assert.Equal(t, int64(50_000), got.PaidCents)
}

func TestWebhookInvoiceFailureQueuesDunningOnce(t *testing.T) {
	f := newFixture(t)
	inv := domain.Invoice{
		ID:            uuid.New(),
		OrgID:         f.orgID,
		InvoiceNumber: "INV-3001",
		CustomerID:    f.leadID,
		Status:        domain.InvoiceSent,
		TotalCents:    50_000,
		Currency:      "aud",
	}
	f.store.SeedInvoice(inv)

	for i := 0; i < 2; i++ {
		payload := event(fmt.Sprintf("evt_dun_%d", i), "payment_intent.payment_failed", map[string]any{
			"id":       fmt.Sprintf("pi_dun_%d", i),
			"metadata": map[string]string{"invoice_id": inv.ID.String()},
		})
		res, err := f.svc.ProcessWebhook(context.Background(), payload, "sig")
		require.NoError(t, err)
		assert.True(t, res.Processed)
	}

	emails := f.store.EmailEvents()
	require.Len(t, emails, 1)
	assert.Equal(t, "invoice:"+inv.ID.String()+":dunning:payment_failed", emails[0].DedupeKey)
}

func TestWebhookSubscriptionUpdatesOrgBilling(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.UpsertOrgBilling(context.Background(), &domain.OrgBilling{
		OrgID:            f.orgID,
		StripeCustomerID: "cus_42",
	}))

	payload := event("evt_sub", "customer.subscription.updated", map[string]any{
		"id":       "sub_42",
		"customer": "cus_42",
		"status":   "active",
	})
	res, err := f.svc.ProcessWebhook(context.Background(), payload, "sig")
	require.NoError(t, err)
	assert.True(t, res.Processed)

	ob, err := f.store.GetOrgBillingByCustomer(context.Background(), "cus_42")
	require.NoError(t, err)
	assert.Equal(t, f.orgID, ob.OrgID)
	assert.Equal(t, "sub_42", ob.SubscriptionID)
	assert.Equal(t, "active", ob.SubscriptionStatus)
}

func TestWebhookOrgCustomerMismatchRejected(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.UpsertOrgBilling(context.Background(), &domain.OrgBilling{
		OrgID:            f.orgID,
		StripeCustomerID: "cus_43",
	}))

	payload := event("evt_mismatch", "customer.subscription.updated", map[string]any{
		"id":       "sub_43",
		"customer": "cus_43",
		"status":   "active",
		"metadata": map[string]string{"org_id": uuid.NewString()},
	})
	_, err := f.svc.ProcessWebhook(context.Background(), payload, "sig")
	require.Error(t, err)
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}

func TestWebhookInvalidSignatureRejected(t *testing.T) {
	f := newFixture(t)
	f.mock.VerifyWebhookFunc = func(payload []byte, signature string) (*billing.Event, error) {
		return nil, billing.ErrInvalidSignature
	}

	_, err := f.svc.ProcessWebhook(context.Background(), []byte("{}"), "bad")
	require.Error(t, err)
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}
